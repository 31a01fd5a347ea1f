package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory lifecycle signal (account started, task completed, ...).
//
// Contract:
//   - Publish MUST NOT block.
//   - Subscribers receive on buffered channels; slow subscribers drop events.
//   - Delivery is at-most-once. Anything that needs durability goes through the
//     store, not the bus.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Lifecycle event types published by fleet and sched.
const (
	AccountStarted = "account.started"
	AccountStopped = "account.stopped"
	AccountEvicted = "account.evicted"
	TaskQueued     = "task.queued"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
	TaskCancelled  = "task.cancelled"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish never holds the lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe (and close its channel) concurrently;
		// recover turns that send-on-closed panic into a drop.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
