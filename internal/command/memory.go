package command

import (
	"context"
	"time"

	"msgfleet/internal/eventbus"
)

// memBroker fans out over the in-process event bus. Single-node deployments
// use this; the bus already provides the non-blocking, drop-when-slow
// semantics the channel contract asks for.
type memBroker struct {
	bus eventbus.Bus
}

func NewMemory(bus eventbus.Bus) Broker {
	return &memBroker{bus: bus}
}

func (b *memBroker) Publish(_ context.Context, accountID string, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	b.bus.Publish(eventbus.Event{Type: topic(accountID), Data: env})
	return nil
}

func (b *memBroker) Subscribe(accountID string, h Handler) (func(), error) {
	want := topic(accountID)
	ch, unsub := b.bus.Subscribe(32)
	go func() {
		for e := range ch {
			if e.Type != want {
				continue
			}
			if env, ok := e.Data.(Envelope); ok {
				h(env)
			}
		}
	}()
	return unsub, nil
}

func (b *memBroker) Close() error { return nil }
