// Package platform holds the per-platform message-send primitive. The wire
// protocols themselves live behind Sender implementations; everything above
// this boundary treats a send as opaque and any failure as a generic send
// error.
package platform

import (
	"context"
	"fmt"
	"sync"

	"msgfleet/internal/store"
)

// Sender delivers one message from an account's session to one target.
// Implementations must be safe for concurrent use; two tasks may legitimately
// send through the same account at once.
type Sender interface {
	Send(ctx context.Context, accountID, target, content string) error
}

// Registry maps platform types to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[store.Platform]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: map[store.Platform]Sender{}}
}

func (r *Registry) Register(p store.Platform, s Sender) {
	r.mu.Lock()
	r.senders[p] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(p store.Platform) (Sender, error) {
	r.mu.RLock()
	s := r.senders[p]
	r.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("no sender registered for platform %q", p)
	}
	return s, nil
}
