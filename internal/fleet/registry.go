package fleet

import (
	"sync"
	"time"

	"msgfleet/internal/runtime/supervisor"
)

// Instance is the in-memory runtime record for one live account. It is a
// cache over the durable account record plus live inspection, never the
// source of truth for business decisions.
type Instance struct {
	AccountID string
	Handle    Handle
	Port      int
	StartedAt time.Time

	// sup owns the instance's monitor loop; stopping it is how the registry
	// guarantees no orphaned tickers survive a stop/delete.
	sup *supervisor.Supervisor
}

// Registry tracks live instances. The orchestrator is the single writer;
// everything else reads.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	// reserved holds ports handed out by AllocPort for instances still
	// provisioning, so concurrent starts never collide.
	reserved map[int]bool
}

func NewRegistry() *Registry {
	return &Registry{instances: map[string]*Instance{}, reserved: map[int]bool{}}
}

func (r *Registry) Get(accountID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[accountID]
	return inst, ok
}

// Put registers inst unless the account already has a live entry, in which
// case the existing entry is returned and inserted=false. This is what makes
// StartAccount idempotent.
func (r *Registry) Put(inst *Instance) (existing *Instance, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[inst.AccountID]; ok {
		return cur, false
	}
	r.instances[inst.AccountID] = inst
	return inst, true
}

func (r *Registry) Remove(accountID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[accountID]
	if ok {
		delete(r.instances, accountID)
		delete(r.reserved, inst.Port)
	}
	return inst, ok
}

func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// AllocPort reserves the lowest free port >= base. The reservation is
// released by Remove (via the instance's Port) or ReleasePort on a failed
// provision.
func (r *Registry) AllocPort(base int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := make(map[int]bool, len(r.instances)+len(r.reserved))
	for _, inst := range r.instances {
		used[inst.Port] = true
	}
	for p := range r.reserved {
		used[p] = true
	}
	p := base
	for used[p] {
		p++
	}
	r.reserved[p] = true
	return p
}

func (r *Registry) ReleasePort(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, p)
}
