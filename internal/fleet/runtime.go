package fleet

import (
	"context"

	"msgfleet/internal/store"
)

// RuntimeStatus is the live state of one instance environment as reported by
// the runtime backend.
type RuntimeStatus string

const (
	RuntimeStarting RuntimeStatus = "starting"
	RuntimeRunning  RuntimeStatus = "running"
	RuntimeExited   RuntimeStatus = "exited"
	RuntimeDead     RuntimeStatus = "dead"
	// RuntimeUnknown means the runtime itself was unreachable. Distinct from
	// "not running": callers must not evict an instance just because one
	// inspection could not be made.
	RuntimeUnknown RuntimeStatus = "unknown"
)

type Handle struct {
	ID   string
	Port int
}

// InstanceSpec describes the environment for one account's instance.
type InstanceSpec struct {
	AccountID string
	Platform  store.Platform
	Port      int
	// Env carries identity/credentials and the callback endpoint the
	// instance reports heartbeats to.
	Env map[string]string
}

// Runtime is the container/process backend boundary.
type Runtime interface {
	Create(ctx context.Context, spec InstanceSpec) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle) error
	Remove(ctx context.Context, h Handle) error
	// Inspect returns RuntimeUnknown with a non-nil error when the runtime is
	// unreachable.
	Inspect(ctx context.Context, h Handle) (RuntimeStatus, error)
}
