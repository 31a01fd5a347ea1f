package store

import (
	"context"
	"time"
)

// Store is the durable system of record for accounts and tasks. In-memory
// caches (registry, queues) are rebuildable and never authoritative.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// TransitionAccount sets status to `to` only if the current status is one
	// of `from` (conditional write; avoids lost-update races). With no `from`
	// the transition is unconditional. Returns ErrStatusConflict when the
	// condition does not hold.
	TransitionAccount(ctx context.Context, id string, to AccountStatus, from ...AccountStatus) error
	UpdateAccountConfig(ctx context.Context, id string, cfg AccountConfig) error
	UpdateAccountRuntime(ctx context.Context, id string, rt AccountRuntime) error
	UpdateAccountHealth(ctx context.Context, id string, h AccountHealth) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	DeleteAccount(ctx context.Context, id string) error

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, statuses ...TaskStatus) ([]Task, error)

	// TaskStatusCounts groups task rows by type and status, feeding queue
	// statistics.
	TaskStatusCounts(ctx context.Context) (map[string]map[TaskStatus]int, error)

	// TransitionTask mirrors TransitionAccount and stamps the status
	// timestamp (queued/started/finished) as a side effect.
	TransitionTask(ctx context.Context, id string, to TaskStatus, from ...TaskStatus) error
	SetTaskError(ctx context.Context, id string, msg string) error
	SetTaskTotal(ctx context.Context, id string, total int) error

	// IncProgress atomically adds to the completed/failed counters, rejecting
	// increments that would exceed total.
	IncProgress(ctx context.Context, id string, completed, failed int) error
	AppendResult(ctx context.Context, id string, r TargetResult) error
	ListResults(ctx context.Context, id string) ([]TargetResult, error)

	Close() error
}
