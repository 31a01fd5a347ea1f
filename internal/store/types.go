package store

import (
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrTaskNotFound    = errors.New("task not found")

	// ErrStatusConflict means a conditional transition found the record in a
	// different status than required. Callers decide whether that is fatal
	// (lost-update race) or a benign no-op (cancelling a finished task).
	ErrStatusConflict = errors.New("status conflict")

	// ErrProgressOverflow means an increment would push completed+failed past
	// total.
	ErrProgressOverflow = errors.New("progress exceeds total")
)

type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
)

// AccountStatus follows the fleet state machine:
//
//	pending -> provisioning -> connected -> degraded|stopped -> provisioning (restart)
//
// "error" is reachable from any state on unrecoverable provisioning failure.
// "banned" is terminal and only ever set from an external platform signal.
type AccountStatus string

const (
	AccountPending      AccountStatus = "pending"
	AccountProvisioning AccountStatus = "provisioning"
	AccountConnected    AccountStatus = "connected"
	AccountDegraded     AccountStatus = "degraded"
	AccountStopped      AccountStatus = "stopped"
	AccountError        AccountStatus = "error"
	AccountBanned       AccountStatus = "banned"
)

type AccountConfig struct {
	Enabled       bool          `json:"enabled"`
	AutoReconnect bool          `json:"auto_reconnect"`
	HourlyLimit   int           `json:"hourly_limit"`
	DailyLimit    int           `json:"daily_limit"`
	SendDelay     time.Duration `json:"send_delay"`
}

type AccountHealth struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ErrorCount    int       `json:"error_count"`
	Quality       string    `json:"quality"` // "good", "poor", "" when unknown
}

// AccountRuntime is the durable descriptor of the instance runtime. The live
// registry is a cache rebuilt from this plus runtime inspection.
type AccountRuntime struct {
	Port      int       `json:"port"`
	HandleID  string    `json:"handle_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Account struct {
	ID       string         `json:"id"`
	OwnerID  string         `json:"owner_id"`
	Platform Platform       `json:"platform"`
	Status   AccountStatus  `json:"status"`
	Config   AccountConfig  `json:"config"`
	Health   AccountHealth  `json:"health"`
	Runtime  AccountRuntime `json:"runtime"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status may never re-enter
// queued/running.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleDelayed   ScheduleKind = "delayed"
	ScheduleRecurring ScheduleKind = "recurring"
)

type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       time.Time    `json:"at,omitempty"`       // delayed
	Cron     string       `json:"cron,omitempty"`     // recurring
	Timezone string       `json:"timezone,omitempty"` // recurring
}

type TaskLimits struct {
	RetryTimes int           `json:"retry_times"`
	SendDelay  time.Duration `json:"send_delay"`
}

// TaskConfig is copied into each job so a run never re-reads the task record
// mid-flight.
type TaskConfig struct {
	Accounts []string   `json:"accounts,omitempty"`
	Targets  []string   `json:"targets,omitempty"`
	Content  string     `json:"content,omitempty"`
	Limits   TaskLimits `json:"limits"`
	Schedule Schedule   `json:"schedule"`
}

type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Per-target outcomes recorded by processors.
const (
	OutcomeSent        = "sent"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

type TargetResult struct {
	Target    string    `json:"target"`
	AccountID string    `json:"account_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

type Task struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	OwnerID string `json:"owner_id"`

	// ParentID links a recurring occurrence back to the recurring task that
	// spawned it. Empty for directly created tasks.
	ParentID string `json:"parent_id,omitempty"`

	Config   TaskConfig `json:"config"`
	Status   TaskStatus `json:"status"`
	Progress Progress   `json:"progress"`
	Error    string     `json:"error,omitempty"`

	QueuedAt   time.Time `json:"queued_at,omitzero"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"` // completed, failed, or cancelled at
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
