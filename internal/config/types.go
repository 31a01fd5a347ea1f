package config

// Config is the full fleetd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Fleet   FleetConfig   `json:"fleet"`
	Sched   SchedConfig   `json:"sched"`
	Command CommandConfig `json:"command,omitempty"`
	API     APIConfig     `json:"api,omitempty"`

	Platforms PlatformsConfig `json:"platforms,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the durable Account/Task store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FleetConfig controls instance provisioning and health monitoring.
//
// Defaults (when fields are omitted/zero):
//   - monitor_interval: "30s"
//   - inspect_timeout: "5s"
//   - heartbeat_max_age: "5m"
//   - error_threshold: 5
//   - restart_settle: "2s"
//   - base_port: 38000
type FleetConfig struct {
	MonitorInterval string `json:"monitor_interval,omitempty"`
	InspectTimeout  string `json:"inspect_timeout,omitempty"`
	HeartbeatMaxAge string `json:"heartbeat_max_age,omitempty"`
	ErrorThreshold  int    `json:"error_threshold,omitempty"`
	RestartSettle   string `json:"restart_settle,omitempty"`
	BasePort        int    `json:"base_port,omitempty"`

	// Runtime selects the instance runtime backend ("local" for now).
	Runtime string `json:"runtime,omitempty"`
	// InstanceCommand is the binary (plus args) the local runtime launches per
	// account. The account id and assigned port are passed via environment.
	InstanceCommand []string `json:"instance_command,omitempty"`
}

// SchedConfig controls task queues and recurring schedules.
//
// Defaults: workers_per_queue 2, queue_size 256, retry_max 3,
// retry_base "1s", retry_max_delay "1m".
type SchedConfig struct {
	WorkersPerQueue int    `json:"workers_per_queue,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// CommandConfig selects the command-channel broker.
//
// Driver "memory" (default) fans out in-process; "redis" publishes over redis
// pub/sub so commands reach instances on other nodes.
type CommandConfig struct {
	Driver        string `json:"driver,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8470"
	// Debug mounts pprof under /debug/pprof.
	Debug bool `json:"debug,omitempty"`
}

// PlatformsConfig holds per-platform send credentials.
type PlatformsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}
