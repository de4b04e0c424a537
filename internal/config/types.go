package config

// Config is the on-disk agent configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    WorkerConfig    `json:"worker"`
	Collector CollectorConfig `json:"collector"`
	Transport TransportConfig `json:"transport"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Monitors  []MonitorConfig `json:"monitors"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop and its execution pool.
//
// Defaults (when fields are omitted/zero):
//   - repeat: "1m"
//   - granularity: "1m" (tick timestamps have seconds cut off)
//   - workers: 10
//   - queue_size: 64
//   - task_timeout: "0s" (disabled)
type SchedulerConfig struct {
	Repeat      string `json:"repeat,omitempty"`
	Granularity string `json:"granularity,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// WorkerConfig controls a single execution.
//
// ReportTimes is a pointer so an omitted value can default to true.
type WorkerConfig struct {
	HeartbeatInterval  string  `json:"heartbeat_interval,omitempty"`
	ReportTimes        *bool   `json:"report_times,omitempty"`
	CallbackTimeout    string  `json:"callback_timeout,omitempty"`
	CallbackRatePerSec float64 `json:"callback_rate_per_sec,omitempty"`
}

type CollectorConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// TransportConfig selects the controller link: "local" (in-process, default)
// or "websocket".
type TransportConfig struct {
	Driver           string `json:"driver,omitempty"`
	URL              string `json:"url,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
}

// StorageConfig controls result persistence.
//
// Driver values: "none" (default), "file", "sqlite".
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// MonitorConfig declares a monitor registered at startup and on reload.
type MonitorConfig struct {
	ID            string `json:"id"`
	Script        string `json:"script"`
	Hosts         string `json:"hosts,omitempty"`
	Params        string `json:"params,omitempty"`
	ErrorCallback string `json:"error_callback,omitempty"`
	Interval      int    `json:"interval,omitempty"`
}
