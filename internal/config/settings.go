package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sitemon/internal/sitemon"
)

// Settings is a Config with defaults applied and durations parsed.
type Settings struct {
	Repeat      time.Duration
	Granularity time.Duration
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration

	HeartbeatInterval time.Duration
	ReportTimes       bool
	CallbackTimeout   time.Duration
	CallbackRate      float64

	CollectorEnabled  bool
	CollectorInterval time.Duration

	TransportDriver  string
	TransportURL     string
	HandshakeTimeout time.Duration
	ReconnectBackoff time.Duration

	StorageDriver string
	StoragePath   string
	BusyTimeout   time.Duration
	Retention     time.Duration
	PruneSchedule string
}

func (c *Config) Resolve() (Settings, error) {
	var d durations
	s := Settings{
		Repeat:      d.get("scheduler.repeat", c.Scheduler.Repeat, time.Minute),
		Granularity: d.get("scheduler.granularity", c.Scheduler.Granularity, time.Minute),
		Workers:     c.Scheduler.Workers,
		QueueSize:   c.Scheduler.QueueSize,
		TaskTimeout: d.get("scheduler.task_timeout", c.Scheduler.TaskTimeout, 0),

		HeartbeatInterval: d.get("worker.heartbeat_interval", c.Worker.HeartbeatInterval, 500*time.Millisecond),
		ReportTimes:       c.Worker.ReportTimes == nil || *c.Worker.ReportTimes,
		CallbackTimeout:   d.get("worker.callback_timeout", c.Worker.CallbackTimeout, 5*time.Second),
		CallbackRate:      c.Worker.CallbackRatePerSec,

		CollectorEnabled:  c.Collector.Enabled == nil || *c.Collector.Enabled,
		CollectorInterval: d.get("collector.interval", c.Collector.Interval, time.Second),

		TransportDriver:  strings.ToLower(strings.TrimSpace(c.Transport.Driver)),
		TransportURL:     strings.TrimSpace(c.Transport.URL),
		HandshakeTimeout: d.get("transport.handshake_timeout", c.Transport.HandshakeTimeout, 10*time.Second),
		ReconnectBackoff: d.get("transport.reconnect_backoff", c.Transport.ReconnectBackoff, time.Second),

		StorageDriver: "none",
	}
	if s.Workers <= 0 {
		s.Workers = 10
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 64
	}
	if s.CallbackRate <= 0 {
		s.CallbackRate = 1
	}
	if s.TransportDriver == "" {
		s.TransportDriver = "local"
	}
	if st := c.Storage; st != nil {
		if drv := strings.ToLower(strings.TrimSpace(st.Driver)); drv != "" {
			s.StorageDriver = drv
		}
		s.StoragePath = strings.TrimSpace(st.Path)
		s.BusyTimeout = d.get("storage.busy_timeout", st.BusyTimeout, 0)
		s.Retention = d.get("storage.retention", st.Retention, 7*24*time.Hour)
		s.PruneSchedule = strings.TrimSpace(st.PruneSchedule)
	}
	if s.PruneSchedule == "" {
		s.PruneSchedule = "@hourly"
	}
	if d.err != nil {
		return Settings{}, d.err
	}
	return s, nil
}

// Definition converts m to a monitor definition. An omitted interval means every tick.
func (m MonitorConfig) Definition() sitemon.MonitorDefinition {
	interval := m.Interval
	if interval == 0 {
		interval = 1
	}
	return sitemon.MonitorDefinition{
		ID:            strings.TrimSpace(m.ID),
		ScriptName:    strings.TrimSpace(m.Script),
		HostParams:    m.Hosts,
		ScriptParams:  m.Params,
		ErrorCallback: strings.TrimSpace(m.ErrorCallback),
		IntervalTicks: interval,
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error
	s, err := c.Resolve()
	if err != nil {
		errs = append(errs, err)
	}
	switch s.TransportDriver {
	case "local", "":
	case "websocket", "ws":
		if s.TransportURL == "" {
			errs = append(errs, errors.New("transport.url is required for the websocket driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver))
	}
	switch s.StorageDriver {
	case "none", "":
	case "file", "sqlite", "sqlite3":
		if s.StoragePath == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s driver", s.StorageDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	seen := map[string]bool{}
	for i, m := range c.Monitors {
		def := m.Definition()
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("monitors[%d]: %w", i, err))
			continue
		}
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("monitors[%d]: duplicate id %q", i, def.ID))
		}
		seen[def.ID] = true
	}
	return errors.Join(errs...)
}
