package engine

import (
	"context"
	"time"
)

// Config controls the bounded execution pool.
//
// Defaults (when fields are zero):
//   - workers: 10 (concurrent executions)
//   - queue_size: 64
//   - default_timeout: disabled
//   - history_size: 200
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. Zero disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

const (
	DefaultWorkers     = 10
	DefaultQueueSize   = 64
	DefaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Task is a unit of work executed by the engine.
//
// Done, if set, is called exactly once with the task's final error: after Run
// returns (or panics), or with ErrStopped when the engine stops before the task
// was picked up.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Done    func(err error)
}

func (t Task) finish(err error) {
	if t.Done != nil {
		t.Done(err)
	}
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed uint64
	Failed    uint64
	Dropped   uint64

	DefaultTimeout time.Duration
	History        []HistoryItem
}
