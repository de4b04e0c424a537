package sitemon

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInterval   = errors.New("sitemon: interval must be at least 1 tick")
	ErrInvalidDefinition = errors.New("sitemon: invalid monitor definition")
)

// MonitorDefinition is an immutable monitor registration. Replacing a monitor is
// Unregister followed by Register.
type MonitorDefinition struct {
	ID            string `json:"id"`
	ScriptName    string `json:"script"`
	HostParams    string `json:"hosts,omitempty"`
	ScriptParams  string `json:"params,omitempty"`
	ErrorCallback string `json:"error_callback,omitempty"`
	IntervalTicks int    `json:"interval"`
}

func (d MonitorDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.ScriptName) == "" {
		return fmt.Errorf("%w: %s: script is required", ErrInvalidDefinition, d.ID)
	}
	if d.IntervalTicks <= 0 {
		return fmt.Errorf("%w: %s: got %d", ErrInvalidInterval, d.ID, d.IntervalTicks)
	}
	return nil
}

// Job returns the dispatch payload for tick.
func (d MonitorDefinition) Job(tick time.Time) Job {
	return Job{
		MonitorID:     d.ID,
		ScriptName:    d.ScriptName,
		HostParams:    d.HostParams,
		ScriptParams:  d.ScriptParams,
		ErrorCallback: d.ErrorCallback,
		Tick:          tick,
	}
}

// Job is a value copy of a definition taken at dispatch time; later changes to
// the registry do not affect a running execution.
type Job struct {
	MonitorID     string
	ScriptName    string
	HostParams    string
	ScriptParams  string
	ErrorCallback string
	Tick          time.Time
}

// ResultRecord is one statistics flush for a monitor's test.
type ResultRecord struct {
	MonitorID         string    `json:"monitor_id"`
	TestID            int       `json:"test_id"`
	SampleCount       int64     `json:"samples"`
	ErrorCount        int64     `json:"errors"`
	SumDurationMillis int64     `json:"sum_duration_ms"`
	Timestamp         time.Time `json:"timestamp"`
}
