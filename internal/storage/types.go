package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ResultEntry is one persisted result record.
type ResultEntry struct {
	ExecutionID       string    `json:"execution_id"`
	MonitorID         string    `json:"monitor_id"`
	TestID            int       `json:"test_id"`
	SampleCount       int64     `json:"samples"`
	ErrorCount        int64     `json:"errors"`
	SumDurationMillis int64     `json:"sum_duration_ms"`
	At                time.Time `json:"at"`
}

// Query filters QueryResults. Zero fields match everything.
type Query struct {
	MonitorID string
	Since     time.Time
	Limit     int
}

func (q Query) match(e ResultEntry) bool {
	if q.MonitorID != "" && e.MonitorID != q.MonitorID {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return true
}
