package agentstate

import (
	"context"
	"math"
	"sync"
	"time"

	logx "sitemon/pkg/logx"
)

const DefaultSampleInterval = time.Second

// SystemInfo is one resource sample.
type SystemInfo struct {
	CPUUsedPercent float64
	FreeMemory     float64
}

// Collector samples system resources.
type Collector interface {
	Collect(ctx context.Context) (SystemInfo, error)
}

// State is a point-in-time copy of the monitor.
type State struct {
	MaxCPUPercent    float64       `json:"max_cpu_percent"`
	MinFreeMemory    float64       `json:"min_free_memory"`
	MaxCycleDuration time.Duration `json:"max_cycle_duration"`
	Registered       int           `json:"registered"`
	RepeatInterval   time.Duration `json:"repeat_interval"`
}

// Monitor is updated by the sampling loop and by the scheduler under one mutex.
type Monitor struct {
	mu        sync.Mutex
	collector Collector
	log       logx.Logger

	maxCPU     float64
	minFree    float64
	maxCycle   time.Duration
	registered int
	repeat     time.Duration
}

func New(collector Collector, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		collector: collector,
		log:       log,
		minFree:   math.Inf(1),
	}
}

func (m *Monitor) RecordCPU(percent float64) {
	m.mu.Lock()
	if percent > m.maxCPU {
		m.maxCPU = percent
	}
	m.mu.Unlock()
}

func (m *Monitor) RecordFreeMemory(free float64) {
	m.mu.Lock()
	if free < m.minFree {
		m.minFree = free
	}
	m.mu.Unlock()
}

// RecordCycle records one scheduler cycle. Durations are kept at millisecond resolution.
func (m *Monitor) RecordCycle(d time.Duration) {
	d = d.Truncate(time.Millisecond)
	m.mu.Lock()
	if d > m.maxCycle {
		m.maxCycle = d
	}
	m.mu.Unlock()
}

func (m *Monitor) SetRegistered(n int) {
	m.mu.Lock()
	m.registered = n
	m.mu.Unlock()
}

// Registered is the registered-monitor gauge.
func (m *Monitor) Registered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

func (m *Monitor) SetRepeatInterval(d time.Duration) {
	m.mu.Lock()
	m.repeat = d
	m.mu.Unlock()
}

// Clear resets the extrema and immediately resamples.
func (m *Monitor) Clear(ctx context.Context) {
	m.mu.Lock()
	m.maxCPU = 0
	m.minFree = math.Inf(1)
	m.maxCycle = 0
	m.mu.Unlock()
	m.sample(ctx)
}

func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		MaxCPUPercent:    m.maxCPU,
		MinFreeMemory:    m.minFree,
		MaxCycleDuration: m.maxCycle,
		Registered:       m.registered,
		RepeatInterval:   m.repeat,
	}
}

// Run samples the collector every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	if m.collector == nil {
		return
	}
	info, err := m.collector.Collect(ctx)
	if err != nil {
		m.log.Debug("resource sample failed", logx.Err(err))
		return
	}
	m.RecordCPU(info.CPUUsedPercent)
	m.RecordFreeMemory(info.FreeMemory)
}
