// Package results is the controller side of the reporting protocol. It keeps
// results and heartbeats until they are polled and persists results.
package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sitemon/internal/protocol"
	"sitemon/internal/sitemon"
	"sitemon/internal/storage"
	logx "sitemon/pkg/logx"
)

const DefaultMaxBuffered = 10000

// HeartbeatStatus is the latest heartbeat of one execution.
type HeartbeatStatus struct {
	ExecutionID string
	MonitorID   string
	Heartbeat   protocol.Heartbeat
	At          time.Time
}

type Sink struct {
	store       storage.Store
	log         logx.Logger
	maxBuffered int

	mu         sync.Mutex
	results    []sitemon.ResultRecord
	heartbeats map[string]HeartbeatStatus
	dropped    uint64
}

// New creates a sink. store may be nil. maxBuffered bounds the unpolled
// results; the oldest are dropped first.
func New(store storage.Store, maxBuffered int, log logx.Logger) *Sink {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		store:       store,
		log:         log.With(logx.String("comp", "results")),
		maxBuffered: maxBuffered,
		heartbeats:  map[string]HeartbeatStatus{},
	}
}

// Handle consumes one outbound envelope of an execution.
func (s *Sink) Handle(ctx context.Context, env protocol.Envelope) error {
	msg, err := env.Decode()
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.Heartbeat:
		s.mu.Lock()
		s.heartbeats[env.ExecutionID] = HeartbeatStatus{
			ExecutionID: env.ExecutionID,
			MonitorID:   env.MonitorID,
			Heartbeat:   m,
			At:          env.SentAt,
		}
		s.mu.Unlock()
		return nil
	case protocol.ResultMessage:
		s.mu.Lock()
		s.results = append(s.results, m.Records...)
		if over := len(s.results) - s.maxBuffered; over > 0 {
			s.results = append([]sitemon.ResultRecord(nil), s.results[over:]...)
			s.dropped += uint64(over)
		}
		// A result closes the execution.
		delete(s.heartbeats, env.ExecutionID)
		s.mu.Unlock()
		return s.persist(ctx, env.ExecutionID, m.Records)
	default:
		return fmt.Errorf("%w: %s is not a report", protocol.ErrUnknownType, env.Type)
	}
}

func (s *Sink) persist(ctx context.Context, executionID string, recs []sitemon.ResultRecord) error {
	if s.store == nil || len(recs) == 0 {
		return nil
	}
	entries := make([]storage.ResultEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, storage.ResultEntry{
			ExecutionID:       executionID,
			MonitorID:         r.MonitorID,
			TestID:            r.TestID,
			SampleCount:       r.SampleCount,
			ErrorCount:        r.ErrorCount,
			SumDurationMillis: r.SumDurationMillis,
			At:                r.Timestamp,
		})
	}
	if err := s.store.AppendResults(ctx, entries); err != nil {
		return fmt.Errorf("persist results: %w", err)
	}
	return nil
}

// Run consumes r until ctx ends or r is closed. A report already received is
// persisted even when ctx ends meanwhile.
func (s *Sink) Run(ctx context.Context, r protocol.Receiver) error {
	for {
		env, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.Handle(context.WithoutCancel(ctx), env); err != nil {
			s.log.Warn("report rejected", logx.String("type", string(env.Type)), logx.Err(err))
		}
	}
}

// PollResults returns the results received since the last poll.
func (s *Sink) PollResults() []sitemon.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.results
	s.results = nil
	return out
}

// PollHeartbeats returns the latest heartbeat of every execution heard from
// since the last poll, ordered by execution id.
func (s *Sink) PollHeartbeats() []HeartbeatStatus {
	s.mu.Lock()
	out := make([]HeartbeatStatus, 0, len(s.heartbeats))
	for _, hb := range s.heartbeats {
		out = append(out, hb)
	}
	s.heartbeats = map[string]HeartbeatStatus{}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

// Dropped reports how many unpolled results were discarded.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
