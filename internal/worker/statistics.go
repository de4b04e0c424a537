package worker

import (
	"sort"
	"sync"
	"time"

	"sitemon/internal/sitemon"
)

type testStats struct {
	samples   int64
	errors    int64
	sumMillis int64
}

// Statistics accumulates per-test samples of one execution. Add and Reset
// share one lock, so a Reset never splits a sample.
type Statistics struct {
	mu    sync.Mutex
	tests map[int]*testStats
}

func NewStatistics() *Statistics {
	return &Statistics{tests: map[int]*testStats{}}
}

// Add records one sample. Failed samples only count as errors and carry no time.
func (s *Statistics) Add(testID int, took time.Duration, err error) {
	s.mu.Lock()
	ts := s.tests[testID]
	if ts == nil {
		ts = &testStats{}
		s.tests[testID] = ts
	}
	if err != nil {
		ts.errors++
	} else {
		ts.samples++
		ts.sumMillis += took.Milliseconds()
	}
	s.mu.Unlock()
}

// Reset returns the accumulated records ordered by test and clears them.
// With reportTimes false the duration sums are zeroed.
func (s *Statistics) Reset(monitorID string, now time.Time, reportTimes bool) []sitemon.ResultRecord {
	s.mu.Lock()
	tests := s.tests
	s.tests = map[int]*testStats{}
	s.mu.Unlock()

	if len(tests) == 0 {
		return nil
	}
	ts := now.UTC()
	out := make([]sitemon.ResultRecord, 0, len(tests))
	for id, st := range tests {
		rec := sitemon.ResultRecord{
			MonitorID:   monitorID,
			TestID:      id,
			SampleCount: st.samples,
			ErrorCount:  st.errors,
			Timestamp:   ts,
		}
		if reportTimes {
			rec.SumDurationMillis = st.sumMillis
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out
}

func (s *Statistics) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tests)
}
