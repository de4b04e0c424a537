package worker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStatisticsResetUnderConcurrentAdd(t *testing.T) {
	t.Parallel()
	const producers, perProducer = 16, 2000
	s := NewStatistics()

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				var err error
				if j%10 == 0 {
					err = errors.New("boom")
				}
				s.Add(i%3+1, time.Millisecond, err)
			}
		}(i)
	}

	var samples, errs, millis int64
	collect := func() {
		for _, r := range s.Reset("m", time.Now(), true) {
			samples += r.SampleCount
			errs += r.ErrorCount
			millis += r.SumDurationMillis
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			collect()
		}
	}
	collect()

	if total := samples + errs; total != producers*perProducer {
		t.Fatalf("extracted %d samples, want %d", total, producers*perProducer)
	}
	if errs != producers*perProducer/10 {
		t.Fatalf("errors = %d, want %d", errs, producers*perProducer/10)
	}
	if millis != samples {
		t.Fatalf("sum millis = %d, want %d", millis, samples)
	}
	if s.Len() != 0 {
		t.Fatal("statistics not empty after final reset")
	}
}

func TestStatisticsResetShape(t *testing.T) {
	t.Parallel()
	s := NewStatistics()
	if got := s.Reset("m", time.Now(), true); got != nil {
		t.Fatalf("empty reset = %+v, want nil", got)
	}
	s.Add(2, 30*time.Millisecond, nil)
	s.Add(1, 10*time.Millisecond, nil)
	s.Add(1, 0, errors.New("timeout"))

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	recs := s.Reset("m1", now, false)
	if len(recs) != 2 || recs[0].TestID != 1 || recs[1].TestID != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].SampleCount != 1 || recs[0].ErrorCount != 1 || recs[0].SumDurationMillis != 0 {
		t.Fatalf("record 1 = %+v", recs[0])
	}
	if recs[0].MonitorID != "m1" || recs[0].Timestamp.Location() != time.UTC {
		t.Fatalf("record 1 = %+v", recs[0])
	}
}
