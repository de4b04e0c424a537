package sitemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sitemon/internal/agentstate"
	"sitemon/internal/eventbus"
	"sitemon/internal/task/engine"
	logx "sitemon/pkg/logx"
)

type fakeRunner struct {
	mu       sync.Mutex
	runs     map[string]int
	ticks    map[string][]time.Time
	results  map[string]int
	failing  map[string]bool
	panicky  map[string]bool
	shutdown bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		runs:    map[string]int{},
		ticks:   map[string][]time.Time{},
		results: map[string]int{},
		failing: map[string]bool{},
		panicky: map[string]bool{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[job.MonitorID]++
	f.ticks[job.MonitorID] = append(f.ticks[job.MonitorID], job.Tick)
	if f.panicky[job.MonitorID] {
		panic("script exploded")
	}
	if f.failing[job.MonitorID] {
		return errors.New("script error")
	}
	f.results[job.MonitorID]++
	return nil
}

func (f *fakeRunner) Shutdown() {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
}

func (f *fakeRunner) count(m map[string]int, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[id]
}

type runnerFunc func(ctx context.Context, job Job) error

func (f runnerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

func runInBackground(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return func() {
		s.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			cancel()
			t.Fatal("Run did not return after Stop")
		}
		cancel()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestScheduler(t *testing.T, cfg Config, runner Runner, opts ...Option) *Scheduler {
	t.Helper()
	pool := engine.New(engine.Config{}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	return New(cfg, NewRegistry(nil), pool, runner, opts...)
}

func TestScenarioSingleMonitorEveryTick(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, Config{Repeat: 2000 * time.Millisecond}, runner)
	if err := s.Register(def("m1", 1)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.runTick(context.Background(), time.Now())
	}
	if got := runner.count(runner.runs, "m1"); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if st := s.Stats(); st.Dispatched != 3 || st.Ticks != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestScenarioMixedIntervals(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, Config{}, runner)
	_ = s.Register(def("m1", 1))
	_ = s.Register(def("m2", 2))

	var m2Ticks []int
	for tick := 1; tick <= 4; tick++ {
		before := runner.count(runner.runs, "m2")
		s.runTick(context.Background(), time.Now())
		if runner.count(runner.runs, "m2") > before {
			m2Ticks = append(m2Ticks, tick)
		}
	}
	if got := runner.count(runner.runs, "m1"); got != 4 {
		t.Fatalf("m1 runs = %d, want 4", got)
	}
	if len(m2Ticks) != 2 || m2Ticks[0] != 2 || m2Ticks[1] != 4 {
		t.Fatalf("m2 ran on ticks %v, want [2 4]", m2Ticks)
	}
}

func TestScenarioFailingMonitorIsIsolated(t *testing.T) {
	runner := newFakeRunner()
	runner.failing["bad"] = true
	runner.panicky["worse"] = true
	bus := eventbus.New()
	failures, unsub := bus.SubscribePrefix(EventFailure, 32)
	defer unsub()

	s := newTestScheduler(t, Config{}, runner, WithBus(bus))
	_ = s.Register(def("bad", 1))
	_ = s.Register(def("worse", 1))
	_ = s.Register(def("good", 1))

	for i := 0; i < 5; i++ {
		s.runTick(context.Background(), time.Now())
	}

	st := s.Stats()
	if st.Monitors["bad"].Failures != 5 || st.Monitors["worse"].Failures != 5 {
		t.Fatalf("failures = %+v", st.Monitors)
	}
	if runner.count(runner.results, "bad") != 0 {
		t.Fatal("failing monitor produced results")
	}
	if got := st.Monitors["good"]; got.Runs != 5 || got.Failures != 0 {
		t.Fatalf("good monitor stats = %+v", got)
	}
	if runner.count(runner.results, "good") != 5 {
		t.Fatalf("good results = %d, want 5", runner.count(runner.results, "good"))
	}
	if len(failures) != 10 {
		t.Fatalf("failure events = %d, want 10", len(failures))
	}
}

func TestTickIsTruncatedToGranularity(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, Config{}, runner)
	_ = s.Register(def("m1", 1))

	now := time.Date(2024, 5, 1, 10, 42, 37, 123456789, time.UTC)
	s.runTick(context.Background(), now)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	want := time.Date(2024, 5, 1, 10, 42, 0, 0, time.UTC)
	if got := runner.ticks["m1"]; len(got) != 1 || !got[0].Equal(want) {
		t.Fatalf("ticks = %v, want [%v]", got, want)
	}
}

func TestRunStopsAfterStopAndRecordsCycle(t *testing.T) {
	runner := newFakeRunner()
	state := agentstate.New(nil, logx.Nop())
	s := newTestScheduler(t, Config{Repeat: 10 * time.Millisecond}, runner, WithAgentState(state))
	_ = s.Register(def("m1", 1))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for runner.count(runner.runs, "m1") < 3 {
		select {
		case <-deadline:
			t.Fatal("scheduler did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	runner.mu.Lock()
	sd := runner.shutdown
	runner.mu.Unlock()
	if !sd {
		t.Fatal("runner was not shut down")
	}
	if state.Snapshot().RepeatInterval != 10*time.Millisecond {
		t.Fatal("repeat interval not published to agent state")
	}

	ticks := s.Stats().Ticks
	time.Sleep(30 * time.Millisecond)
	if s.Stats().Ticks != ticks {
		t.Fatal("scheduler ticked after stop")
	}
}

func TestRunEndsOnContextCancel(t *testing.T) {
	s := newTestScheduler(t, Config{Repeat: time.Hour}, newFakeRunner())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type staticPoller []ResultRecord

func (p staticPoller) PollResults() []ResultRecord { return p }

func TestPollResultsDelegates(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	if s.PollResults() != nil {
		t.Fatal("expected nil without a result source")
	}
	s = newTestScheduler(t, Config{}, newFakeRunner(), WithResults(staticPoller{{MonitorID: "m1", SampleCount: 2}}))
	if got := s.PollResults(); len(got) != 1 || got[0].MonitorID != "m1" {
		t.Fatalf("PollResults = %+v", got)
	}
}

func TestOverrunStartsNextTickWithoutSleeping(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, job Job) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	s := newTestScheduler(t, Config{Repeat: 10 * time.Millisecond}, runner)
	var slept atomic.Int32
	s.sleep = func(ctx context.Context, d time.Duration) {
		slept.Add(1)
		sleepCtx(ctx, d)
	}
	_ = s.Register(def("m1", 1))

	stop := runInBackground(t, s)
	waitFor(t, "three overruns", func() bool { return s.Stats().Overruns >= 3 })
	stop()

	st := s.Stats()
	if st.Overruns != st.Ticks {
		t.Fatalf("overruns = %d, ticks = %d; every tick overran", st.Overruns, st.Ticks)
	}
	if n := slept.Load(); n != 0 {
		t.Fatalf("slept %d times after overrunning ticks", n)
	}
}

func TestShortTickSleepsForRemainder(t *testing.T) {
	const repeat = 40 * time.Millisecond
	runner := runnerFunc(func(ctx context.Context, job Job) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	state := agentstate.New(nil, logx.Nop())
	s := newTestScheduler(t, Config{Repeat: repeat}, runner, WithAgentState(state))

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	s.sleep = func(ctx context.Context, d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		if len(waits) == 2 {
			s.Stop()
		}
		mu.Unlock()
	}
	_ = s.Register(def("m1", 1))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(waits) != 2 {
		t.Fatalf("sleeps = %v, want 2", waits)
	}
	maxCycle := state.Snapshot().MaxCycleDuration
	if maxCycle < 2*time.Millisecond {
		t.Fatalf("max cycle = %v, want >= 2ms", maxCycle)
	}
	minWait := waits[0]
	for _, w := range waits {
		if w <= 0 || w > repeat-2*time.Millisecond {
			t.Fatalf("wait = %v, want in (0, %v]", w, repeat-2*time.Millisecond)
		}
		minWait = min(minWait, w)
	}
	// The longest tick left the shortest wait; cycles are kept at ms resolution.
	if lo, hi := repeat-maxCycle-time.Millisecond, repeat-maxCycle; minWait <= lo || minWait > hi {
		t.Fatalf("shortest wait = %v, want repeat - elapsed in (%v, %v]", minWait, lo, hi)
	}
	if st := s.Stats(); st.Overruns != 0 || st.Ticks != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestUnregisterDuringRunLetsItFinish(t *testing.T) {
	var (
		mu   sync.Mutex
		runs = map[string]int{}
	)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job Job) error {
		mu.Lock()
		runs[job.MonitorID]++
		mu.Unlock()
		if job.MonitorID == "m1" {
			entered <- struct{}{}
			<-release
		}
		return nil
	})
	count := func(id string) int {
		mu.Lock()
		defer mu.Unlock()
		return runs[id]
	}

	s := newTestScheduler(t, Config{Repeat: 5 * time.Millisecond}, runner)
	_ = s.Register(def("m1", 1))
	_ = s.Register(def("m2", 1))
	stop := runInBackground(t, s)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("m1 never ran")
	}
	s.Unregister(context.Background(), "m1")
	if s.Registered() != 1 {
		t.Fatalf("registered = %d, want 1", s.Registered())
	}
	close(release)

	waitFor(t, "m2 to keep ticking", func() bool { return count("m2") >= 4 })
	stop()

	if got := count("m1"); got != 1 {
		t.Fatalf("m1 runs = %d, want 1", got)
	}
	if ms := s.Stats().Monitors["m1"]; ms.Runs != 1 || ms.Failures != 0 {
		t.Fatalf("in-flight m1 run stats = %+v", ms)
	}
}

func TestPollFailuresDrainsFailedRuns(t *testing.T) {
	runner := newFakeRunner()
	runner.failing["bad"] = true
	s := newTestScheduler(t, Config{}, runner)
	_ = s.Register(def("bad", 1))
	_ = s.Register(def("good", 1))

	now := time.Date(2024, 5, 1, 10, 42, 37, 0, time.UTC)
	s.runTick(context.Background(), now)
	s.runTick(context.Background(), now.Add(time.Minute))

	got := s.PollFailures()
	if len(got) != 2 {
		t.Fatalf("failures = %+v, want 2", got)
	}
	for i, f := range got {
		want := now.Truncate(time.Minute).Add(time.Duration(i) * time.Minute)
		if f.MonitorID != "bad" || f.ScriptName != "noop" || !f.Tick.Equal(want) || f.Error != "script error" || f.At.IsZero() {
			t.Fatalf("failure %d = %+v", i, f)
		}
	}
	if again := s.PollFailures(); again != nil {
		t.Fatalf("second poll = %+v, want nil", again)
	}
}

func TestFailureLogIsBounded(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	for i := 0; i < MaxFailureLog+5; i++ {
		s.finish(Job{MonitorID: "m1", Tick: time.Unix(int64(i), 0)}, errors.New("down"))
	}
	got := s.PollFailures()
	if len(got) != MaxFailureLog {
		t.Fatalf("kept %d failures, want %d", len(got), MaxFailureLog)
	}
	if !got[0].Tick.Equal(time.Unix(5, 0)) {
		t.Fatalf("oldest kept tick = %v, want the 6th", got[0].Tick)
	}
	if st := s.Stats(); st.LostFailures != 5 || st.Failures != uint64(MaxFailureLog+5) {
		t.Fatalf("stats lost=%d failures=%d", st.LostFailures, st.Failures)
	}
}
