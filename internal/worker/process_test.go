package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sitemon/internal/protocol"
	"sitemon/internal/script"
	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

type recordingSender struct {
	mu     sync.Mutex
	envs   []protocol.Envelope
	calls  int
	failAt int
	delay  time.Duration
}

func (r *recordingSender) Send(ctx context.Context, env protocol.Envelope) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return errors.New("broken pipe")
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingSender) snapshot() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.envs...)
}

// testEngine starts threads-1 extra threads from thread 0. Each thread sleeps,
// waits for release when set, then records one sample or fails.
type testEngine struct {
	threads int
	sleep   time.Duration
	release chan struct{}
	fail    bool
	panics  bool

	running   atomic.Int32
	lateStart atomic.Value // error from a StartThread call after release
}

func (e *testEngine) waitRunning(t *testing.T, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.running.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d threads running", e.running.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *testEngine) Name() string                            { return "test" }
func (e *testEngine) Load(sitemon.Job) (script.Script, error) { return e, nil }
func (e *testEngine) Shutdown() error                         { return nil }

func (e *testEngine) NewRunnable(n int) (script.Runnable, error) {
	return func(ctx context.Context, tc script.ThreadContext) error {
		if n == 0 {
			for i := 1; i < e.threads; i++ {
				if _, err := tc.StartThread(); err != nil {
					return err
				}
			}
		}
		time.Sleep(e.sleep)
		e.running.Add(1)
		if e.release != nil {
			<-e.release
			if n == 0 {
				_, err := tc.StartThread()
				if err == nil {
					err = errors.New("started")
				}
				e.lateStart.Store(err)
			}
		}
		if e.panics {
			panic("bad script")
		}
		if e.fail {
			return errors.New("script raised")
		}
		tc.Record(n+1, 2*time.Millisecond, nil)
		return nil
	}, nil
}

func testJob() sitemon.Job {
	return sitemon.Job{MonitorID: "m1", ScriptName: "test", Tick: time.Now().Truncate(time.Minute)}
}

func runProcess(t *testing.T, e *testEngine, sender protocol.Sender, cfg Config, disp *protocol.Dispatcher) (*Process, []sitemon.ResultRecord, error) {
	t.Helper()
	p := newProcess("exec-1", testJob(), cfg.withDefaults(), sender, disp, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := p.Run(ctx, script.NewRegistry(e))
	return p, recs, err
}

func TestProcessSendsResultLast(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	e := &testEngine{threads: 4, sleep: 40 * time.Millisecond}
	p, recs, err := runProcess(t, e, s, Config{HeartbeatInterval: 5 * time.Millisecond, ReportTimes: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("records = %+v", recs)
	}
	if p.Sync().TotalThreads() != 4 || !p.Sync().IsFinished() {
		t.Fatalf("threads total=%d finished=%v", p.Sync().TotalThreads(), p.Sync().IsFinished())
	}

	envs := s.snapshot()
	if len(envs) < 2 {
		t.Fatalf("sent %d envelopes", len(envs))
	}
	if envs[0].Type != protocol.TypeHeartbeat {
		t.Fatalf("first message = %s, want heartbeat", envs[0].Type)
	}
	last := envs[len(envs)-1]
	if last.Type != protocol.TypeResult {
		t.Fatalf("last message = %s, want result", last.Type)
	}
	for _, env := range envs[:len(envs)-1] {
		if env.Type != protocol.TypeHeartbeat || env.ExecutionID != "exec-1" || env.MonitorID != "m1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}
	final, err := envs[len(envs)-2].Decode()
	if err != nil {
		t.Fatal(err)
	}
	if hb := final.(protocol.Heartbeat); hb.State != StateFinished || hb.TotalThreads != 4 || hb.LiveThreads != 0 {
		t.Fatalf("final heartbeat = %+v", hb)
	}
	msg, err := last.Decode()
	if err != nil {
		t.Fatal(err)
	}
	res := msg.(protocol.ResultMessage)
	if len(res.Records) != 4 || res.Records[0].SumDurationMillis != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProcessDeliversResultThroughSlowTransport(t *testing.T) {
	t.Parallel()
	s := &recordingSender{delay: 20 * time.Millisecond}
	e := &testEngine{threads: 1, sleep: 150 * time.Millisecond}
	p, recs, err := runProcess(t, e, s, Config{HeartbeatInterval: 2 * time.Millisecond, QueueSize: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if p.Channel().IsShutdown() {
		t.Fatal("a slow transport should not shut the channel down")
	}
	if p.Channel().Discarded() == 0 {
		t.Fatal("expected heartbeats to be dropped on a full queue")
	}
	envs := s.snapshot()
	if len(envs) == 0 || envs[len(envs)-1].Type != protocol.TypeResult {
		t.Fatalf("result not delivered last: %d envelopes", len(envs))
	}
	results := 0
	for _, env := range envs {
		if env.Type == protocol.TypeResult {
			results++
		}
	}
	if results != 1 {
		t.Fatalf("results delivered = %d, want 1", results)
	}
}

func TestProcessStopsReportingAfterSendFailure(t *testing.T) {
	t.Parallel()
	s := &recordingSender{failAt: 1}
	e := &testEngine{threads: 3, sleep: 30 * time.Millisecond}
	p, recs, err := runProcess(t, e, s, Config{HeartbeatInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.snapshot(); len(got) != 0 {
		t.Fatalf("delivered %d envelopes after the first send failed", len(got))
	}
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	if calls != 1 {
		t.Fatalf("transport called %d times, want 1", calls)
	}
	if !p.Channel().IsShutdown() {
		t.Fatal("channel not shut down")
	}
	if !p.Sync().IsFinished() || p.Sync().TotalThreads() != 3 {
		t.Fatalf("bookkeeping: finished=%v total=%d", p.Sync().IsFinished(), p.Sync().TotalThreads())
	}
	if len(recs) != 3 {
		t.Fatalf("statistics still extracted: %+v", recs)
	}
}

func TestProcessFailingScriptSendsNoResult(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		e    *testEngine
	}{
		{"error", &testEngine{threads: 2, fail: true}},
		{"panic", &testEngine{threads: 2, panics: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &recordingSender{}
			_, recs, err := runProcess(t, tc.e, s, Config{HeartbeatInterval: time.Hour}, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if recs != nil {
				t.Fatalf("records = %+v", recs)
			}
			for _, env := range s.snapshot() {
				if env.Type == protocol.TypeResult {
					t.Fatal("result sent for a failing script")
				}
			}
		})
	}
}

func TestProcessShutdownMessage(t *testing.T) {
	t.Parallel()
	disp := protocol.NewDispatcher(nil, logx.Nop())
	e := &testEngine{threads: 2, release: make(chan struct{})}
	s := &recordingSender{}

	type outcome struct {
		p   *Process
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		p, _, err := runProcess(t, e, s, Config{HeartbeatInterval: 5 * time.Millisecond}, disp)
		done <- outcome{p, err}
	}()

	e.waitRunning(t, 2)
	env, _ := protocol.Encode("exec-1", "", protocol.Shutdown{Reason: "test"}, time.Now())
	if err := disp.Dispatch(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not return after shutdown")
	}
	if out.err != nil {
		t.Fatal(out.err)
	}
	if !out.p.ShutdownReceived() {
		t.Fatal("shutdown flag not set")
	}
	if out.p.Sync().IsFinished() {
		t.Fatal("threads should still be running")
	}
	if disp.Live() != 0 {
		t.Fatal("execution still attached")
	}

	close(e.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !out.p.Sync().WaitFinished(ctx) {
		t.Fatal("threads did not finish after release")
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.lateStart.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err, _ := e.lateStart.Load().(error); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("late StartThread err = %v, want ErrInvalidContext", err)
	}
}

func TestRunnerCallbackOnFailure(t *testing.T) {
	t.Parallel()
	got := make(chan CallbackNotice, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n CallbackNotice
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode notice: %v", err)
		}
		got <- n
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cb := NewCallback(srv.Client(), time.Second, 100, logx.Nop())
	r := NewRunner(Config{HeartbeatInterval: time.Hour}, script.NewRegistry(&testEngine{threads: 1, fail: true}),
		&recordingSender{}, WithCallback(cb))

	job := testJob()
	job.ErrorCallback = srv.URL
	if err := r.Run(context.Background(), job); err == nil {
		t.Fatal("expected run error")
	}
	select {
	case n := <-got:
		if n.MonitorID != "m1" || n.Error == "" || n.ExecutionID == "" {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not posted")
	}
	if r.Live() != 0 {
		t.Fatalf("live = %d after run", r.Live())
	}
}

func TestCallbackSkipsHealthyAndNonHTTP(t *testing.T) {
	t.Parallel()
	cb := NewCallback(nil, 0, 0, logx.Nop())
	job := testJob()
	if cb.Notify(context.Background(), "e", job, nil, errors.New("x")) {
		t.Fatal("notified without a callback url")
	}
	job.ErrorCallback = "mailto:ops@example.com"
	if cb.Notify(context.Background(), "e", job, nil, errors.New("x")) {
		t.Fatal("notified a non-http url")
	}
	job.ErrorCallback = "http://127.0.0.1:1/hook"
	if cb.Notify(context.Background(), "e", job, []sitemon.ResultRecord{{SampleCount: 3}}, nil) {
		t.Fatal("notified a healthy run")
	}
}

func TestRunnerShutdownReachesLiveExecutions(t *testing.T) {
	t.Parallel()
	e := &testEngine{threads: 1, release: make(chan struct{})}
	r := NewRunner(Config{HeartbeatInterval: time.Hour}, script.NewRegistry(e), &recordingSender{})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background(), testJob()) }()
	e.waitRunning(t, 1)
	r.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	close(e.release)
}
