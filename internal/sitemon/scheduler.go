package sitemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sitemon/internal/agentstate"
	"sitemon/internal/eventbus"
	"sitemon/internal/task/engine"
	logx "sitemon/pkg/logx"
)

const (
	DefaultRepeat      = time.Minute
	DefaultGranularity = time.Minute
	// MaxFailureLog bounds the failures kept between two PollFailures calls.
	MaxFailureLog = 1024

	EventTick     = "sitemon.tick"
	EventDispatch = "sitemon.dispatch"
	EventFailure  = "sitemon.failure"
)

// Runner executes one monitor job. A returned error counts as a failed run.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// Shutdowner is implemented by runners that can tell live executions to stop.
type Shutdowner interface {
	Shutdown()
}

// ResultPoller returns and forgets the results collected since the last poll.
type ResultPoller interface {
	PollResults() []ResultRecord
}

type Config struct {
	// Repeat is the tick period.
	Repeat time.Duration
	// Granularity is the truncation applied to a tick's timestamp.
	Granularity time.Duration
	// TaskTimeout bounds one execution; zero leaves it to the engine default.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Repeat <= 0 {
		c.Repeat = DefaultRepeat
	}
	if c.Granularity <= 0 {
		c.Granularity = DefaultGranularity
	}
	return c
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithBus(bus eventbus.Bus) Option    { return func(s *Scheduler) { s.bus = bus } }
func WithAgentState(m *agentstate.Monitor) Option {
	return func(s *Scheduler) { s.state = m }
}
func WithResults(p ResultPoller) Option { return func(s *Scheduler) { s.results = p } }

// MonitorStats counts dispatches of one monitor.
type MonitorStats struct {
	Runs     uint64
	Failures uint64
	LastTick time.Time
}

type Stats struct {
	Ticks        uint64
	Dispatched   uint64
	Failures     uint64
	Overruns     uint64
	LostFailures uint64
	Monitors     map[string]MonitorStats
}

// TickEvent is published once per completed tick.
type TickEvent struct {
	Tick     time.Time     `json:"tick"`
	Due      int           `json:"due"`
	Failures int           `json:"failures"`
	Elapsed  time.Duration `json:"elapsed"`
}

// DispatchEvent is published for each job handed to the pool and for each failed run.
type DispatchEvent struct {
	MonitorID string    `json:"monitor_id"`
	Tick      time.Time `json:"tick"`
	Error     string    `json:"error,omitempty"`
}

// FailureRecord is one failed run, kept until the next PollFailures.
type FailureRecord struct {
	MonitorID  string    `json:"monitor_id"`
	ScriptName string    `json:"script_name"`
	Tick       time.Time `json:"tick"`
	At         time.Time `json:"at"`
	Error      string    `json:"error"`
}

// Scheduler runs the tick loop. It moves one way from running to stopped.
type Scheduler struct {
	cfg     Config
	reg     *Registry
	pool    *engine.Service
	runner  Runner
	state   *agentstate.Monitor
	results ResultPoller
	log     logx.Logger
	bus     eventbus.Bus

	stopped atomic.Bool
	done    chan struct{}
	running atomic.Bool
	overrun *rate.Limiter
	sleep   func(context.Context, time.Duration)

	mu      sync.Mutex
	stats   Stats
	failLog []FailureRecord
	lost    uint64
}

func New(cfg Config, reg *Registry, pool *engine.Service, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		pool:   pool,
		runner: runner,
		done:   make(chan struct{}),
		// One overrun warning per minute is enough to notice a slow agent.
		overrun: rate.NewLimiter(rate.Every(time.Minute), 1),
		sleep:   sleepCtx,
		stats:   Stats{Monitors: map[string]MonitorStats{}},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.state != nil {
		s.state.SetRepeatInterval(s.cfg.Repeat)
	}
	return s
}

func (s *Scheduler) Register(def MonitorDefinition) error {
	if err := s.reg.Register(def); err != nil {
		return err
	}
	s.log.Info("monitor registered", logx.String("monitor", def.ID), logx.Int("interval", def.IntervalTicks))
	return nil
}

func (s *Scheduler) Unregister(ctx context.Context, id string) {
	if s.reg.Unregister(ctx, id) {
		s.log.Info("monitor unregistered", logx.String("monitor", id))
	}
}

// Registered is the registered-monitor gauge.
func (s *Scheduler) Registered() int { return s.reg.Len() }

// PollResults drains the attached result source. It returns nil without one.
func (s *Scheduler) PollResults() []ResultRecord {
	if s.results == nil {
		return nil
	}
	return s.results.PollResults()
}

// PollFailures returns and forgets the failed runs recorded since the last
// call, oldest first. When more than MaxFailureLog accumulate the oldest are
// dropped and counted in Stats.LostFailures.
func (s *Scheduler) PollFailures() []FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.failLog
	s.failLog = nil
	return out
}

// Run executes ticks until Stop is called or ctx is done. Stop is observed at
// the top of each iteration; only ctx cancellation cuts a pending sleep short.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sitemon: scheduler already running")
	}
	defer close(s.done)

	s.log.Info("scheduler started", logx.Duration("repeat", s.cfg.Repeat), logx.Int("monitors", s.reg.Len()))
	for {
		if s.stopped.Load() {
			s.log.Info("scheduler stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.log.Info("scheduler canceled")
			return nil
		}

		elapsed := s.runTick(ctx, time.Now())
		if s.state != nil {
			s.state.RecordCycle(elapsed)
		}

		wait := s.cfg.Repeat - elapsed
		if wait <= 0 {
			s.mu.Lock()
			s.stats.Overruns++
			s.mu.Unlock()
			if s.overrun.Allow() {
				s.log.Warn("tick took longer than the repeat period",
					logx.Duration("elapsed", elapsed), logx.Duration("repeat", s.cfg.Repeat))
			}
			continue
		}
		s.sleep(ctx, wait)
	}
}

// Stop asks the loop to exit before its next tick.
func (s *Scheduler) Stop() { s.stopped.Store(true) }

func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// Shutdown stops the loop, tells the runner to end live executions and waits
// for Run to return or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	if sd, ok := s.runner.(Shutdowner); ok {
		sd.Shutdown()
	}
	if !s.running.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.LostFailures = s.lost
	out.Monitors = make(map[string]MonitorStats, len(s.stats.Monitors))
	for k, v := range s.stats.Monitors {
		out.Monitors[k] = v
	}
	return out
}

// runTick dispatches every due monitor and waits for the whole wave.
func (s *Scheduler) runTick(ctx context.Context, now time.Time) time.Duration {
	start := time.Now()
	tick := now.Truncate(s.cfg.Granularity)
	due := s.reg.Due()

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
	)
	for _, def := range due {
		job := def.Job(tick)
		wg.Add(1)
		done := func(err error) {
			defer wg.Done()
			if s.finish(job, err) {
				failures.Add(1)
			}
		}
		task := engine.Task{
			Name:    "sitemon." + job.MonitorID,
			Timeout: s.cfg.TaskTimeout,
			Run: func(ctx context.Context) error {
				return s.runner.Run(ctx, job)
			},
			Done: done,
		}
		s.publish(EventDispatch, DispatchEvent{MonitorID: job.MonitorID, Tick: tick})
		if err := s.pool.Submit(ctx, task); err != nil {
			done(err)
		}
	}
	wg.Wait()

	elapsed := time.Since(start)
	s.mu.Lock()
	s.stats.Ticks++
	s.mu.Unlock()
	s.publish(EventTick, TickEvent{Tick: tick, Due: len(due), Failures: int(failures.Load()), Elapsed: elapsed})
	return elapsed
}

// finish records the outcome of one job and reports whether it failed.
func (s *Scheduler) finish(job Job, err error) bool {
	s.mu.Lock()
	ms := s.stats.Monitors[job.MonitorID]
	ms.Runs++
	ms.LastTick = job.Tick
	s.stats.Dispatched++
	if err != nil {
		ms.Failures++
		s.stats.Failures++
		if len(s.failLog) >= MaxFailureLog {
			s.failLog = s.failLog[1:]
			s.lost++
		}
		s.failLog = append(s.failLog, FailureRecord{
			MonitorID:  job.MonitorID,
			ScriptName: job.ScriptName,
			Tick:       job.Tick,
			At:         time.Now(),
			Error:      err.Error(),
		})
	}
	s.stats.Monitors[job.MonitorID] = ms
	s.mu.Unlock()

	if err == nil {
		return false
	}
	s.log.Error("script run failed",
		logx.String("monitor", job.MonitorID),
		logx.String("script", job.ScriptName),
		logx.Time("tick", job.Tick),
		logx.Err(err),
	)
	s.publish(EventFailure, DispatchEvent{MonitorID: job.MonitorID, Tick: job.Tick, Error: err.Error()})
	return true
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
