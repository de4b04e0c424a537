package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitemon/internal/protocol"
	"sitemon/internal/script"
	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

const DefaultHeartbeatInterval = 500 * time.Millisecond

type Config struct {
	HeartbeatInterval time.Duration
	// ReportTimes keeps duration sums in results. When false only counts are reported.
	ReportTimes bool
	QueueSize   int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = protocol.DefaultQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = protocol.DefaultSendTimeout
	}
	return c
}

type Option func(*Runner)

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }
func WithCallback(cb *Callback) Option  { return func(r *Runner) { r.callback = cb } }
func WithDispatcher(d *protocol.Dispatcher) Option {
	return func(r *Runner) { r.disp = d }
}

// Runner starts one Process per job. It implements the scheduler's runner.
type Runner struct {
	cfg      Config
	scripts  *script.Registry
	sender   protocol.Sender
	disp     *protocol.Dispatcher
	callback *Callback
	log      logx.Logger

	mu   sync.Mutex
	live map[string]*Process
}

func NewRunner(cfg Config, scripts *script.Registry, sender protocol.Sender, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg.withDefaults(),
		scripts: scripts,
		sender:  sender,
		live:    map[string]*Process{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.disp == nil {
		r.disp = protocol.NewDispatcher(nil, r.log)
	}
	return r
}

// Run executes job to completion. It fails when the script cannot be loaded
// or any of its threads returned an error.
func (r *Runner) Run(ctx context.Context, job sitemon.Job) error {
	p := newProcess(uuid.NewString(), job, r.cfg, r.sender, r.disp, r.log)
	r.mu.Lock()
	r.live[p.id] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.live, p.id)
		r.mu.Unlock()
	}()

	records, err := p.Run(ctx, r.scripts)
	if err != nil {
		err = fmt.Errorf("%s: %w", job.ScriptName, err)
	}
	if r.callback != nil {
		r.callback.Notify(ctx, p.id, job, records, err)
	}
	return err
}

// Shutdown tells every live execution to stop waiting for its threads.
func (r *Runner) Shutdown() {
	if n := r.disp.ShutdownAll("agent shutdown"); n > 0 {
		r.log.Info("shutdown sent to executions", logx.Int("executions", n))
	}
}

// Live returns the number of running executions.
func (r *Runner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
