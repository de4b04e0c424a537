package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sitemon/internal/protocol"
	"sitemon/internal/script"
	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

const (
	StateRunning  = "running"
	StateFinished = "finished"
)

// Process is one execution of a monitor job.
type Process struct {
	id   string
	job  sitemon.Job
	cfg  Config
	log  logx.Logger
	disp *protocol.Dispatcher

	sync    *ThreadSynchronization
	stats   *Statistics
	channel *protocol.Channel

	mu         sync.Mutex
	starter    ThreadStarter
	threadErrs []error

	shutdownReceived atomic.Bool
}

func newProcess(id string, job sitemon.Job, cfg Config, sender protocol.Sender, disp *protocol.Dispatcher, log logx.Logger) *Process {
	log = log.With(logx.String("execution", id), logx.String("monitor", job.MonitorID))
	return &Process{
		id:      id,
		job:     job,
		cfg:     cfg,
		log:     log,
		disp:    disp,
		sync:    NewThreadSynchronization(),
		stats:   NewStatistics(),
		starter: invalidStarter{},
		channel: protocol.NewChannel(id, job.MonitorID, sender, protocol.ChannelOptions{
			QueueSize:   cfg.QueueSize,
			SendTimeout: cfg.SendTimeout,
			Log:         log,
		}),
	}
}

func (p *Process) ID() string                   { return p.id }
func (p *Process) Sync() *ThreadSynchronization { return p.sync }
func (p *Process) Channel() *protocol.Channel   { return p.channel }
func (p *Process) ShutdownReceived() bool       { return p.shutdownReceived.Load() }

// Run executes the script and reports until the threads finish or a shutdown
// message arrives. Threads still running after a shutdown are left to finish
// on their own. The returned records are those handed to the result message.
func (p *Process) Run(ctx context.Context, scripts *script.Registry) ([]sitemon.ResultRecord, error) {
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	if p.disp != nil {
		detach := p.disp.Attach(p.id, func(reason string) {
			p.shutdownReceived.Store(true)
			p.log.Info("execution shutdown", logx.String("reason", reason))
			cancelWait()
		})
		defer detach()
	}
	defer p.closeChannel()

	scr, err := scripts.Load(p.job)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := scr.Shutdown(); err != nil {
			p.log.Warn("script shutdown failed", logx.Err(err))
		}
	}()

	start := time.Now()
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		p.heartbeats(hbCtx)
		return nil
	})
	g.Go(func() error {
		defer stopHeartbeat()
		return p.runThreads(ctx, waitCtx, scr)
	})
	runErr := g.Wait()

	p.heartbeat(StateFinished)
	records := p.sendResult()
	p.log.Debug("execution finished",
		logx.Duration("elapsed", time.Since(start)),
		logx.Int("threads", p.sync.TotalThreads()),
		logx.Int("records", len(records)),
	)
	if runErr != nil {
		return records, runErr
	}
	return records, p.threadError()
}

func (p *Process) runThreads(ctx, waitCtx context.Context, scr script.Script) error {
	p.mu.Lock()
	p.starter = &threadStarter{p: p, ctx: ctx, script: scr}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.starter = invalidStarter{}
		p.mu.Unlock()
	}()

	if _, err := p.startThread(); err != nil {
		return err
	}
	p.sync.StartThreads()
	if !p.sync.WaitFinished(waitCtx) {
		p.log.Info("stopped waiting for threads", logx.Int("running", p.sync.RunningThreads()))
	}
	return nil
}

func (p *Process) startThread() (int, error) {
	p.mu.Lock()
	s := p.starter
	p.mu.Unlock()
	return s.StartThread()
}

func (p *Process) threadFailed(n int, err error) {
	p.log.Debug("thread failed", logx.Int("thread", n), logx.Err(err))
	p.mu.Lock()
	p.threadErrs = append(p.threadErrs, fmt.Errorf("thread %d: %w", n, err))
	p.mu.Unlock()
}

func (p *Process) threadError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.threadErrs...)
}

func (p *Process) heartbeats(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		p.heartbeat(StateRunning)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Process) heartbeat(state string) {
	p.channel.Send(protocol.Heartbeat{
		State:        state,
		LiveThreads:  p.sync.RunningThreads(),
		TotalThreads: p.sync.TotalThreads(),
	})
}

// sendResult extracts the statistics and queues them as the execution's last message.
func (p *Process) sendResult() []sitemon.ResultRecord {
	records := p.stats.Reset(p.job.MonitorID, time.Now(), p.cfg.ReportTimes)
	if len(records) == 0 {
		return nil
	}
	if p.channel.IsShutdown() {
		return records
	}
	p.channel.Send(protocol.ResultMessage{Records: records})
	return records
}

func (p *Process) closeChannel() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout+time.Second)
	defer cancel()
	if err := p.channel.Close(ctx); err != nil {
		p.log.Warn("reporting channel close timed out", logx.Err(err))
	}
}
