package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sitemon/internal/agentstate"
	"sitemon/internal/config"
	"sitemon/internal/eventbus"
	"sitemon/internal/protocol"
	"sitemon/internal/results"
	"sitemon/internal/runtime/supervisor"
	"sitemon/internal/script"
	"sitemon/internal/sitemon"
	"sitemon/internal/storage"
	"sitemon/internal/task/engine"
	"sitemon/internal/transport"
	"sitemon/internal/worker"
	logx "sitemon/pkg/logx"
)

const maxReconnectBackoff = 30 * time.Second

// App owns every long-running component of the agent.
type App struct {
	cfgm     *config.Manager
	settings config.Settings
	sup      *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	pruner *storage.Pruner

	link       transport.Link
	controller protocol.Transport
	sink       *results.Sink
	sinkCancel context.CancelFunc
	sinkDone   chan struct{}

	engine *engine.Service
	state  *agentstate.Monitor
	sched  *sitemon.Scheduler
	runner *worker.Runner
	disp   *protocol.Dispatcher
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:     cfgm,
		settings: settings,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
	}

	if sc, enabled := mapStorageConfig(settings); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.pruner, err = storage.NewPruner(st, settings.Retention, settings.PruneSchedule, log)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.link, a.controller, err = transport.Open(mapTransportConfig(settings), a.bus, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	if a.controller != nil {
		a.sink = results.New(a.store, results.DefaultMaxBuffered, log)
	} else if a.store != nil {
		a.log.Warn("storage only records results of the local transport", logx.String("driver", settings.TransportDriver))
	}

	a.engine = engine.New(mapEngineConfig(settings), log.With(logx.String("comp", "pool")), a.bus)

	var collector agentstate.Collector
	if settings.CollectorEnabled {
		collector = agentstate.SystemCollector{}
	}
	a.state = agentstate.New(collector, log.With(logx.String("comp", "agentstate")))

	client := &http.Client{}
	a.disp = protocol.NewDispatcher(a, log.With(logx.String("comp", "dispatcher")))
	a.runner = worker.NewRunner(mapWorkerConfig(settings), script.Builtins(client), a.link,
		worker.WithLogger(log.With(logx.String("comp", "worker"))),
		worker.WithDispatcher(a.disp),
		worker.WithCallback(worker.NewCallback(client, settings.CallbackTimeout, settings.CallbackRate, log)),
	)

	opts := []sitemon.Option{
		sitemon.WithLogger(log.With(logx.String("comp", "scheduler"))),
		sitemon.WithBus(a.bus),
		sitemon.WithAgentState(a.state),
	}
	if a.sink != nil {
		opts = append(opts, sitemon.WithResults(a.sink))
	}
	a.sched = sitemon.New(mapSchedulerConfig(settings), sitemon.NewRegistry(a.state), a.engine, a.runner, opts...)

	for _, m := range cfg.Monitors {
		if err := a.sched.Register(m.Definition()); err != nil {
			a.closeStore()
			return nil, fmt.Errorf("monitor %q: %w", m.ID, err)
		}
	}
	return a, nil
}

// Register and Unregister route inbound protocol registrations to the scheduler.
func (a *App) Register(def sitemon.MonitorDefinition) error { return a.sched.Register(def) }

func (a *App) Unregister(ctx context.Context, id string) { a.sched.Unregister(ctx, id) }

func (a *App) Scheduler() *sitemon.Scheduler { return a.sched }

// Results is nil unless the controller runs in process.
func (a *App) Results() *results.Sink { return a.sink }

func (a *App) AgentState() *agentstate.Monitor { return a.state }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return cfg.Validate() })

	// The pool outlives the supervisor context so that Stop can let running
	// executions report before the workers exit.
	a.engine.Start(context.WithoutCancel(ctx))

	if a.sink != nil {
		sinkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.sinkCancel = cancel
		a.sinkDone = make(chan struct{})
		go func() {
			defer close(a.sinkDone)
			if err := a.sink.Run(sinkCtx, a.controller); err != nil && !errors.Is(err, protocol.ErrClosed) {
				a.log.Warn("results sink stopped", logx.Err(err))
			}
		}()
	}
	if a.pruner != nil {
		a.pruner.Start()
	}

	a.sup.GoRestart("transport", a.settings.ReconnectBackoff, maxReconnectBackoff, a.link.Run)
	a.sup.Go("protocol.pump", func(c context.Context) error {
		return protocol.Pump(c, a.link, a.disp, a.logs.Logger().With(logx.String("comp", "pump")))
	})
	if a.settings.CollectorEnabled {
		a.sup.Go0("agentstate", func(c context.Context) { a.state.Run(c, a.settings.CollectorInterval) })
	}
	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { runWatchdog(c, a.log) })

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("monitors", a.sched.Registered()),
		logx.String("transport", a.settings.TransportDriver),
		logx.Duration("repeat", a.settings.Repeat),
	)
	return nil
}

// Done is closed when a supervised component fails or Stop cancels the run.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Executions get shutdown first so their results still reach the sink.
	step("scheduler", 5*time.Second, a.sched.Shutdown)
	step("pool", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("results", time.Second, func(c context.Context) error {
		if a.sinkCancel == nil {
			return nil
		}
		a.sinkCancel()
		select {
		case <-a.sinkDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("transport", time.Second, func(context.Context) error {
		err := a.link.Close()
		if a.controller != nil {
			err = errors.Join(err, a.controller.Close())
		}
		return err
	})
	step("prune", time.Second, func(c context.Context) error {
		if a.pruner != nil {
			a.pruner.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { a.closeStore(); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}
