package app

import (
	"context"
	"slices"
	"strings"

	"sitemon/internal/config"
	logx "sitemon/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = []string{"scheduler", "worker", "collector", "transport", "storage"}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			if cfg == nil {
				continue
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

// applyConfig applies the parts of cfg that can change at runtime: logging
// and the monitor list.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if slices.Contains(sections, "logging") && a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	var oldMonitors []config.MonitorConfig
	if oldCfg != nil {
		oldMonitors = oldCfg.Monitors
	}
	diff := config.DiffMonitors(oldMonitors, newCfg.Monitors)
	for _, id := range diff.Unregister {
		a.sched.Unregister(ctx, id)
	}
	for _, def := range diff.Register {
		if err := a.sched.Register(def); err != nil {
			a.log.Warn("monitor rejected on reload", logx.String("monitor", def.ID), logx.Err(err))
		}
	}

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
