package config

import (
	"sort"

	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

// MonitorDiff is the registry work needed to move from one monitor list to
// another. Changed monitors appear in both lists: replacing a monitor is an
// unregister followed by a register.
type MonitorDiff struct {
	Unregister []string
	Register   []sitemon.MonitorDefinition
}

func (d MonitorDiff) Empty() bool { return len(d.Unregister) == 0 && len(d.Register) == 0 }

// DiffMonitors compares two monitor lists by id. Results are ordered by id.
func DiffMonitors(oldList, newList []MonitorConfig) MonitorDiff {
	oldDefs := indexMonitors(oldList)
	newDefs := indexMonitors(newList)

	var d MonitorDiff
	for id, od := range oldDefs {
		nd, ok := newDefs[id]
		if !ok || nd != od {
			d.Unregister = append(d.Unregister, id)
		}
	}
	for id, nd := range newDefs {
		od, ok := oldDefs[id]
		if !ok || nd != od {
			d.Register = append(d.Register, nd)
		}
	}
	sort.Strings(d.Unregister)
	sort.Slice(d.Register, func(i, j int) bool { return d.Register[i].ID < d.Register[j].ID })
	return d
}

func indexMonitors(list []MonitorConfig) map[string]sitemon.MonitorDefinition {
	out := make(map[string]sitemon.MonitorDefinition, len(list))
	for _, m := range list {
		def := m.Definition()
		out[def.ID] = def
	}
	return out
}

// SummarizeChange lists the top-level sections that differ, with fields safe
// for logging.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
	}
	if !equalWorker(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
	}
	if !equalCollector(oldCfg.Collector, newCfg.Collector) {
		changed = append(changed, "collector")
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs, logx.String("transport.driver", newCfg.Transport.Driver))
	}
	if !equalStorage(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if md := DiffMonitors(oldCfg.Monitors, newCfg.Monitors); !md.Empty() {
		changed = append(changed, "monitors")
		attrs = append(attrs,
			logx.Int("monitors.unregister", len(md.Unregister)),
			logx.Int("monitors.register", len(md.Register)),
		)
	}
	return changed, attrs
}

func equalWorker(a, b WorkerConfig) bool {
	return a.HeartbeatInterval == b.HeartbeatInterval &&
		a.CallbackTimeout == b.CallbackTimeout &&
		a.CallbackRatePerSec == b.CallbackRatePerSec &&
		equalBoolPtr(a.ReportTimes, b.ReportTimes)
}

func equalCollector(a, b CollectorConfig) bool {
	return a.Interval == b.Interval && equalBoolPtr(a.Enabled, b.Enabled)
}

func equalStorage(a, b *StorageConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
