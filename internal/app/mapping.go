package app

import (
	"sitemon/internal/config"
	"sitemon/internal/sitemon"
	"sitemon/internal/storage"
	"sitemon/internal/task/engine"
	"sitemon/internal/transport"
	"sitemon/internal/worker"
	logx "sitemon/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(s config.Settings) engine.Config {
	return engine.Config{
		Workers:        s.Workers,
		QueueSize:      s.QueueSize,
		DefaultTimeout: s.TaskTimeout,
	}
}

func mapSchedulerConfig(s config.Settings) sitemon.Config {
	return sitemon.Config{
		Repeat:      s.Repeat,
		Granularity: s.Granularity,
		TaskTimeout: s.TaskTimeout,
	}
}

func mapWorkerConfig(s config.Settings) worker.Config {
	return worker.Config{
		HeartbeatInterval: s.HeartbeatInterval,
		ReportTimes:       s.ReportTimes,
	}
}

func mapTransportConfig(s config.Settings) transport.Config {
	return transport.Config{
		Driver:           s.TransportDriver,
		URL:              s.TransportURL,
		HandshakeTimeout: s.HandshakeTimeout,
	}
}

// mapStorageConfig reports enabled=false for the "none" driver.
func mapStorageConfig(s config.Settings) (storage.Config, bool) {
	if s.StorageDriver == "" || s.StorageDriver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		BusyTimeout: s.BusyTimeout,
	}, true
}
