package script

import (
	"context"

	"sitemon/internal/sitemon"
)

// NoopEngine records one successful sample per run. It is useful for
// exercising an agent without touching the network.
type NoopEngine struct{}

func (NoopEngine) Name() string { return "noop" }

func (NoopEngine) Load(job sitemon.Job) (Script, error) { return noopScript{}, nil }

type noopScript struct{}

func (noopScript) NewRunnable(int) (Runnable, error) {
	return func(ctx context.Context, tc ThreadContext) error {
		tc.Record(1, 0, nil)
		return nil
	}, nil
}

func (noopScript) Shutdown() error { return nil }

