package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "sitemon/pkg/logx"
)

const DefaultPruneSchedule = "@hourly"

// Pruner deletes results older than the retention window on a cron schedule.
type Pruner struct {
	store     Store
	retention time.Duration
	log       logx.Logger
	c         *cron.Cron
	now       func() time.Time
}

// NewPruner validates schedule. Both 5-field and 6-field (with seconds) expressions
// and descriptors such as "@hourly" are accepted.
func NewPruner(store Store, retention time.Duration, schedule string, log logx.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	p := &Pruner{
		store:     store,
		retention: retention,
		log:       log.With(logx.String("comp", "prune")),
		c:         cron.New(cron.WithParser(parser)),
		now:       time.Now,
	}
	if _, err := p.c.AddFunc(schedule, func() { _, _ = p.PruneNow(context.Background()) }); err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Pruner) Start() { p.c.Start() }

// Stop stops triggering and waits for a running prune or ctx.
func (p *Pruner) Stop(ctx context.Context) {
	select {
	case <-p.c.Stop().Done():
	case <-ctx.Done():
	}
}

// PruneNow runs one prune pass.
func (p *Pruner) PruneNow(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		p.log.Warn("prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		p.log.Info("pruned results", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}
