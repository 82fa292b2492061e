package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes usage records whose window has ended, on a cron schedule.
type Pruner struct {
	backend  Backend
	schedule string
	grace    time.Duration
	now      func() time.Time
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// PrunerConfig configures a Pruner.
type PrunerConfig struct {
	// Schedule is a standard 5-field cron expression.
	// An empty schedule disables the pruner.
	//
	// Common expressions:
	//   - "0 * * * *"    - Hourly
	//   - "*/15 * * * *" - Every 15 minutes
	//   - "0 3 * * *"    - Daily at 3 AM
	Schedule string

	// Grace keeps ended records around for this long before deleting them.
	Grace time.Duration
}

// NewPruner creates a pruner for backend.
func NewPruner(backend Backend, cfg PrunerConfig) *Pruner {
	return &Pruner{
		backend:  backend,
		schedule: cfg.Schedule,
		grace:    cfg.Grace,
		now:      time.Now,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "usage.pruner"),
	}
}

// Prune runs one cleanup pass and returns the number of deleted records.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.grace)
	deleted, err := p.backend.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return deleted, nil
}

// Start schedules Prune. It stops when ctx is cancelled or Stop is called.
// If the schedule is empty, Start does nothing.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.schedule == "" {
		p.logger.Info("prune schedule not configured, skipping pruner")
		return nil
	}

	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", p.schedule, err)
	}

	if _, err := p.cron.AddFunc(p.schedule, func() { p.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	p.cron.Start()
	p.running = true

	p.logger.Info("usage pruner started", "schedule", p.schedule)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	return nil
}

func (p *Pruner) run(ctx context.Context) {
	deleted, err := p.Prune(ctx)
	if err != nil {
		p.logger.Error("scheduled pruning failed", "error", err)
		return
	}

	if deleted > 0 {
		p.logger.Info("scheduled pruning completed", "deleted_count", deleted)
	} else {
		p.logger.Debug("scheduled pruning completed, no records deleted")
	}
}

// Stop stops the pruner and waits for a running pass to complete.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		<-p.cron.Stop().Done()
		p.running = false
		p.logger.Info("usage pruner stopped")
	}
}

// IsRunning returns true if the pruner is scheduled.
func (p *Pruner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// NextRun returns the next scheduled pruning time, or nil when not scheduled.
func (p *Pruner) NextRun() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.cron.Entries()
	if len(entries) == 0 {
		return nil
	}

	next := entries[0].Next
	return &next
}
