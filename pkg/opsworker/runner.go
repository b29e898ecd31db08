// Package opsworker runs the periodic maintenance workers: retention
// cleanup, finance reconciliation, month close, delivery acknowledgement
// scanning, and dispute-window auto-close. Every worker acts under a store
// lease keyed on (kind, shard) so at most one instance runs per shard.
package opsworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/store"
)

// Worker is one unit of periodic maintenance.
type Worker interface {
	Kind() string
	Shard() string
	RunOnce(ctx context.Context, now time.Time) error
}

// Runner drives a set of workers on a shared tick, taking a lease before
// each worker acts and releasing it after.
type Runner struct {
	store    store.Store
	owner    string
	workers  []Worker
	interval time.Duration
	leaseTTL time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a runner with a random owner identity. Default tick is
// one minute with a two-minute lease.
func NewRunner(st store.Store) *Runner {
	return &Runner{
		store:    st,
		owner:    "runner_" + uuid.NewString(),
		interval: time.Minute,
		leaseTTL: 2 * time.Minute,
		clock:    time.Now,
		logger:   slog.Default().With("component", "opsworker"),
	}
}

// WithOwner overrides the lease owner identity.
func (r *Runner) WithOwner(owner string) *Runner {
	r.owner = owner
	return r
}

// WithInterval overrides the tick interval.
func (r *Runner) WithInterval(d time.Duration) *Runner {
	r.interval = d
	return r
}

// WithLeaseTTL overrides the lease duration.
func (r *Runner) WithLeaseTTL(d time.Duration) *Runner {
	r.leaseTTL = d
	return r
}

// WithClock overrides the clock for testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// WithLogger overrides the logger.
func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l
	return r
}

// Add registers a worker.
func (r *Runner) Add(workers ...Worker) *Runner {
	r.workers = append(r.workers, workers...)
	return r
}

// Tick runs every registered worker once. A worker whose lease is held
// elsewhere is skipped; a worker error is logged and does not stop the
// others.
func (r *Runner) Tick(ctx context.Context) {
	for _, w := range r.workers {
		if ctx.Err() != nil {
			return
		}
		now := r.clock().UTC()
		ok, err := r.store.AcquireLease(ctx, w.Kind(), w.Shard(), r.owner, r.leaseTTL, now)
		if err != nil {
			r.logger.ErrorContext(ctx, "lease acquire failed", "worker", w.Kind(), "shard", w.Shard(), "err", err)
			continue
		}
		if !ok {
			continue
		}
		if err := w.RunOnce(ctx, now); err != nil {
			r.logger.ErrorContext(ctx, "worker run failed", "worker", w.Kind(), "shard", w.Shard(), "err", err)
		}
		if err := r.store.ReleaseLease(ctx, w.Kind(), w.Shard(), r.owner); err != nil {
			r.logger.ErrorContext(ctx, "lease release failed", "worker", w.Kind(), "shard", w.Shard(), "err", err)
		}
	}
}

// Run ticks until the context is canceled. The current unit of work always
// finishes before the loop exits.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}
