package opsworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nooterra-labs/settld/pkg/store"
)

// RetentionReport summarizes one retention sweep.
type RetentionReport struct {
	DryRun             bool `json:"dryRun"`
	IdempotencyDeleted int  `json:"idempotencyDeleted"`
	DeliveriesDeleted  int  `json:"deliveriesDeleted"`
}

// RetentionWorker expires idempotency records and acked deliveries past
// their retention windows. In dry-run mode it only counts the candidates.
type RetentionWorker struct {
	store          store.Store
	tenants        []string
	idempotencyTTL time.Duration
	deliveryTTL    time.Duration
	dryRun         bool
	logger         *slog.Logger
}

// NewRetentionWorker sweeps the given tenants. Defaults: idempotency
// records live 30 days, acked deliveries 7 days.
func NewRetentionWorker(st store.Store, tenants []string) *RetentionWorker {
	return &RetentionWorker{
		store:          st,
		tenants:        tenants,
		idempotencyTTL: 30 * 24 * time.Hour,
		deliveryTTL:    7 * 24 * time.Hour,
		logger:         slog.Default().With("component", "retention"),
	}
}

// WithTTLs overrides the retention windows.
func (w *RetentionWorker) WithTTLs(idempotency, delivery time.Duration) *RetentionWorker {
	w.idempotencyTTL = idempotency
	w.deliveryTTL = delivery
	return w
}

// WithDryRun switches the worker to count-only mode.
func (w *RetentionWorker) WithDryRun(dry bool) *RetentionWorker {
	w.dryRun = dry
	return w
}

func (w *RetentionWorker) Kind() string  { return "retention" }
func (w *RetentionWorker) Shard() string { return "0" }

// Sweep runs retention for every tenant and returns the aggregate report.
func (w *RetentionWorker) Sweep(ctx context.Context, now time.Time) (*RetentionReport, error) {
	report := &RetentionReport{DryRun: w.dryRun}
	idemCutoff := now.Add(-w.idempotencyTTL)
	deliveryCutoff := now.Add(-w.deliveryTTL)
	for _, tenant := range w.tenants {
		var nIdem, nDel int
		var err error
		if w.dryRun {
			if nIdem, err = w.store.CountIdempotencyBefore(ctx, tenant, idemCutoff); err != nil {
				return nil, err
			}
			if nDel, err = w.store.CountDeliveriesBefore(ctx, tenant, store.DeliveryAcked, deliveryCutoff); err != nil {
				return nil, err
			}
		} else {
			if nIdem, err = w.store.DeleteIdempotencyBefore(ctx, tenant, idemCutoff); err != nil {
				return nil, err
			}
			if nDel, err = w.store.DeleteDeliveriesBefore(ctx, tenant, store.DeliveryAcked, deliveryCutoff); err != nil {
				return nil, err
			}
		}
		report.IdempotencyDeleted += nIdem
		report.DeliveriesDeleted += nDel
	}
	return report, nil
}

func (w *RetentionWorker) RunOnce(ctx context.Context, now time.Time) error {
	report, err := w.Sweep(ctx, now)
	if err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "retention sweep",
		"dryRun", report.DryRun,
		"idempotency", report.IdempotencyDeleted,
		"deliveries", report.DeliveriesDeleted,
	)
	return nil
}
