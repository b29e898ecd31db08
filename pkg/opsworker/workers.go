package opsworker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/dispute"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/rails"
	"github.com/nooterra-labs/settld/pkg/store"
)

// ReconcileWorker runs finance reconciliation for each configured provider
// against the current period.
type ReconcileWorker struct {
	rails     *rails.Service
	tenantID  string
	providers []string
	periodOf  func(now time.Time) string
	logger    *slog.Logger
}

// NewReconcileWorker reconciles the given providers for one tenant. The
// period defaults to the calendar month of the tick.
func NewReconcileWorker(svc *rails.Service, tenantID string, providers []string) *ReconcileWorker {
	return &ReconcileWorker{
		rails:     svc,
		tenantID:  tenantID,
		providers: providers,
		periodOf:  func(now time.Time) string { return now.UTC().Format("2006-01") },
		logger:    slog.Default().With("component", "finance-reconcile"),
	}
}

// WithPeriod overrides how the reconciliation period derives from the tick.
func (w *ReconcileWorker) WithPeriod(periodOf func(now time.Time) string) *ReconcileWorker {
	w.periodOf = periodOf
	return w
}

func (w *ReconcileWorker) Kind() string  { return "finance-reconcile" }
func (w *ReconcileWorker) Shard() string { return tenantOrDefault(w.tenantID) }

func (w *ReconcileWorker) RunOnce(ctx context.Context, now time.Time) error {
	period := w.periodOf(now)
	for _, provider := range w.providers {
		report, err := w.rails.Reconcile(ctx, w.tenantID, provider, period)
		if err != nil {
			return err
		}
		if len(report.Mismatches) > 0 {
			w.logger.WarnContext(ctx, "reconciliation mismatches",
				"provider", provider, "period", period,
				"matched", report.Matched, "mismatches", len(report.Mismatches))
		}
	}
	return nil
}

// MonthCloseWorker closes every month whose close was requested. The
// request path only marks the aggregate; the actual statement build and
// freeze happen here.
type MonthCloseWorker struct {
	ledger   *ledger.Service
	store    store.Store
	objects  artifacts.ObjectStore
	tenantID string
	logger   *slog.Logger
}

// NewMonthCloseWorker closes requested months for one tenant.
func NewMonthCloseWorker(svc *ledger.Service, st store.Store, tenantID string) *MonthCloseWorker {
	return &MonthCloseWorker{
		ledger:   svc,
		store:    st,
		tenantID: tenantID,
		logger:   slog.Default().With("component", "month-close"),
	}
}

// WithObjectStore additionally exports each closed month's statement
// artifact as a blob. Export failures are logged, not fatal: the artifact
// row is already frozen and the export can be re-driven by hash.
func (w *MonthCloseWorker) WithObjectStore(os artifacts.ObjectStore) *MonthCloseWorker {
	w.objects = os
	return w
}

func (w *MonthCloseWorker) Kind() string  { return "month-close" }
func (w *MonthCloseWorker) Shard() string { return tenantOrDefault(w.tenantID) }

func (w *MonthCloseWorker) RunOnce(ctx context.Context, now time.Time) error {
	snaps, err := w.store.ListSnapshots(ctx, tenantOrDefault(w.tenantID), "MonthClose")
	if err != nil {
		return err
	}
	for i := range snaps {
		var st ledger.MonthCloseState
		if err := kernel.DecodeState(&snaps[i], &st); err != nil {
			return err
		}
		if st.Status != ledger.MonthCloseRequested {
			continue
		}
		closed, artifact, err := w.ledger.RunMonthClose(ctx, w.tenantID, st.Month)
		if err != nil {
			// Another worker may have closed the month between the
			// snapshot read and the run.
			var coded *codes.Error
			if errors.As(err, &coded) && coded.Code == codes.MonthCloseAlreadyRun {
				continue
			}
			return err
		}
		w.logger.InfoContext(ctx, "month closed",
			"month", closed.Month, "statementArtifact", artifact.ArtifactID)
		if w.objects != nil {
			raw, err := json.Marshal(artifact)
			if err != nil {
				return err
			}
			key := artifacts.ObjectKey(tenantOrDefault(w.tenantID), artifact.ArtifactType, artifact.ArtifactHash)
			if err := w.objects.Put(ctx, key, raw); err != nil {
				w.logger.ErrorContext(ctx, "statement export failed",
					"month", closed.Month, "key", key, "error", err)
			}
		}
	}
	return nil
}

// DisputeWindowWorker auto-closes disputes whose gate dispute window has
// expired.
type DisputeWindowWorker struct {
	disputes *dispute.Service
	tenantID string
	logger   *slog.Logger
}

// NewDisputeWindowWorker sweeps one tenant's open disputes.
func NewDisputeWindowWorker(svc *dispute.Service, tenantID string) *DisputeWindowWorker {
	return &DisputeWindowWorker{
		disputes: svc,
		tenantID: tenantID,
		logger:   slog.Default().With("component", "dispute-window"),
	}
}

func (w *DisputeWindowWorker) Kind() string  { return "dispute-window" }
func (w *DisputeWindowWorker) Shard() string { return tenantOrDefault(w.tenantID) }

func (w *DisputeWindowWorker) RunOnce(ctx context.Context, now time.Time) error {
	closed, err := w.disputes.AutoCloseExpired(ctx, w.tenantID, now)
	if err != nil {
		return err
	}
	if len(closed) > 0 {
		w.logger.InfoContext(ctx, "auto-closed expired disputes", "cases", closed)
	}
	return nil
}
