package opsworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Outbox tracks outbound notifications (statements, webhook fan-out)
// through pending, delivered, and acked.
type Outbox struct {
	store store.Store
	clock func() time.Time
}

// NewOutbox wraps the store.
func NewOutbox(st store.Store) *Outbox {
	return &Outbox{store: st, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (o *Outbox) WithClock(clock func() time.Time) *Outbox {
	o.clock = clock
	return o
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}

// Enqueue files a pending delivery.
func (o *Outbox) Enqueue(ctx context.Context, tenantID, kind, targetRef string, payload json.RawMessage) (*store.Delivery, error) {
	now := o.clock().UTC()
	d := &store.Delivery{
		TenantID:   tenantOrDefault(tenantID),
		DeliveryID: "del_" + uuid.NewString(),
		Kind:       kind,
		TargetRef:  targetRef,
		Status:     store.DeliveryPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CommitTx(ctx, store.Tx{At: now, Ops: []store.Op{{
		Kind: store.OpDeliveryUpsert, Delivery: d,
	}}}); err != nil {
		return nil, err
	}
	return d, nil
}

// MarkDelivered records a successful handoff to the target.
func (o *Outbox) MarkDelivered(ctx context.Context, tenantID, deliveryID string) (*store.Delivery, error) {
	return o.transition(ctx, tenantID, deliveryID, store.DeliveryPending, store.DeliveryDelivered)
}

// Ack records the target's acknowledgement.
func (o *Outbox) Ack(ctx context.Context, tenantID, deliveryID string) (*store.Delivery, error) {
	return o.transition(ctx, tenantID, deliveryID, store.DeliveryDelivered, store.DeliveryAcked)
}

func (o *Outbox) transition(ctx context.Context, tenantID, deliveryID, from, to string) (*store.Delivery, error) {
	tenant := tenantOrDefault(tenantID)
	d, err := o.get(ctx, tenant, deliveryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, codes.Newf(codes.NotFound, http.StatusNotFound, "delivery %s not found", deliveryID)
	}
	if d.Status != from {
		return nil, codes.Newf(codes.Conflict, http.StatusConflict,
			"delivery %s is %s, not %s", deliveryID, d.Status, from)
	}
	next := *d
	next.Status = to
	next.UpdatedAt = o.clock().UTC()
	if err := o.store.CommitTx(ctx, store.Tx{At: next.UpdatedAt, Ops: []store.Op{{
		Kind: store.OpDeliveryUpsert, Delivery: &next,
	}}}); err != nil {
		return nil, err
	}
	return &next, nil
}

func (o *Outbox) get(ctx context.Context, tenantID, deliveryID string) (*store.Delivery, error) {
	all, err := o.store.ListDeliveries(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].DeliveryID == deliveryID {
			return &all[i], nil
		}
	}
	return nil, nil
}

// DeliveryScanWorker requeues deliveries stuck waiting for an ack: any
// delivery still in delivered past the ack timeout goes back to pending
// for another attempt.
type DeliveryScanWorker struct {
	store      store.Store
	tenants    []string
	ackTimeout time.Duration
	logger     *slog.Logger
}

// NewDeliveryScanWorker scans the given tenants with a one-hour ack
// timeout.
func NewDeliveryScanWorker(st store.Store, tenants []string) *DeliveryScanWorker {
	return &DeliveryScanWorker{
		store:      st,
		tenants:    tenants,
		ackTimeout: time.Hour,
		logger:     slog.Default().With("component", "delivery-scan"),
	}
}

// WithAckTimeout overrides the ack timeout.
func (w *DeliveryScanWorker) WithAckTimeout(d time.Duration) *DeliveryScanWorker {
	w.ackTimeout = d
	return w
}

func (w *DeliveryScanWorker) Kind() string  { return "delivery-scan" }
func (w *DeliveryScanWorker) Shard() string { return "0" }

func (w *DeliveryScanWorker) RunOnce(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-w.ackTimeout)
	for _, tenant := range w.tenants {
		stuck, err := w.store.ListDeliveries(ctx, tenant, store.DeliveryDelivered)
		if err != nil {
			return err
		}
		requeued := 0
		for i := range stuck {
			if !stuck[i].UpdatedAt.Before(cutoff) {
				continue
			}
			next := stuck[i]
			next.Status = store.DeliveryPending
			next.UpdatedAt = now
			if err := w.store.CommitTx(ctx, store.Tx{At: now, Ops: []store.Op{{
				Kind: store.OpDeliveryUpsert, Delivery: &next,
			}}}); err != nil {
				return err
			}
			requeued++
		}
		if requeued > 0 {
			w.logger.InfoContext(ctx, "requeued unacked deliveries", "tenant", tenant, "count", requeued)
		}
	}
	return nil
}
