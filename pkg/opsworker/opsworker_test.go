package opsworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/store"
)

type countingWorker struct {
	kind  string
	shard string
	runs  int
}

func (w *countingWorker) Kind() string  { return w.kind }
func (w *countingWorker) Shard() string { return w.shard }
func (w *countingWorker) RunOnce(ctx context.Context, now time.Time) error {
	w.runs++
	return nil
}

func TestRunnerSkipsHeldLease(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	w := &countingWorker{kind: "retention", shard: "0"}
	r := NewRunner(st).WithOwner("runner-a").WithClock(func() time.Time { return now })
	r.Add(w)

	// Another instance holds the lease: the tick skips the worker.
	ok, err := st.AcquireLease(ctx, "retention", "0", "runner-b", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)
	r.Tick(ctx)
	assert.Zero(t, w.runs)

	// Once the lease expires the worker runs and releases its own lease.
	now = now.Add(2 * time.Minute)
	r.Tick(ctx)
	assert.Equal(t, 1, w.runs)
	r.Tick(ctx)
	assert.Equal(t, 2, w.runs)
}

func TestRetentionSweepAndDryRun(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	old := now.Add(-60 * 24 * time.Hour)

	require.NoError(t, st.CommitTx(ctx, store.Tx{At: old, Ops: []store.Op{
		{Kind: store.OpIdempotencyPut, Idempotency: &store.Idempotency{
			TenantID: store.DefaultTenant, Key: "k1", RouteBindingHash: "r1",
			BodyHash: "b1", CreatedAt: old,
		}},
		{Kind: store.OpDeliveryUpsert, Delivery: &store.Delivery{
			TenantID: store.DefaultTenant, DeliveryID: "del_1", Kind: "statement",
			TargetRef: "party_1", Status: store.DeliveryAcked, CreatedAt: old, UpdatedAt: old,
		}},
		{Kind: store.OpDeliveryUpsert, Delivery: &store.Delivery{
			TenantID: store.DefaultTenant, DeliveryID: "del_2", Kind: "statement",
			TargetRef: "party_2", Status: store.DeliveryPending, CreatedAt: old, UpdatedAt: old,
		}},
	}}))

	dry := NewRetentionWorker(st, []string{store.DefaultTenant}).WithDryRun(true)
	report, err := dry.Sweep(ctx, now)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.IdempotencyDeleted)
	assert.Equal(t, 1, report.DeliveriesDeleted)

	// The dry run deleted nothing.
	deliveries, err := st.ListDeliveries(ctx, store.DefaultTenant, "")
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)

	real := NewRetentionWorker(st, []string{store.DefaultTenant})
	report, err = real.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IdempotencyDeleted)
	assert.Equal(t, 1, report.DeliveriesDeleted)

	// Pending deliveries survive; only acked ones age out.
	deliveries, err = st.ListDeliveries(ctx, store.DefaultTenant, "")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "del_2", deliveries[0].DeliveryID)
}

func TestMonthCloseWorkerClosesRequestedMonths(t *testing.T) {
	reg := kernel.NewRegistry()
	ledger.RegisterReducers(reg)
	st := store.NewMemoryStore()
	k := kernel.New(st, reg)
	svc := ledger.NewService(k)
	ctx := context.Background()

	state, err := svc.RequestMonthClose(ctx, "", "2026-01", "", "")
	require.NoError(t, err)
	require.Equal(t, ledger.MonthCloseRequested, state.Status)

	objects, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	w := NewMonthCloseWorker(svc, st, "").WithObjectStore(objects)
	require.NoError(t, w.RunOnce(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))

	state, err = svc.GetMonthClose(ctx, "", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, ledger.MonthClosed, state.Status)
	assert.NotEmpty(t, state.StatementArtifactID)

	artifact, err := st.GetArtifact(ctx, store.DefaultTenant, state.StatementArtifactID)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, state.StatementArtifactHash, artifact.ArtifactHash)

	// The statement blob is exported under its content-addressed key.
	blob, err := objects.Get(ctx, artifacts.ObjectKey(store.DefaultTenant, artifact.ArtifactType, artifact.ArtifactHash))
	require.NoError(t, err)
	var exported store.Artifact
	require.NoError(t, json.Unmarshal(blob, &exported))
	assert.Equal(t, artifact.ArtifactHash, exported.ArtifactHash)

	// A second tick finds nothing to close.
	require.NoError(t, w.RunOnce(ctx, time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)))
}

func TestOutboxLifecycleAndScan(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	outbox := NewOutbox(st).WithClock(func() time.Time { return now })

	d, err := outbox.Enqueue(ctx, "", "statement", "party_1", []byte(`{"month":"2026-03"}`))
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryPending, d.Status)

	d, err = outbox.MarkDelivered(ctx, "", d.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDelivered, d.Status)

	// Acking a pending delivery is rejected.
	d2, err := outbox.Enqueue(ctx, "", "statement", "party_2", nil)
	require.NoError(t, err)
	_, err = outbox.Ack(ctx, "", d2.DeliveryID)
	require.Error(t, err)

	// The scanner requeues the unacked delivery once the timeout passes.
	scan := NewDeliveryScanWorker(st, []string{store.DefaultTenant}).WithAckTimeout(time.Hour)
	require.NoError(t, scan.RunOnce(ctx, now.Add(30*time.Minute)))
	deliveries, err := st.ListDeliveries(ctx, store.DefaultTenant, store.DeliveryDelivered)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1, "inside the timeout nothing moves")

	require.NoError(t, scan.RunOnce(ctx, now.Add(2*time.Hour)))
	deliveries, err = st.ListDeliveries(ctx, store.DefaultTenant, store.DeliveryPending)
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)

	// Acked deliveries are never touched.
	_, err = outbox.MarkDelivered(ctx, "", d.DeliveryID)
	require.NoError(t, err)
	_, err = outbox.Ack(ctx, "", d.DeliveryID)
	require.NoError(t, err)
	require.NoError(t, scan.RunOnce(ctx, now.Add(5*time.Hour)))
	acked, err := st.ListDeliveries(ctx, store.DefaultTenant, store.DeliveryAcked)
	require.NoError(t, err)
	assert.Len(t, acked, 1)
}
