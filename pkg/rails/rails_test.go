package rails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	reg := kernel.NewRegistry()
	RegisterReducers(reg)
	st := store.NewMemoryStore()
	k := kernel.New(st, reg)
	svc := NewService(k)
	svc.WithClock(func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) })
	return svc, st
}

func enqueue(t *testing.T, svc *Service, opID, instructionID string, amount int64) *OperationState {
	t.Helper()
	op, err := svc.EnqueuePayout(context.Background(), EnqueuePayoutInput{
		OperationID: opID, ProviderID: "stripe", PartyID: "agent_1",
		AmountCents: amount, Currency: "USD", Period: "2026-03",
		PayoutInstructionArtifactID: instructionID,
	})
	require.NoError(t, err)
	return op
}

func TestPayoutLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	op := enqueue(t, svc, "op_1", "", 2500)
	assert.Equal(t, StatusInitiated, op.Status)

	op, replayed, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "submitted",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, StatusSubmitted, op.Status)

	op, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_2", OperationID: "op_1", Type: "confirmed",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, op.Status)
	assert.Equal(t, "evt_2", op.LastProviderEventID)
}

func TestIngestIdempotentReplay(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	enqueue(t, svc, "op_1", "", 2500)

	_, _, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "confirmed",
	})
	require.NoError(t, err)

	// Same (providerId, eventId) with the same content replays harmlessly.
	op, replayed, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "confirmed",
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, StatusConfirmed, op.Status)

	events, err := st.ListEvents(ctx, store.DefaultTenant, "rail:op_1")
	require.NoError(t, err)
	assert.Len(t, events, 2) // initiated + confirmed, no duplicate

	// Reusing the event id for different content conflicts.
	_, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "reversed", ReasonCode: "fraud",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.RailDuplicateEvent, coded.Code)
}

func TestIllegalTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enqueue(t, svc, "op_1", "", 2500)

	// Reversal is only legal from confirmed.
	_, _, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "reversed", ReasonCode: "fraud",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.RailIllegalTransition, coded.Code)
	assert.Equal(t, StatusInitiated, coded.Details["from"])

	_, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_2", OperationID: "op_1", Type: "failed", ReasonCode: "insufficient_funds",
	})
	require.NoError(t, err)

	// A failed operation accepts nothing further.
	_, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_3", OperationID: "op_1", Type: "confirmed",
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.RailIllegalTransition, coded.Code)
}

func TestIngestUnknownOperation(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.IngestProviderEvent(context.Background(), IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_missing", Type: "confirmed",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.RailOperationNotFound, coded.Code)
}

func TestChargebackExposureBlocksPayout(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	enqueue(t, svc, "op_1", "", 2500)
	_, _, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "confirmed",
	})
	require.NoError(t, err)
	_, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_2", OperationID: "op_1", Type: "reversed", ReasonCode: "fraud",
	})
	require.NoError(t, err)

	outstanding, err := svc.OutstandingExposure(ctx, "", "stripe", "agent_1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), outstanding)

	// A new payout for the same party fails closed.
	_, err = svc.EnqueuePayout(ctx, EnqueuePayoutInput{
		OperationID: "op_2", ProviderID: "stripe", PartyID: "agent_1",
		AmountCents: 1000, Currency: "USD", Period: "2026-03",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.RailChargebackExposureOutstanding, coded.Code)
	assert.Equal(t, int64(2500), coded.Details["outstandingCents"])

	// Settling the exposure unblocks enqueue.
	remaining, err := svc.SettleExposure(ctx, "", "stripe", "agent_1", "2026-03", 2500)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	_, err = svc.EnqueuePayout(ctx, EnqueuePayoutInput{
		OperationID: "op_2", ProviderID: "stripe", PartyID: "agent_1",
		AmountCents: 1000, Currency: "USD", Period: "2026-03",
	})
	require.NoError(t, err)
}

func TestReversalReasonRequired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	enqueue(t, svc, "op_1", "", 2500)
	_, _, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "confirmed",
	})
	require.NoError(t, err)

	_, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_2", OperationID: "op_1", Type: "reversed",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.SchemaInvalid, coded.Code)
}

func putInstruction(t *testing.T, st store.Store, amount int64) *store.Artifact {
	t.Helper()
	art, err := BuildPayoutInstruction("", "stripe", "agent_1", "2026-03", amount, "USD", time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{
		At:  art.CreatedAt,
		Ops: []store.Op{{Kind: store.OpArtifactPut, Artifact: art}},
	}))
	return art
}

func TestReconcileMatchedAndMismatches(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	// Instruction 1: confirmed for the right amount — matched.
	inst1 := putInstruction(t, st, 2500)
	enqueue(t, svc, "op_1", inst1.ArtifactID, 2500)
	_, _, err := svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_1", OperationID: "op_1", Type: "confirmed",
	})
	require.NoError(t, err)

	// Instruction 2: never confirmed — missing confirmation.
	inst2 := putInstruction(t, st, 999)
	enqueue(t, svc, "op_2", inst2.ArtifactID, 999)

	// Orphan: confirmed operation with no instruction.
	enqueue(t, svc, "op_3", "", 100)
	_, _, err = svc.IngestProviderEvent(ctx, IngestInput{
		ProviderID: "stripe", EventID: "evt_3", OperationID: "op_3", Type: "confirmed",
	})
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, "", "stripe", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expected)
	assert.Equal(t, 1, report.Matched)
	require.Len(t, report.Mismatches, 2)

	byCode := map[string]Mismatch{}
	for _, m := range report.Mismatches {
		byCode[m.MismatchCode] = m
	}
	missing := byCode[MismatchMissingConfirmation]
	assert.Equal(t, inst2.ArtifactID, missing.MismatchKey)
	orphan := byCode[MismatchOrphanOperation]
	assert.Equal(t, "op_3", orphan.MismatchKey)

	// Each mismatch filed one open triage row under its stable key.
	items, err := st.ListTriage(ctx, store.DefaultTenant, store.TriageOpen)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	row, err := st.GetTriage(ctx, store.DefaultTenant, missing.TriageKey)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, MismatchMissingConfirmation, row.MismatchCode)
	assert.Equal(t, int64(1), row.Revision)
}

func TestReconcileRerunPreservesTriageProgress(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	inst := putInstruction(t, st, 999)
	enqueue(t, svc, "op_1", inst.ArtifactID, 999)

	report, err := svc.Reconcile(ctx, "", "stripe", "2026-03")
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	key := report.Mismatches[0].TriageKey

	item, replayed, err := svc.UpdateTriage(ctx, UpdateTriageInput{
		TriageKey: key, Status: store.TriageInProgress, OwnerPrincipalID: "ops_alice",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(2), item.Revision)

	// Re-running the reconciler reports the mismatch again but leaves the
	// in-progress row alone.
	_, err = svc.Reconcile(ctx, "", "stripe", "2026-03")
	require.NoError(t, err)
	row, err := st.GetTriage(ctx, store.DefaultTenant, key)
	require.NoError(t, err)
	assert.Equal(t, store.TriageInProgress, row.Status)
	assert.Equal(t, "ops_alice", row.OwnerPrincipalID)
	assert.Equal(t, int64(2), row.Revision)
}

func TestUpdateTriageIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	inst := putInstruction(t, st, 999)
	enqueue(t, svc, "op_1", inst.ArtifactID, 999)
	report, err := svc.Reconcile(ctx, "", "stripe", "2026-03")
	require.NoError(t, err)
	key := report.Mismatches[0].TriageKey

	in := UpdateTriageInput{
		TriageKey: key, Status: store.TriageResolved, Notes: "payout landed late",
		IdempotencyKey: "idem_triage_1",
	}
	first, replayed, err := svc.UpdateTriage(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := svc.UpdateTriage(ctx, in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Revision, second.Revision)
	assert.Equal(t, first.UpdatedAt.UTC(), second.UpdatedAt.UTC())

	// Same key, different body: conflict.
	in.Notes = "different"
	_, _, err = svc.UpdateTriage(ctx, in)
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.IdempotencyConflict, coded.Code)
}

func TestUpdateTriageUnknownKey(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.UpdateTriage(context.Background(), UpdateTriageInput{
		TriageKey: "nope", Status: store.TriageResolved,
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.TriageNotFound, coded.Code)
}
