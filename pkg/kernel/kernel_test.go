package kernel

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/store"
)

type agentTestState struct {
	AgentID   string `json:"agentId"`
	OwnerID   string `json:"ownerId"`
	Lifecycle string `json:"lifecycle"`
	Events    int    `json:"events"`
}

type agentTestReducer struct{}

func (agentTestReducer) Kind() string { return "Agent" }

func (agentTestReducer) Init(streamID string) any {
	return &agentTestState{Lifecycle: "active"}
}

func (agentTestReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*agentTestState)
	switch ev.Type {
	case "AgentRegistered":
		s.AgentID, _ = ev.Payload["agentId"].(string)
		s.OwnerID, _ = ev.Payload["ownerId"].(string)
	case "AgentLifecycleChanged":
		s.Lifecycle, _ = ev.Payload["lifecycle"].(string)
	}
	s.Events++
	return s, nil
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	reg := NewRegistry()
	reg.Register(agentTestReducer{})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(store.NewMemoryStore(), reg).WithClock(func() time.Time { return at })
}

func registered(agentID string) map[string]any {
	return map[string]any{"agentId": agentID, "ownerId": "owner_1"}
}

func TestAppendChainsEvents(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	first, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
	})
	require.NoError(t, err)
	assert.Nil(t, first.Event.PrevChainHash)
	assert.NotEmpty(t, first.Event.ChainHash)
	assert.Equal(t, int64(1), first.Snapshot.Revision)

	second, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentLifecycleChanged",
		Actor: "owner_1", Payload: map[string]any{"lifecycle": "suspended"},
		ExpectedPrevChainHash: &first.Event.ChainHash,
	})
	require.NoError(t, err)
	require.NotNil(t, second.Event.PrevChainHash)
	assert.Equal(t, first.Event.ChainHash, *second.Event.PrevChainHash)
	assert.Equal(t, int64(2), second.Snapshot.Revision)
	assert.Equal(t, second.Event.ChainHash, second.Snapshot.LastChainHash)
}

func TestAppendRejectsStaleChainHead(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	first, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
	})
	require.NoError(t, err)

	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentLifecycleChanged",
		Actor: "owner_1", Payload: map[string]any{"lifecycle": "suspended"},
		ExpectedPrevChainHash: &first.Event.ChainHash,
	})
	require.NoError(t, err)

	stale := first.Event.ChainHash
	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentLifecycleChanged",
		Actor: "owner_1", Payload: map[string]any{"lifecycle": "active"},
		ExpectedPrevChainHash: &stale,
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.Conflict, coded.Code)
	assert.NotEmpty(t, coded.Details["expectedPrevChainHash"])
}

func TestChainSensitiveRequiresPrecondition(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	_, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
	})
	require.NoError(t, err)

	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentLifecycleChanged",
		Actor: "owner_1", Payload: map[string]any{"lifecycle": "suspended"},
		ChainSensitive: true,
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.MissingPrecondition, coded.Code)
	assert.Equal(t, http.StatusPreconditionRequired, coded.Status)
	assert.NotEmpty(t, coded.Details["headChainHash"])
}

func TestChainSensitiveEmptyStreamNeedsNoPrecondition(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Append(context.Background(), AppendInput{
		StreamID: "agent:fresh", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("fresh"),
		ChainSensitive: true,
	})
	require.NoError(t, err)
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Append(context.Background(), AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: map[string]any{"agentId": "a1"}, // ownerId missing
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.SchemaInvalid, coded.Code)
}

func TestIdempotentReplayReturnsSameResult(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	in := AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
		IdempotencyKey: "idem_1", RouteBindingHash: "route_register",
	}

	first, err := k.Append(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := k.Append(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, first.Event.ChainHash, second.Event.ChainHash)
	assert.Equal(t, first.Snapshot.Revision, second.Snapshot.Revision)

	// No second event landed on the stream.
	events, err := k.Store().ListEvents(ctx, store.DefaultTenant, "agent:a1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	_, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
		IdempotencyKey: "idem_1", RouteBindingHash: "route_register",
	})
	require.NoError(t, err)

	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a2", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a2"),
		IdempotencyKey: "idem_1", RouteBindingHash: "route_register",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.IdempotencyConflict, coded.Code)
	assert.Equal(t, http.StatusConflict, coded.Status)
}

func TestSignedAppendVerifiesAgainstRegisteredKey(t *testing.T) {
	signer, err := canon.NewSigner("key_1")
	require.NoError(t, err)

	keys := map[string]*SignerKey{
		"key_1": {KeyID: "key_1", PublicKeyHex: signer.PublicKeyHex(), Status: KeyActive},
	}
	k := newTestKernel(t).WithKeyLookup(func(_ context.Context, _, keyID string) (*SignerKey, error) {
		return keys[keyID], nil
	})
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	hash, err := ChainHash(nil, "AgentRegistered", at, "owner_1", registered("a1"), "agent:a1")
	require.NoError(t, err)
	sig := signer.SignHash(hash)

	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"), At: at,
		Signature: sig, KeyID: "key_1",
	})
	require.NoError(t, err)

	// Same signature over a different payload must fail.
	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a2", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a2"), At: at,
		Signature: sig, KeyID: "key_1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.SignatureInvalid, coded.Code)
}

func TestRotatedKeyRejectedAfterRotation(t *testing.T) {
	signer, err := canon.NewSigner("key_1")
	require.NoError(t, err)

	rotatedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := &SignerKey{KeyID: "key_1", PublicKeyHex: signer.PublicKeyHex(), Status: KeyRotated, RotatedAt: &rotatedAt}
	k := newTestKernel(t).WithKeyLookup(func(_ context.Context, _, _ string) (*SignerKey, error) {
		return key, nil
	})
	ctx := context.Background()

	// Event dated before the rotation still verifies.
	before := rotatedAt.Add(-time.Hour)
	hash, err := ChainHash(nil, "AgentRegistered", before, "owner_1", registered("a1"), "agent:a1")
	require.NoError(t, err)
	sig := signer.SignHash(hash)
	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"), At: before,
		Signature: sig, KeyID: "key_1",
	})
	require.NoError(t, err)

	// Event dated after the rotation is rejected with the stable code.
	after := rotatedAt.Add(time.Hour)
	hash, err = ChainHash(nil, "AgentRegistered", after, "owner_1", registered("a2"), "agent:a2")
	require.NoError(t, err)
	sig = signer.SignHash(hash)
	_, err = k.Append(ctx, AppendInput{
		StreamID: "agent:a2", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a2"), At: after,
		Signature: sig, KeyID: "key_1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.SignerKeyRotated, coded.Code)
}

func TestUnregisteredKeyRejected(t *testing.T) {
	k := newTestKernel(t).WithKeyLookup(func(_ context.Context, _, _ string) (*SignerKey, error) {
		return nil, nil
	})
	_, err := k.Append(context.Background(), AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
		Signature: "c2ln", KeyID: "key_missing",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.SignerKeyNotRegistered, coded.Code)
}

func TestRebuildReproducesStoredSnapshot(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	head, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
	})
	require.NoError(t, err)
	for _, lifecycle := range []string{"throttled", "suspended", "active"} {
		head, err = k.Append(ctx, AppendInput{
			StreamID: "agent:a1", Kind: "Agent", Type: "AgentLifecycleChanged",
			Actor: "owner_1", Payload: map[string]any{"lifecycle": lifecycle},
			ExpectedPrevChainHash: &head.Event.ChainHash,
		})
		require.NoError(t, err)
	}

	stored, err := k.Store().GetSnapshot(ctx, store.DefaultTenant, "agent:a1")
	require.NoError(t, err)
	require.NotNil(t, stored)

	rebuilt, err := k.Rebuild(ctx, store.DefaultTenant, "agent:a1")
	require.NoError(t, err)
	require.NotNil(t, rebuilt)
	assert.Equal(t, stored.Revision, rebuilt.Revision)
	assert.Equal(t, stored.LastChainHash, rebuilt.LastChainHash)
	assert.JSONEq(t, string(stored.State), string(rebuilt.State))
}

func TestKillSwitchFencesAppends(t *testing.T) {
	k := newTestKernel(t)
	k.SetKillSwitch(store.DefaultTenant, "agent:a1", "chain discontinuity")
	_, err := k.Append(context.Background(), AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.AggregateKillSwitch, coded.Code)
}

func TestExtraOpsCommitAtomicallyWithEvent(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	// An unbalanced ledger entry in ExtraOps must abort the whole append.
	_, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
		ExtraOps: []store.Op{{
			Kind: store.OpLedgerEntryAppend,
			LedgerEntry: &store.LedgerEntry{
				TenantID: store.DefaultTenant, EntryID: "le_bad", At: time.Now().UTC(),
				Postings: []store.Posting{
					{PostingID: "p1", AccountID: "a", Direction: store.Debit, Currency: "USD", AmountCents: 10},
				},
			},
		}},
	})
	require.Error(t, err)

	events, err := k.Store().ListEvents(ctx, store.DefaultTenant, "agent:a1")
	require.NoError(t, err)
	assert.Empty(t, events)
	snap, err := k.Store().GetSnapshot(ctx, store.DefaultTenant, "agent:a1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestAppendNormalizesPayloadForReduceAndRebuild(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	res, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: map[string]any{
			"agentId":      "a1",
			"ownerId":      "owner_1",
			"capabilities": []string{"search", "summarize"},
		},
	})
	require.NoError(t, err)

	// Stored payloads carry decoded JSON shapes, not the caller's native Go
	// values, so reducing now and rebuilding after a restart see the same
	// thing.
	assert.Equal(t, []any{"search", "summarize"}, res.Event.Payload["capabilities"])

	credit, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "WalletCredited",
		Actor: "treasury", Payload: map[string]any{"amountCents": int64(1200), "currency": "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1200), credit.Event.Payload["amountCents"])

	rebuilt, err := k.Rebuild(ctx, store.DefaultTenant, "agent:a1")
	require.NoError(t, err)
	assert.JSONEq(t, string(credit.Snapshot.State), string(rebuilt.State))
}

func TestRebuildRejectsMalformedStoredPayload(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	first, err := k.Append(ctx, AppendInput{
		StreamID: "agent:a1", Kind: "Agent", Type: "AgentRegistered",
		Actor: "owner_1", Payload: registered("a1"),
	})
	require.NoError(t, err)

	// Corrupt the stored stream with a payload the declared schema forbids.
	bad := store.Event{
		ID: "ev_bad", TenantID: store.DefaultTenant, StreamID: "agent:a1",
		Kind: "Agent", Type: "AgentLifecycleChanged", At: time.Now().UTC(),
		Actor: "operator", Payload: map[string]any{"lifecycle": float64(42)},
		PrevChainHash: &first.Event.ChainHash, ChainHash: "corrupted",
	}
	err = k.Store().CommitTx(ctx, store.Tx{At: bad.At, Ops: []store.Op{
		{Kind: store.OpEventAppend, Event: &bad},
	}})
	require.NoError(t, err)

	_, err = k.Rebuild(ctx, store.DefaultTenant, "agent:a1")
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.EventPayloadInvalid, coded.Code)
}
