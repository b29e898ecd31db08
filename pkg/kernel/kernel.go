package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/schema"
	"github.com/nooterra-labs/settld/pkg/store"
)

// KeyLookup resolves a registered signer key for a tenant. The kernel treats
// a nil result as SIGNER_KEY_NOT_REGISTERED.
type KeyLookup func(ctx context.Context, tenantID, keyID string) (*SignerKey, error)

// Kernel owns the append path for every aggregate.
type Kernel struct {
	store    store.Store
	schemas  *schema.Registry
	reducers *Registry
	locks    *StreamLocks
	keys     KeyLookup
	memo     *store.MemoCache
	clock    func() time.Time

	killMu sync.RWMutex
	killed map[string]string // tenant/stream → reason
}

// New creates a kernel over a store and reducer registry.
func New(st store.Store, reducers *Registry) *Kernel {
	return &Kernel{
		store:    st,
		schemas:  schema.Default(),
		reducers: reducers,
		locks:    NewStreamLocks(),
		clock:    time.Now,
		killed:   make(map[string]string),
	}
}

// WithKeyLookup installs the signer key resolver.
func (k *Kernel) WithKeyLookup(lookup KeyLookup) *Kernel {
	k.keys = lookup
	return k
}

// WithMemoCache installs the advisory idempotency cache.
func (k *Kernel) WithMemoCache(c *store.MemoCache) *Kernel {
	k.memo = c
	return k
}

// WithClock overrides the clock for testing.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	return k
}

// Store exposes the underlying store to services that read snapshots.
func (k *Kernel) Store() store.Store {
	return k.store
}

// AppendInput describes one event append.
type AppendInput struct {
	TenantID string
	StreamID string
	Kind     string
	Type     string
	Actor    string
	Payload  map[string]any

	// At defaults to the kernel clock. Reducers only ever see this value;
	// they never read the wall clock.
	At time.Time

	// ExpectedPrevChainHash enables optimistic concurrency. ChainSensitive
	// routes require it once the stream is non-empty (HTTP 428 otherwise).
	ExpectedPrevChainHash *string
	ChainSensitive        bool

	// Idempotency. RouteBindingHash scopes the key to one route.
	IdempotencyKey   string
	RouteBindingHash string

	// Optional Ed25519 signature over the chain hash.
	Signature string
	KeyID     string

	// ExtraOps commit atomically with the event and snapshot (ledger
	// entries, holds, wallets, artifacts, ...).
	ExtraOps []store.Op
}

// AppendResult is returned to the caller and memoized for idempotent replay.
type AppendResult struct {
	Event    store.Event    `json:"event"`
	Snapshot store.Snapshot `json:"snapshot"`
	Replayed bool           `json:"replayed"`
}

// SetKillSwitch refuses all further appends to a stream. Used when a fatal
// invariant violation (broken chain, unbalanced ledger) is detected.
func (k *Kernel) SetKillSwitch(tenantID, streamID, reason string) {
	k.killMu.Lock()
	defer k.killMu.Unlock()
	k.killed[tenantID+"\x00"+streamID] = reason
}

// KillReason reports the kill-switch state for a stream.
func (k *Kernel) KillReason(tenantID, streamID string) (string, bool) {
	k.killMu.RLock()
	defer k.killMu.RUnlock()
	r, ok := k.killed[tenantID+"\x00"+streamID]
	return r, ok
}

// ChainHash computes the canonical chain hash for an event body.
func ChainHash(prevChainHash *string, eventType string, at time.Time, actor string, payload map[string]any, streamID string) (string, error) {
	return canon.Hash(map[string]any{
		"prevChainHash": prevChainHash,
		"type":          eventType,
		"at":            at.UTC().Format(time.RFC3339Nano),
		"actor":         actor,
		"payload":       payload,
		"streamId":      streamID,
	})
}

// Append validates, chains, signs-checks, reduces, and commits one event
// plus its side-effect ops in a single transaction.
func (k *Kernel) Append(ctx context.Context, in AppendInput) (*AppendResult, error) {
	if in.TenantID == "" {
		in.TenantID = store.DefaultTenant
	}
	if in.StreamID == "" || in.Type == "" {
		return nil, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "streamId and type are required")
	}
	if reason, dead := k.KillReason(in.TenantID, in.StreamID); dead {
		return nil, codes.Newf(codes.AggregateKillSwitch, http.StatusInternalServerError,
			"aggregate %s is fenced: %s", in.StreamID, reason)
	}
	if in.At.IsZero() {
		in.At = k.clock().UTC()
	}

	payload, err := normalizePayload(in.Payload)
	if err != nil {
		return nil, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "payload is not JSON-encodable: %v", err)
	}
	in.Payload = payload

	bodyHash, err := canon.Hash(map[string]any{
		"streamId": in.StreamID, "type": in.Type, "actor": in.Actor, "payload": in.Payload,
	})
	if err != nil {
		return nil, err
	}

	lock := k.locks.Lock(in.TenantID, in.StreamID)
	defer lock.Unlock()

	// (a) idempotent replay.
	if in.IdempotencyKey != "" {
		if rec, err := k.lookupMemo(ctx, in); err != nil {
			return nil, err
		} else if rec != nil {
			if rec.BodyHash != bodyHash {
				return nil, codes.New(codes.IdempotencyConflict, http.StatusConflict,
					"idempotency key replayed with a different body")
			}
			var res AppendResult
			if err := json.Unmarshal(rec.Response, &res); err != nil {
				return nil, fmt.Errorf("decode memoized response: %w", err)
			}
			res.Replayed = true
			return &res, nil
		}
	}

	// (b) chain context.
	head, err := k.store.HeadEvent(ctx, in.TenantID, in.StreamID)
	if err != nil {
		return nil, fmt.Errorf("load stream head: %w", err)
	}
	var prev *string
	if head != nil {
		if in.ExpectedPrevChainHash == nil {
			if in.ChainSensitive {
				return nil, codes.New(codes.MissingPrecondition, http.StatusPreconditionRequired,
					"expectedPrevChainHash required for this operation").
					WithDetails(map[string]any{"headChainHash": head.ChainHash})
			}
		} else if *in.ExpectedPrevChainHash != head.ChainHash {
			return nil, codes.New(codes.Conflict, http.StatusConflict, "expectedPrevChainHash does not match stream head").
				WithDetails(map[string]any{"expectedPrevChainHash": head.ChainHash})
		}
		h := head.ChainHash
		prev = &h
	} else if in.ExpectedPrevChainHash != nil && *in.ExpectedPrevChainHash != "" {
		return nil, codes.New(codes.Conflict, http.StatusConflict, "expectedPrevChainHash set on empty stream")
	}

	// Ingress payload validation against the declared schema.
	if err := k.schemas.Validate(in.Type, in.Payload); err != nil {
		return nil, err
	}

	// (c) chain hash and signature.
	chainHash, err := ChainHash(prev, in.Type, in.At, in.Actor, in.Payload, in.StreamID)
	if err != nil {
		return nil, err
	}
	if in.Signature != "" {
		if err := k.verifySignature(ctx, in, chainHash); err != nil {
			return nil, err
		}
	}

	ev := store.Event{
		ID:            "ev_" + uuid.NewString(),
		TenantID:      in.TenantID,
		StreamID:      in.StreamID,
		Kind:          in.Kind,
		Type:          in.Type,
		At:            in.At,
		Actor:         in.Actor,
		Payload:       in.Payload,
		PrevChainHash: prev,
		ChainHash:     chainHash,
		Signature:     in.Signature,
		KeyID:         in.KeyID,
	}

	// (d) reduce into the next snapshot.
	snap, err := k.reduce(ctx, &ev)
	if err != nil {
		return nil, err
	}

	res := AppendResult{Event: ev, Snapshot: *snap}
	ops := make([]store.Op, 0, len(in.ExtraOps)+3)
	ops = append(ops,
		store.Op{Kind: store.OpEventAppend, Event: &ev},
		store.Op{Kind: store.OpSnapshotUpsert, Snapshot: snap},
	)
	ops = append(ops, in.ExtraOps...)

	var memoRec *store.Idempotency
	if in.IdempotencyKey != "" {
		resBytes, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode append result: %w", err)
		}
		memoRec = &store.Idempotency{
			TenantID:         in.TenantID,
			Key:              in.IdempotencyKey,
			RouteBindingHash: in.RouteBindingHash,
			BodyHash:         bodyHash,
			Status:           http.StatusOK,
			Response:         resBytes,
			CreatedAt:        in.At,
		}
		ops = append(ops, store.Op{Kind: store.OpIdempotencyPut, Idempotency: memoRec})
	}

	if err := k.store.CommitTx(ctx, store.Tx{At: in.At, Ops: ops}); err != nil {
		return nil, err
	}
	if memoRec != nil {
		k.memo.Put(ctx, memoRec)
	}
	return &res, nil
}

// Replay returns the memoized result for an idempotency key on a route, or
// nil when the key has not been used. Services consult it before their own
// state checks so a retry of a completed operation is answered from the
// memo instead of tripping a state conflict.
func (k *Kernel) Replay(ctx context.Context, tenantID, key, routeBindingHash string) (*AppendResult, error) {
	if key == "" {
		return nil, nil
	}
	if tenantID == "" {
		tenantID = store.DefaultTenant
	}
	rec, err := k.lookupMemo(ctx, AppendInput{TenantID: tenantID, IdempotencyKey: key, RouteBindingHash: routeBindingHash})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var res AppendResult
	if err := json.Unmarshal(rec.Response, &res); err != nil {
		return nil, fmt.Errorf("decode memoized response: %w", err)
	}
	res.Replayed = true
	return &res, nil
}

func (k *Kernel) lookupMemo(ctx context.Context, in AppendInput) (*store.Idempotency, error) {
	if rec := k.memo.Get(ctx, in.TenantID, in.IdempotencyKey, in.RouteBindingHash); rec != nil {
		return rec, nil
	}
	rec, err := k.store.GetIdempotency(ctx, in.TenantID, in.IdempotencyKey, in.RouteBindingHash)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return rec, nil
}

func (k *Kernel) verifySignature(ctx context.Context, in AppendInput, chainHash string) error {
	if in.KeyID == "" {
		return codes.New(codes.SignerKeyNotRegistered, http.StatusConflict, "signed event is missing keyId")
	}
	if k.keys == nil {
		return codes.New(codes.SignerKeyNotRegistered, http.StatusConflict, "no signer key registry configured")
	}
	key, err := k.keys(ctx, in.TenantID, in.KeyID)
	if err != nil {
		return err
	}
	if err := EvaluateSignerLifecycle(key, in.At); err != nil {
		return err
	}
	ok, err := canon.VerifyHash(key.PublicKeyHex, in.Signature, chainHash)
	if err != nil {
		return codes.Newf(codes.SignatureInvalid, http.StatusConflict, "signature verification failed: %v", err)
	}
	if !ok {
		return codes.New(codes.SignatureInvalid, http.StatusConflict, "signature does not verify against registered key")
	}
	return nil
}

// reduce applies the registered reducer for the event's kind.
func (k *Kernel) reduce(ctx context.Context, ev *store.Event) (*store.Snapshot, error) {
	red, ok := k.reducers.For(ev.Kind)
	if !ok {
		return nil, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "no reducer for kind %q", ev.Kind)
	}
	if err := k.schemas.ValidateStored(ev.Type, ev.Payload); err != nil {
		return nil, err
	}
	prev, err := k.store.GetSnapshot(ctx, ev.TenantID, ev.StreamID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	state := red.Init(ev.StreamID)
	revision := int64(0)
	if prev != nil {
		if err := DecodeState(prev, state); err != nil {
			return nil, err
		}
		revision = prev.Revision
	}
	next, err := red.Apply(state, ev)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}
	return &store.Snapshot{
		TenantID:      ev.TenantID,
		StreamID:      ev.StreamID,
		Kind:          ev.Kind,
		Revision:      revision + 1,
		LastEventID:   ev.ID,
		LastChainHash: ev.ChainHash,
		State:         raw,
		UpdatedAt:     ev.At,
	}, nil
}

// Rebuild replays a stream from its events and returns the resulting
// snapshot without writing it. Rebuilding must reproduce the stored
// snapshot byte for byte; a chain discontinuity is fatal for the stream.
func (k *Kernel) Rebuild(ctx context.Context, tenantID, streamID string) (*store.Snapshot, error) {
	events, err := k.store.ListEvents(ctx, tenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	red, ok := k.reducers.For(events[0].Kind)
	if !ok {
		return nil, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "no reducer for kind %q", events[0].Kind)
	}
	state := red.Init(streamID)
	var prevHash *string
	for i := range events {
		ev := &events[i]
		if (prevHash == nil) != (ev.PrevChainHash == nil) ||
			(prevHash != nil && *prevHash != *ev.PrevChainHash) {
			k.SetKillSwitch(tenantID, streamID, "chain discontinuity at "+ev.ID)
			return nil, codes.Newf(codes.AggregateKillSwitch, http.StatusInternalServerError,
				"chain discontinuity in %s at %s", streamID, ev.ID)
		}
		if err := k.schemas.ValidateStored(ev.Type, ev.Payload); err != nil {
			return nil, err
		}
		state, err = red.Apply(state, ev)
		if err != nil {
			return nil, err
		}
		h := ev.ChainHash
		prevHash = &h
	}
	last := events[len(events)-1]
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}
	return &store.Snapshot{
		TenantID:      tenantID,
		StreamID:      streamID,
		Kind:          last.Kind,
		Revision:      int64(len(events)),
		LastEventID:   last.ID,
		LastChainHash: last.ChainHash,
		State:         raw,
		UpdatedAt:     last.At,
	}, nil
}

// normalizePayload round-trips a payload through JSON so hashing,
// validation, reduction, and post-restart rebuild all see the decoded
// shapes (float64 numbers, []any slices) rather than whatever native Go
// values the caller assembled.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
