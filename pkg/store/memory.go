package store

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// MemoryStore is the reference Store implementation. CommitTx validates the
// whole op list first and only then applies it, so a failed transaction
// leaves no partial state behind.
type MemoryStore struct {
	mu sync.RWMutex

	events      map[string][]Event             // tenant/stream → ordered events
	snapshots   map[string]Snapshot            // tenant/stream
	artifacts   map[string]Artifact            // tenant/artifactID
	idempotency map[string]Idempotency         // tenant/key/routeHash
	ledger      map[string][]LedgerEntry       // tenant → entries in commit order
	holds       map[string]Hold                // tenant/holdID
	wallets     map[string]Wallet              // tenant/agentID
	grants      map[string]Grant               // tenant/grantID
	railEvents  map[string]RailEvent           // tenant/provider/eventID
	triage      map[string]TriageItem          // tenant/triageKey
	exposures   map[string]ChargebackExposure  // tenant/provider/party/period
	deadLetters map[string]DeadLetter          // tenant/id
	deliveries  map[string]Delivery            // tenant/deliveryID
	leases      map[string]Lease               // workerKind/shard
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      map[string][]Event{},
		snapshots:   map[string]Snapshot{},
		artifacts:   map[string]Artifact{},
		idempotency: map[string]Idempotency{},
		ledger:      map[string][]LedgerEntry{},
		holds:       map[string]Hold{},
		wallets:     map[string]Wallet{},
		grants:      map[string]Grant{},
		railEvents:  map[string]RailEvent{},
		triage:      map[string]TriageItem{},
		exposures:   map[string]ChargebackExposure{},
		deadLetters: map[string]DeadLetter{},
		deliveries:  map[string]Delivery{},
		leases:      map[string]Lease{},
	}
}

func key2(a, b string) string    { return a + "\x00" + b }
func key3(a, b, c string) string { return a + "\x00" + b + "\x00" + c }
func key4(a, b, c, d string) string {
	return a + "\x00" + b + "\x00" + c + "\x00" + d
}

// CommitTx applies the op list atomically.
func (s *MemoryStore) CommitTx(ctx context.Context, tx Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Phase 1: validate every op against current state.
	for i := range tx.Ops {
		if err := s.validateOp(&tx.Ops[i]); err != nil {
			return err
		}
	}
	// Phase 2: apply. Cannot fail after validation.
	for i := range tx.Ops {
		s.applyOp(&tx.Ops[i])
	}
	return nil
}

func (s *MemoryStore) validateOp(op *Op) error {
	switch op.Kind {
	case OpEventAppend:
		ev := op.Event
		if ev == nil || ev.TenantID == "" || ev.StreamID == "" || ev.ID == "" {
			return codes.New(codes.SchemaInvalid, http.StatusBadRequest, "event append missing ids")
		}
		stream := s.events[key2(ev.TenantID, ev.StreamID)]
		if len(stream) == 0 {
			if ev.PrevChainHash != nil {
				return codes.New(codes.Conflict, http.StatusConflict, "prevChainHash set on empty stream")
			}
		} else {
			head := stream[len(stream)-1]
			if ev.PrevChainHash == nil || *ev.PrevChainHash != head.ChainHash {
				return codes.New(codes.Conflict, http.StatusConflict, "prevChainHash does not match stream head").
					WithDetails(map[string]any{"expectedPrevChainHash": head.ChainHash})
			}
		}
	case OpArtifactPut:
		a := op.Artifact
		if a == nil || a.ArtifactID == "" || a.ArtifactHash == "" {
			return codes.New(codes.SchemaInvalid, http.StatusBadRequest, "artifact put missing id or hash")
		}
		if prev, ok := s.artifacts[key2(a.TenantID, a.ArtifactID)]; ok && prev.ArtifactHash != a.ArtifactHash {
			return codes.Newf(codes.ArtifactImmutable, http.StatusConflict,
				"artifact %s already stored with different hash", a.ArtifactID)
		}
	case OpLedgerEntryAppend:
		if op.LedgerEntry == nil {
			return codes.New(codes.SchemaInvalid, http.StatusBadRequest, "ledger op missing entry")
		}
		if err := balanceEntry(op.LedgerEntry); err != nil {
			return err
		}
	case OpRailEventPut:
		re := op.RailEvent
		if re == nil || re.ProviderID == "" || re.EventID == "" {
			return codes.New(codes.SchemaInvalid, http.StatusBadRequest, "rail event missing ids")
		}
	case OpSnapshotUpsert, OpHoldUpsert, OpWalletUpsert, OpGrantUpsert,
		OpIdempotencyPut, OpTriageUpsert, OpExposureUpsert,
		OpDeadLetterUpsert, OpDeliveryUpsert:
		// Upserts carry their own row; presence checked in applyOp via panic-free nil guards.
		if !op.hasRow() {
			return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "op %s missing row", op.Kind)
		}
	default:
		return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown op kind %q", op.Kind)
	}
	return nil
}

func (op *Op) hasRow() bool {
	switch op.Kind {
	case OpSnapshotUpsert:
		return op.Snapshot != nil
	case OpHoldUpsert:
		return op.Hold != nil
	case OpWalletUpsert:
		return op.Wallet != nil
	case OpGrantUpsert:
		return op.Grant != nil
	case OpIdempotencyPut:
		return op.Idempotency != nil
	case OpTriageUpsert:
		return op.Triage != nil
	case OpExposureUpsert:
		return op.Exposure != nil
	case OpDeadLetterUpsert:
		return op.DeadLetter != nil
	case OpDeliveryUpsert:
		return op.Delivery != nil
	}
	return false
}

func (s *MemoryStore) applyOp(op *Op) {
	switch op.Kind {
	case OpEventAppend:
		k := key2(op.Event.TenantID, op.Event.StreamID)
		s.events[k] = append(s.events[k], *op.Event)
	case OpSnapshotUpsert:
		s.snapshots[key2(op.Snapshot.TenantID, op.Snapshot.StreamID)] = *op.Snapshot
	case OpArtifactPut:
		k := key2(op.Artifact.TenantID, op.Artifact.ArtifactID)
		if _, ok := s.artifacts[k]; !ok {
			s.artifacts[k] = *op.Artifact
		}
	case OpLedgerEntryAppend:
		k := op.LedgerEntry.TenantID
		s.ledger[k] = append(s.ledger[k], *op.LedgerEntry)
	case OpHoldUpsert:
		s.holds[key2(op.Hold.TenantID, op.Hold.HoldID)] = *op.Hold
	case OpWalletUpsert:
		s.wallets[key2(op.Wallet.TenantID, op.Wallet.AgentID)] = *op.Wallet
	case OpGrantUpsert:
		s.grants[key2(op.Grant.TenantID, op.Grant.GrantID)] = *op.Grant
	case OpIdempotencyPut:
		r := op.Idempotency
		s.idempotency[key3(r.TenantID, r.Key, r.RouteBindingHash)] = *r
	case OpRailEventPut:
		r := op.RailEvent
		s.railEvents[key3(r.TenantID, r.ProviderID, r.EventID)] = *r
	case OpTriageUpsert:
		s.triage[key2(op.Triage.TenantID, op.Triage.TriageKey)] = *op.Triage
	case OpExposureUpsert:
		e := op.Exposure
		s.exposures[key4(e.TenantID, e.ProviderID, e.PartyID, e.Period)] = *e
	case OpDeadLetterUpsert:
		s.deadLetters[key2(op.DeadLetter.TenantID, op.DeadLetter.ID)] = *op.DeadLetter
	case OpDeliveryUpsert:
		s.deliveries[key2(op.Delivery.TenantID, op.Delivery.DeliveryID)] = *op.Delivery
	}
}

func (s *MemoryStore) HeadEvent(ctx context.Context, tenantID, streamID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.events[key2(tenantID, streamID)]
	if len(stream) == 0 {
		return nil, nil
	}
	head := stream[len(stream)-1]
	return &head, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, tenantID, streamID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.events[key2(tenantID, streamID)]
	out := make([]Event, len(stream))
	copy(out, stream)
	return out, nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, tenantID, streamID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snap, ok := s.snapshots[key2(tenantID, streamID)]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, tenantID, kind string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for _, snap := range s.snapshots {
		if snap.TenantID == tenantID && (kind == "" || snap.Kind == kind) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, tenantID, artifactID string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.artifacts[key2(tenantID, artifactID)]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, tenantID, artifactType string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Artifact
	for _, a := range s.artifacts {
		if a.TenantID == tenantID && (artifactType == "" || a.ArtifactType == artifactType) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out, nil
}

func (s *MemoryStore) GetIdempotency(ctx context.Context, tenantID, key, routeBindingHash string) (*Idempotency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.idempotency[key3(tenantID, key, routeBindingHash)]; ok {
		cp := r
		cp.Response = append([]byte(nil), r.Response...)
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) DeleteIdempotencyBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.idempotency {
		if r.TenantID == tenantID && r.CreatedAt.Before(cutoff) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountIdempotencyBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.idempotency {
		if r.TenantID == tenantID && r.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, tenantID string, from, to time.Time) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range s.ledger[tenantID] {
		if !e.At.Before(from) && e.At.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (s *MemoryStore) GetHold(ctx context.Context, tenantID, holdID string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.holds[key2(tenantID, holdID)]; ok {
		return &h, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListHolds(ctx context.Context, tenantID, agentID, state string) ([]Hold, error) {
	if err := validateHoldState(state); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hold
	for _, h := range s.holds {
		if h.TenantID != tenantID {
			continue
		}
		if agentID != "" && h.AgentID != agentID {
			continue
		}
		if state != "" && h.State != state {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldID < out[j].HoldID })
	return out, nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, tenantID, agentID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[key2(tenantID, agentID)]; ok {
		return &w, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, tenantID, grantID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.grants[key2(tenantID, grantID)]; ok {
		return &g, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if g.TenantID == tenantID && g.GrantHash == grantHash {
			cp := g
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListGrants(ctx context.Context, tenantID, kind string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, g := range s.grants {
		if g.TenantID == tenantID && (kind == "" || g.Kind == kind) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantID < out[j].GrantID })
	return out, nil
}

func (s *MemoryStore) GetRailEvent(ctx context.Context, tenantID, providerID, eventID string) (*RailEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if re, ok := s.railEvents[key3(tenantID, providerID, eventID)]; ok {
		return &re, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListRailEvents(ctx context.Context, tenantID, providerID string) ([]RailEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RailEvent
	for _, re := range s.railEvents {
		if re.TenantID == tenantID && (providerID == "" || re.ProviderID == providerID) {
			out = append(out, re)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (s *MemoryStore) GetExposure(ctx context.Context, tenantID, providerID, partyID, period string) (*ChargebackExposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.exposures[key4(tenantID, providerID, partyID, period)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetTriage(ctx context.Context, tenantID, triageKey string) (*TriageItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ti, ok := s.triage[key2(tenantID, triageKey)]; ok {
		return &ti, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListTriage(ctx context.Context, tenantID, status string) ([]TriageItem, error) {
	if err := validateTriageStatus(status); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TriageItem
	for _, ti := range s.triage {
		if ti.TenantID == tenantID && (status == "" || ti.Status == status) {
			out = append(out, ti)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriageKey < out[j].TriageKey })
	return out, nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, tenantID, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dl, ok := s.deadLetters[key2(tenantID, id)]; ok {
		return &dl, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, tenantID, source string) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeadLetter
	for _, dl := range s.deadLetters {
		if dl.TenantID == tenantID && (source == "" || dl.Source == source) {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListDeliveries(ctx context.Context, tenantID, status string) ([]Delivery, error) {
	if err := validateDeliveryStatus(status); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Delivery
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryID < out[j].DeliveryID })
	return out, nil
}

func (s *MemoryStore) DeleteDeliveriesBefore(ctx context.Context, tenantID string, status string, cutoff time.Time) (int, error) {
	if err := validateDeliveryStatus(status); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, d := range s.deliveries {
		if d.TenantID == tenantID && (status == "" || d.Status == status) && d.UpdatedAt.Before(cutoff) {
			delete(s.deliveries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountDeliveriesBefore(ctx context.Context, tenantID string, status string, cutoff time.Time) (int, error) {
	if err := validateDeliveryStatus(status); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && (status == "" || d.Status == status) && d.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, workerKind, shard, owner string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(workerKind, shard)
	if l, ok := s.leases[k]; ok && l.Owner != owner && now.Before(l.ExpiresAt) {
		return false, nil
	}
	s.leases[k] = Lease{WorkerKind: workerKind, Shard: shard, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, workerKind, shard, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(workerKind, shard)
	if l, ok := s.leases[k]; ok && l.Owner == owner {
		delete(s.leases, k)
	}
	return nil
}

func (s *MemoryStore) ListLeases(ctx context.Context) ([]Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkerKind != out[j].WorkerKind {
			return out[i].WorkerKind < out[j].WorkerKind
		}
		return out[i].Shard < out[j].Shard
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
