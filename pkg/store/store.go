package store

import (
	"context"
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// OpKind discriminates the heterogeneous ops accepted by CommitTx.
type OpKind string

const (
	OpEventAppend       OpKind = "EVENT_APPEND"
	OpSnapshotUpsert    OpKind = "SNAPSHOT_UPSERT"
	OpArtifactPut       OpKind = "ARTIFACT_PUT"
	OpLedgerEntryAppend OpKind = "LEDGER_ENTRY_APPEND"
	OpHoldUpsert        OpKind = "HOLD_UPSERT"
	OpWalletUpsert      OpKind = "WALLET_UPSERT"
	OpGrantUpsert       OpKind = "GRANT_UPSERT"
	OpIdempotencyPut    OpKind = "IDEMPOTENCY_PUT"
	OpRailEventPut      OpKind = "RAIL_EVENT_PUT"
	OpTriageUpsert      OpKind = "TRIAGE_UPSERT"
	OpExposureUpsert    OpKind = "EXPOSURE_UPSERT"
	OpDeadLetterUpsert  OpKind = "DEAD_LETTER_UPSERT"
	OpDeliveryUpsert    OpKind = "DELIVERY_UPSERT"
)

// Op is one element of a commitTx op list. Exactly one pointer field,
// matching Kind, must be set.
type Op struct {
	Kind        OpKind
	Event       *Event
	Snapshot    *Snapshot
	Artifact    *Artifact
	LedgerEntry *LedgerEntry
	Hold        *Hold
	Wallet      *Wallet
	Grant       *Grant
	Idempotency *Idempotency
	RailEvent   *RailEvent
	Triage      *TriageItem
	Exposure    *ChargebackExposure
	DeadLetter  *DeadLetter
	Delivery    *Delivery
}

// Tx is an atomic multi-op write. Either every op commits or none does.
type Tx struct {
	At  time.Time
	Ops []Op
}

// Store is the persistence port. List methods sort by id ascending and
// return copies the caller may mutate freely.
type Store interface {
	CommitTx(ctx context.Context, tx Tx) error

	// Events and snapshots.
	HeadEvent(ctx context.Context, tenantID, streamID string) (*Event, error)
	ListEvents(ctx context.Context, tenantID, streamID string) ([]Event, error)
	GetSnapshot(ctx context.Context, tenantID, streamID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, tenantID, kind string) ([]Snapshot, error)

	// Artifacts.
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*Artifact, error)
	ListArtifacts(ctx context.Context, tenantID, artifactType string) ([]Artifact, error)

	// Idempotency.
	GetIdempotency(ctx context.Context, tenantID, key, routeBindingHash string) (*Idempotency, error)
	DeleteIdempotencyBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error)
	CountIdempotencyBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error)

	// Ledger and escrow.
	ListLedgerEntries(ctx context.Context, tenantID string, from, to time.Time) ([]LedgerEntry, error)
	GetHold(ctx context.Context, tenantID, holdID string) (*Hold, error)
	ListHolds(ctx context.Context, tenantID, agentID, state string) ([]Hold, error)
	GetWallet(ctx context.Context, tenantID, agentID string) (*Wallet, error)

	// Grants.
	GetGrant(ctx context.Context, tenantID, grantID string) (*Grant, error)
	GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*Grant, error)
	ListGrants(ctx context.Context, tenantID, kind string) ([]Grant, error)

	// Money rails.
	GetRailEvent(ctx context.Context, tenantID, providerID, eventID string) (*RailEvent, error)
	ListRailEvents(ctx context.Context, tenantID, providerID string) ([]RailEvent, error)
	GetExposure(ctx context.Context, tenantID, providerID, partyID, period string) (*ChargebackExposure, error)

	// Triage.
	GetTriage(ctx context.Context, tenantID, triageKey string) (*TriageItem, error)
	ListTriage(ctx context.Context, tenantID, status string) ([]TriageItem, error)

	// Dead letters and deliveries.
	GetDeadLetter(ctx context.Context, tenantID, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, tenantID, source string) ([]DeadLetter, error)
	ListDeliveries(ctx context.Context, tenantID, status string) ([]Delivery, error)
	DeleteDeliveriesBefore(ctx context.Context, tenantID string, status string, cutoff time.Time) (int, error)
	CountDeliveriesBefore(ctx context.Context, tenantID string, status string, cutoff time.Time) (int, error)

	// Worker leases (global, not tenant scoped).
	AcquireLease(ctx context.Context, workerKind, shard, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, workerKind, shard, owner string) error
	ListLeases(ctx context.Context) ([]Lease, error)
}

// validateHoldState rejects filter values outside the hold state enum.
// Empty means no filter.
func validateHoldState(state string) error {
	switch state {
	case "", HoldActive, HoldReleased, HoldRefunded:
		return nil
	}
	return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "invalid hold state filter %q", state)
}

// validateTriageStatus rejects filter values outside the triage enum.
func validateTriageStatus(status string) error {
	switch status {
	case "", TriageOpen, TriageInProgress, TriageResolved:
		return nil
	}
	return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "invalid triage status filter %q", status)
}

// validateDeliveryStatus rejects filter values outside the delivery enum.
func validateDeliveryStatus(status string) error {
	switch status {
	case "", DeliveryPending, DeliveryDelivered, DeliveryAcked:
		return nil
	}
	return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "invalid delivery status filter %q", status)
}

// balanceEntry enforces the double-entry zero-sum invariant per currency.
func balanceEntry(e *LedgerEntry) error {
	if len(e.Postings) == 0 {
		return codes.New(codes.LedgerUnbalanced, http.StatusInternalServerError, "ledger entry has no postings")
	}
	net := map[string]int64{}
	for _, p := range e.Postings {
		if p.AmountCents <= 0 {
			return codes.Newf(codes.LedgerUnbalanced, http.StatusInternalServerError,
				"posting %s has non-positive amount", p.PostingID)
		}
		switch p.Direction {
		case Debit:
			net[p.Currency] += p.AmountCents
		case Credit:
			net[p.Currency] -= p.AmountCents
		default:
			return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "invalid posting direction %q", p.Direction)
		}
	}
	for ccy, n := range net {
		if n != 0 {
			return codes.Newf(codes.LedgerUnbalanced, http.StatusInternalServerError,
				"entry %s unbalanced for %s by %d cents", e.EntryID, ccy, n)
		}
	}
	return nil
}
