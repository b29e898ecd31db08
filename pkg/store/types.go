// Package store defines the persistence port for the settlement coordinator:
// the shared row types, the heterogeneous transaction op list, and the
// in-memory and Postgres backends. All state is partitioned by tenant.
package store

import (
	"encoding/json"
	"time"
)

// DefaultTenant is used when a caller supplies no tenant id.
const DefaultTenant = "tenant_default"

// Event is one chained event in a per-aggregate stream.
type Event struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	StreamID      string         `json:"streamId"`
	Kind          string         `json:"kind"`
	Type          string         `json:"type"`
	At            time.Time      `json:"at"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PrevChainHash *string        `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	Signature     string         `json:"signature,omitempty"`
	KeyID         string         `json:"keyId,omitempty"`
}

// Snapshot is the reduced state of an aggregate at a revision.
type Snapshot struct {
	TenantID      string          `json:"tenantId"`
	StreamID      string          `json:"streamId"`
	Kind          string          `json:"kind"`
	Revision      int64           `json:"revision"`
	LastEventID   string          `json:"lastEventId"`
	LastChainHash string          `json:"lastChainHash"`
	State         json.RawMessage `json:"state"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Artifact is an immutable content-addressed JSON document.
type Artifact struct {
	TenantID     string          `json:"tenantId"`
	ArtifactID   string          `json:"artifactId"`
	ArtifactType string          `json:"artifactType"`
	ArtifactHash string          `json:"artifactHash"`
	Core         json.RawMessage `json:"core"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Idempotency memoizes the first successful effect for a
// (tenant, key, routeBindingHash) triple.
type Idempotency struct {
	TenantID         string    `json:"tenantId"`
	Key              string    `json:"key"`
	RouteBindingHash string    `json:"routeBindingHash"`
	BodyHash         string    `json:"bodyHash"`
	Status           int       `json:"status"`
	Response         []byte    `json:"response"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Posting directions.
const (
	Debit  = "debit"
	Credit = "credit"
)

// PartyRef attributes a posting amount to a party.
type PartyRef struct {
	PartyID   string `json:"partyId"`
	PartyRole string `json:"partyRole"`
}

// Posting is one side of a double-entry ledger movement.
type Posting struct {
	PostingID   string    `json:"postingId"`
	AccountID   string    `json:"accountId"`
	Direction   string    `json:"direction"`
	Currency    string    `json:"currency"`
	AmountCents int64     `json:"amountCents"`
	PartyRef    *PartyRef `json:"partyRef,omitempty"`
}

// LedgerEntry groups postings that must balance per currency.
type LedgerEntry struct {
	TenantID string    `json:"tenantId"`
	EntryID  string    `json:"entryId"`
	At       time.Time `json:"at"`
	Memo     string    `json:"memo,omitempty"`
	Postings []Posting `json:"postings"`
}

// Hold states.
const (
	HoldActive   = "active"
	HoldReleased = "released"
	HoldRefunded = "refunded"
)

// Hold is an escrow reservation of payer funds.
type Hold struct {
	TenantID    string    `json:"tenantId"`
	HoldID      string    `json:"holdId"`
	AgentID     string    `json:"agentId"`
	GateID      string    `json:"gateId,omitempty"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Wallet carries an agent's balances. escrowLockedCents must always equal
// the sum of the agent's active holds.
type Wallet struct {
	TenantID          string    `json:"tenantId"`
	AgentID           string    `json:"agentId"`
	AvailableCents    int64     `json:"availableCents"`
	EscrowLockedCents int64     `json:"escrowLockedCents"`
	Currency          string    `json:"currency"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Grant kinds.
const (
	GrantAuthority  = "authority"
	GrantDelegation = "delegation"
	GrantCapability = "capability"
)

// Grant statuses.
const (
	GrantActive  = "active"
	GrantRevoked = "revoked"
)

// ChainBinding links a grant into a delegation lineage.
type ChainBinding struct {
	RootGrantHash      string `json:"rootGrantHash"`
	ParentGrantHash    string `json:"parentGrantHash,omitempty"`
	Depth              int    `json:"depth"`
	MaxDelegationDepth int    `json:"maxDelegationDepth"`
}

// SpendLimit bounds spend under a grant.
type SpendLimit struct {
	MaxPerCallCents int64  `json:"maxPerCallCents,omitempty"`
	MaxDailyCents   int64  `json:"maxDailyCents,omitempty"`
	MaxTotalCents   int64  `json:"maxTotalCents,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// GrantScope enumerates what a grant permits.
type GrantScope struct {
	AllowedToolIds       []string    `json:"allowedToolIds,omitempty"`
	AllowedProviderIds   []string    `json:"allowedProviderIds,omitempty"`
	AllowedRiskClasses   []string    `json:"allowedRiskClasses,omitempty"`
	SideEffectingAllowed bool        `json:"sideEffectingAllowed"`
	SpendLimit           *SpendLimit `json:"spendLimit,omitempty"`
}

// Validity is a grant's time window.
type Validity struct {
	NotBefore time.Time `json:"notBefore"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Grant is an AuthorityGrant, DelegationGrant, or CapabilityAttestation row.
// Rows are retained after revocation.
type Grant struct {
	TenantID     string        `json:"tenantId"`
	GrantID      string        `json:"grantId"`
	Kind         string        `json:"kind"`
	GrantHash    string        `json:"grantHash"`
	IssuerID     string        `json:"issuerId"`
	SubjectID    string        `json:"subjectId"`
	Scope        GrantScope    `json:"scope"`
	Validity     Validity      `json:"validity"`
	ChainBinding *ChainBinding `json:"chainBinding,omitempty"`
	Status       string        `json:"status"`
	RevokedAt    *time.Time    `json:"revokedAt,omitempty"`
	RevokeReason string        `json:"revokeReason,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// RailEvent records one ingested terminal event from an external rail.
// (providerId, eventId) is the ingest idempotency key.
type RailEvent struct {
	TenantID    string          `json:"tenantId"`
	ProviderID  string          `json:"providerId"`
	EventID     string          `json:"eventId"`
	OperationID string          `json:"operationId"`
	Type        string          `json:"type"`
	ReasonCode  string          `json:"reasonCode,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
}

// Triage statuses.
const (
	TriageOpen       = "open"
	TriageInProgress = "in_progress"
	TriageResolved   = "resolved"
)

// TriageItem is one reconciliation mismatch under triage.
type TriageItem struct {
	TenantID         string    `json:"tenantId"`
	TriageKey        string    `json:"triageKey"`
	SourceType       string    `json:"sourceType"`
	MismatchType     string    `json:"mismatchType"`
	MismatchKey      string    `json:"mismatchKey"`
	MismatchCode     string    `json:"mismatchCode"`
	Status           string    `json:"status"`
	OwnerPrincipalID string    `json:"ownerPrincipalId,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	Severity         string    `json:"severity,omitempty"`
	Revision         int64     `json:"revision"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ChargebackExposure aggregates reversed payouts per provider/party/period.
type ChargebackExposure struct {
	TenantID         string    `json:"tenantId"`
	ProviderID       string    `json:"providerId"`
	PartyID          string    `json:"partyId"`
	Period           string    `json:"period"`
	OutstandingCents int64     `json:"outstandingCents"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DeadLetter is a failed delivery or webhook held for replay.
type DeadLetter struct {
	TenantID   string          `json:"tenantId"`
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	EventID    string          `json:"eventId"`
	Reason     string          `json:"reason"`
	Replayable bool            `json:"replayable"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ReplayedAt *time.Time      `json:"replayedAt,omitempty"`
}

// Delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryAcked     = "acked"
)

// Delivery is an outbound notification tracked to acknowledgement.
type Delivery struct {
	TenantID   string          `json:"tenantId"`
	DeliveryID string          `json:"deliveryId"`
	Kind       string          `json:"kind"`
	TargetRef  string          `json:"targetRef"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Lease grants at-most-one worker per (workerKind, shard).
type Lease struct {
	WorkerKind string    `json:"workerKind"`
	Shard      string    `json:"shard"`
	Owner      string    `json:"owner"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
