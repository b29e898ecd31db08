// Package identity owns agents, signer keys, runs, and the three grant
// families (authority, delegation, capability): issuance, revocation, and
// delegation lineage resolution.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Service exposes the identity operations over the kernel.
type Service struct {
	kernel *kernel.Kernel
}

// NewService wires the identity service and its reducers.
func NewService(k *kernel.Kernel) *Service {
	return &Service{kernel: k}
}

// KeyLookup returns the kernel's signer key resolver backed by the
// signerkey:<keyId> snapshots.
func (s *Service) KeyLookup() kernel.KeyLookup {
	return func(ctx context.Context, tenantID, keyID string) (*kernel.SignerKey, error) {
		snap, err := s.kernel.Store().GetSnapshot(ctx, tenantID, "signerkey:"+keyID)
		if err != nil {
			return nil, fmt.Errorf("signer key lookup: %w", err)
		}
		if snap == nil {
			return nil, nil
		}
		var st SignerKeyState
		if err := kernel.DecodeState(snap, &st); err != nil {
			return nil, err
		}
		return &st.SignerKey, nil
	}
}

// RegisterAgentInput describes a new agent.
type RegisterAgentInput struct {
	TenantID       string
	AgentID        string
	OwnerID        string
	DisplayName    string
	Capabilities   []string
	PublicKeyHex   string
	Currency       string
	IdempotencyKey string
}

// RegisterAgent registers the agent, opens its zero-balance wallet, and
// registers the initial signer key when a public key is supplied.
func (s *Service) RegisterAgent(ctx context.Context, in RegisterAgentInput) (*kernel.AppendResult, error) {
	if in.AgentID == "" {
		in.AgentID = "agent_" + uuid.NewString()
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	payload := map[string]any{
		"agentId": in.AgentID,
		"ownerId": in.OwnerID,
	}
	if in.DisplayName != "" {
		payload["displayName"] = in.DisplayName
	}
	if len(in.Capabilities) > 0 {
		payload["capabilities"] = in.Capabilities
	}
	if in.PublicKeyHex != "" {
		payload["publicKeyHex"] = in.PublicKeyHex
	}
	payload["currency"] = in.Currency

	now := time.Now().UTC()
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID,
		StreamID: "agent:" + in.AgentID,
		Kind:     "Agent",
		Type:     "AgentRegistered",
		Actor:    in.OwnerID,
		Payload:  payload,
		IdempotencyKey:   in.IdempotencyKey,
		RouteBindingHash: "identity.register-agent",
		ExtraOps: []store.Op{{
			Kind: store.OpWalletUpsert,
			Wallet: &store.Wallet{
				TenantID: tenantOrDefault(in.TenantID), AgentID: in.AgentID,
				Currency: in.Currency, UpdatedAt: now,
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	if in.PublicKeyHex == "" {
		return res, nil
	}
	// The key lives on its own stream, so its registration cannot ride in
	// the agent append's transaction. Register it only when the stream is
	// still empty: a retry after a failed registration then completes it
	// instead of replaying past it.
	keyID := "key_" + in.AgentID
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(in.TenantID), "signerkey:"+keyID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		if _, err := s.RegisterSignerKey(ctx, in.TenantID, in.AgentID, keyID, in.PublicKeyHex, nil, nil); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// SetLifecycle moves an agent between active/suspended/throttled/retired.
func (s *Service) SetLifecycle(ctx context.Context, tenantID, agentID, lifecycle, reason string, expectedPrevChainHash *string) (*kernel.AppendResult, error) {
	payload := map[string]any{"lifecycle": lifecycle}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "agent:" + agentID,
		Kind:     "Agent",
		Type:     "AgentLifecycleChanged",
		Actor:    "operator",
		Payload:  payload,
		ExpectedPrevChainHash: expectedPrevChainHash,
		ChainSensitive:        true,
	})
}

// GetAgent reads an agent's snapshot state.
func (s *Service) GetAgent(ctx context.Context, tenantID, agentID string) (*AgentState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), "agent:"+agentID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st AgentState
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RequireActive fails with the stable X402_AGENT_* code matching the agent's
// lifecycle, in the role's terms.
func (s *Service) RequireActive(ctx context.Context, tenantID, agentID, role string) (*AgentState, error) {
	st, err := s.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(st, role); err != nil {
		return nil, err
	}
	return st, nil
}

// CreditWallet tops up an agent's available balance. The wallet row and the
// balancing ledger entry commit atomically with the event.
func (s *Service) CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64, currency, memo, idempotencyKey string) (*kernel.AppendResult, error) {
	tenant := tenantOrDefault(tenantID)
	if amountCents <= 0 {
		return nil, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "credit amount must be positive")
	}
	if _, err := s.RequireActive(ctx, tenantID, agentID, "credited"); err != nil {
		return nil, err
	}
	wallet, err := s.kernel.Store().GetWallet(ctx, tenant, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if wallet == nil {
		wallet = &store.Wallet{TenantID: tenant, AgentID: agentID, Currency: currency}
	}
	next := *wallet
	next.AvailableCents += amountCents
	next.UpdatedAt = now

	entryID := "le_" + uuid.NewString()
	payload := map[string]any{"amountCents": amountCents, "currency": currency}
	if memo != "" {
		payload["memo"] = memo
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "agent:" + agentID,
		Kind:     "Agent",
		Type:     "WalletCredited",
		Actor:    "treasury",
		Payload:  payload,
		IdempotencyKey:   idempotencyKey,
		RouteBindingHash: "identity.credit-wallet",
		ExtraOps: []store.Op{
			{Kind: store.OpWalletUpsert, Wallet: &next},
			{Kind: store.OpLedgerEntryAppend, LedgerEntry: &store.LedgerEntry{
				TenantID: tenant, EntryID: entryID, At: now, Memo: memo,
				Postings: []store.Posting{
					{PostingID: entryID + ":d", AccountID: "platform:cash", Direction: store.Debit, Currency: currency, AmountCents: amountCents},
					{PostingID: entryID + ":c", AccountID: "agent:" + agentID + ":available", Direction: store.Credit, Currency: currency, AmountCents: amountCents,
						PartyRef: &store.PartyRef{PartyID: agentID, PartyRole: "agent"}},
				},
			}},
		},
	})
}

// RegisterSignerKey opens a signerkey:<keyId> stream in the active state.
func (s *Service) RegisterSignerKey(ctx context.Context, tenantID, agentID, keyID, publicKeyHex string, validFrom, validTo *time.Time) (*kernel.AppendResult, error) {
	payload := map[string]any{"keyId": keyID, "publicKeyHex": publicKeyHex}
	if validFrom != nil {
		payload["validFrom"] = validFrom.UTC().Format(time.RFC3339)
	}
	if validTo != nil {
		payload["validTo"] = validTo.UTC().Format(time.RFC3339)
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "signerkey:" + keyID,
		Kind:     "SignerKey",
		Type:     "SignerKeyRegistered",
		Actor:    agentID,
		Payload:  payload,
	})
}

// RotateSignerKey marks a key rotated; events dated before the rotation
// still verify against it.
func (s *Service) RotateSignerKey(ctx context.Context, tenantID, keyID, replacementKeyID string) (*kernel.AppendResult, error) {
	payload := map[string]any{"keyId": keyID}
	if replacementKeyID != "" {
		payload["replacementKeyId"] = replacementKeyID
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "signerkey:" + keyID,
		Kind:     "SignerKey",
		Type:     "SignerKeyRotated",
		Actor:    "operator",
		Payload:  payload,
	})
}

// RevokeSignerKey permanently invalidates a key.
func (s *Service) RevokeSignerKey(ctx context.Context, tenantID, keyID, reason string) (*kernel.AppendResult, error) {
	payload := map[string]any{"keyId": keyID}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "signerkey:" + keyID,
		Kind:     "SignerKey",
		Type:     "SignerKeyRevoked",
		Actor:    "operator",
		Payload:  payload,
	})
}

// CreateRun opens a run stream for an active agent.
func (s *Service) CreateRun(ctx context.Context, tenantID, agentID, runID, jobID string, quotedAmountCents int64, currency string) (*kernel.AppendResult, error) {
	if _, err := s.RequireActive(ctx, tenantID, agentID, "run"); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = "run_" + uuid.NewString()
	}
	payload := map[string]any{"runId": runID, "agentId": agentID}
	if jobID != "" {
		payload["jobId"] = jobID
	}
	if quotedAmountCents > 0 {
		payload["quotedAmountCents"] = quotedAmountCents
		payload["currency"] = currency
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "run:" + agentID + ":" + runID,
		Kind:     "Run",
		Type:     "RunCreated",
		Actor:    agentID,
		Payload:  payload,
	})
}

// AppendRunEvent records one step of a run.
func (s *Service) AppendRunEvent(ctx context.Context, tenantID, agentID, runID, kind string, data map[string]any) (*kernel.AppendResult, error) {
	payload := map[string]any{"runId": runID, "kind": kind}
	if data != nil {
		payload["data"] = data
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "run:" + agentID + ":" + runID,
		Kind:     "Run",
		Type:     "RunEventAppended",
		Actor:    agentID,
		Payload:  payload,
	})
}

// CompleteRun terminates a run with a status and settlement timestamp.
func (s *Service) CompleteRun(ctx context.Context, tenantID, agentID, runID, status string, settledAt time.Time) (*kernel.AppendResult, error) {
	payload := map[string]any{"runId": runID, "status": status}
	if !settledAt.IsZero() {
		payload["settledAt"] = settledAt.UTC().Format(time.RFC3339)
	}
	return s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "run:" + agentID + ":" + runID,
		Kind:     "Run",
		Type:     "RunCompleted",
		Actor:    agentID,
		Payload:  payload,
	})
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}
