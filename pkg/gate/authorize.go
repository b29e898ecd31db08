package gate

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/store"
)

// ExecutionIntent is the TA-supplied proof that this authorize belongs to a
// specific planned execution. Its idempotency key must match the request's.
type ExecutionIntent struct {
	IntentID       string `json:"intentId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AuthorizeInput carries everything the authorize decision consumes.
type AuthorizeInput struct {
	TenantID              string
	GateID                string
	RequestBinding        RequestBinding
	ExecutionIntent       *ExecutionIntent
	SessionID             string
	PromptRiskOverride    *PromptRiskOverride
	WalletDecisionToken   string
	IdempotencyKey        string
	ExpectedPrevChainHash *string
}

// AuthorizePayment runs the full precondition stack, reserves payer funds,
// and records the authorization with its canonical request fingerprint.
func (s *Service) AuthorizePayment(ctx context.Context, in AuthorizeInput) (*State, *PayToken, error) {
	st, snap, err := s.mustGet(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, nil, err
	}
	if st.Status != StatusCreated {
		if rst, token, err := s.replayedAuthorize(ctx, in); err != nil {
			return nil, nil, err
		} else if rst != nil {
			return rst, token, nil
		}
		return nil, nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s cannot be authorized from %s", in.GateID, st.Status)
	}
	now := s.clock().UTC()

	if _, err := s.identity.RequireActive(ctx, in.TenantID, st.PayerAgentID, "payer"); err != nil {
		return nil, nil, err
	}
	if _, err := s.identity.RequireActive(ctx, in.TenantID, st.PayeeAgentID, "payee"); err != nil {
		return nil, nil, err
	}

	// Delegation grant checks.
	var effectiveHash string
	var lineageHashes []string
	if st.DelegationGrantRef != "" {
		effectiveHash, lineageHashes, err = s.checkDelegation(ctx, in.TenantID, st, now)
		if err != nil {
			return nil, nil, err
		}
	}

	// Prompt-risk / taint ternary.
	gov, err := s.governanceState(ctx, in.TenantID)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.sessionState(ctx, in.TenantID, in.SessionID)
	if err != nil {
		return nil, nil, err
	}
	outcome := riskOutcome(gov, st.PayerAgentID, session)
	overridden := false
	if outcome != RiskAllow {
		if in.PromptRiskOverride == nil || !in.PromptRiskOverride.Enabled {
			return nil, nil, riskBlockError(outcome)
		}
		overridden = true
	}
	var taintRefs []string
	if session.Tainted {
		taintRefs = append(taintRefs, session.TaintRefs...)
	}

	// Sponsor-wallet decision token.
	if st.SponsorWalletRef != "" {
		if in.WalletDecisionToken == "" {
			return nil, nil, codes.New(codes.X402WalletIssuerDecisionRequired, http.StatusConflict,
				"sponsor wallet gate requires a wallet issuer decision token")
		}
		if s.issuer == nil {
			return nil, nil, codes.New(codes.X402WalletIssuerDecisionRequired, http.StatusConflict,
				"no wallet issuer configured")
		}
		if err := s.issuer.Verify(in.WalletDecisionToken, st.SponsorWalletRef, st.AmountCents, now); err != nil {
			return nil, nil, err
		}
	}

	// Execution intent.
	if in.ExecutionIntent == nil || in.ExecutionIntent.IdempotencyKey == "" {
		return nil, nil, codes.New(codes.X402ExecutionIntentRequired, http.StatusConflict,
			"authorize requires an execution intent")
	}
	if in.IdempotencyKey != "" && in.ExecutionIntent.IdempotencyKey != in.IdempotencyKey {
		return nil, nil, codes.New(codes.X402ExecutionIntentIdempotencyMismatch, http.StatusConflict,
			"execution intent idempotency key does not match the request key")
	}
	if st.ExecutionIntentKey != "" && st.ExecutionIntentKey != in.ExecutionIntent.IdempotencyKey {
		return nil, nil, codes.New(codes.X402ExecutionIntentConflict, http.StatusConflict,
			"gate is bound to a different execution intent")
	}

	// Reserve payer funds.
	tenant := tenantOrDefault(in.TenantID)
	payerWallet, err := s.kernel.Store().GetWallet(ctx, tenant, st.PayerAgentID)
	if err != nil {
		return nil, nil, err
	}
	holdID := "hold_" + uuid.NewString()
	reserveOps, _, err := ledger.ReserveOps(payerWallet, holdID, st.GateID, st.AmountCents, st.Currency, now)
	if err != nil {
		return nil, nil, err
	}

	bindingHash, err := BindingHashOf(&in.RequestBinding)
	if err != nil {
		return nil, nil, err
	}
	token := newPayToken(st, bindingHash, effectiveHash, lineageHashes, now)

	decisionRecord := map[string]any{
		"riskOutcome":        outcome,
		"executionIntentKey": in.ExecutionIntent.IdempotencyKey,
	}
	if overridden {
		decisionRecord["promptRiskOverride"] = map[string]any{
			"enabled":   true,
			"reason":    in.PromptRiskOverride.Reason,
			"ticketRef": in.PromptRiskOverride.TicketRef,
		}
	}

	payload := map[string]any{
		"holdId": holdID,
		"requestBinding": map[string]any{
			"method":     in.RequestBinding.Method,
			"host":       in.RequestBinding.Host,
			"path":       in.RequestBinding.Path,
			"bodySha256": in.RequestBinding.BodySha256,
		},
		"bindingHash": bindingHash,
		"payToken": payTokenPayload(token),
		"decisionRecord": decisionRecord,
	}
	if len(taintRefs) > 0 {
		payload["taintEvidenceRefs"] = taintRefs
	}

	expected := in.ExpectedPrevChainHash
	if expected == nil {
		expected = &snap.LastChainHash
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: gateStream(in.GateID), Kind: "X402Gate",
		Type: "GatePaymentAuthorized", Actor: st.PayerAgentID, Payload: payload,
		At:                    now,
		ExpectedPrevChainHash: expected, ChainSensitive: true,
		IdempotencyKey: in.IdempotencyKey, RouteBindingHash: "gate.authorize-payment",
		ExtraOps: reserveOps,
	})
	if err != nil {
		return nil, nil, err
	}
	var next State
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, nil, err
	}
	return &next, token, nil
}

// replayedAuthorize answers a retried authorize from the idempotency memo,
// so a retry of a completed authorize does not trip the state check. A
// retry whose request binding differs from the recorded one is an
// idempotency conflict, never a silent replay.
func (s *Service) replayedAuthorize(ctx context.Context, in AuthorizeInput) (*State, *PayToken, error) {
	if in.IdempotencyKey == "" {
		return nil, nil, nil
	}
	rep, err := s.kernel.Replay(ctx, in.TenantID, in.IdempotencyKey, "gate.authorize-payment")
	if err != nil || rep == nil {
		return nil, nil, err
	}
	bindingHash, err := BindingHashOf(&in.RequestBinding)
	if err != nil {
		return nil, nil, err
	}
	if recorded, _ := rep.Event.Payload["bindingHash"].(string); recorded != bindingHash {
		return nil, nil, codes.New(codes.IdempotencyConflict, http.StatusConflict,
			"idempotency key replayed with a different request binding")
	}
	var next State
	if err := kernel.DecodeState(&rep.Snapshot, &next); err != nil {
		return nil, nil, err
	}
	return &next, payTokenFromPayload(rep.Event.Payload), nil
}

func payTokenPayload(token *PayToken) map[string]any {
	p := map[string]any{
		"schemaVersion":           token.SchemaVersion,
		"gateId":                  token.GateID,
		"amountCents":             token.AmountCents,
		"currency":                token.Currency,
		"bindingHash":             token.BindingHash,
		"effectiveDelegationHash": token.EffectiveDelegationHash,
		"issuedAt":                token.IssuedAt,
	}
	if len(token.LineageGrantHashes) > 0 {
		p["lineageGrantHashes"] = token.LineageGrantHashes
	}
	return p
}

// payTokenFromPayload rebuilds the minted token from the recorded payload.
func payTokenFromPayload(payload map[string]any) *PayToken {
	raw, ok := payload["payToken"].(map[string]any)
	if !ok {
		return nil
	}
	tok := &PayToken{}
	tok.SchemaVersion, _ = raw["schemaVersion"].(string)
	tok.GateID, _ = raw["gateId"].(string)
	if v, ok := raw["amountCents"].(float64); ok {
		tok.AmountCents = int64(v)
	}
	tok.Currency, _ = raw["currency"].(string)
	tok.BindingHash, _ = raw["bindingHash"].(string)
	tok.EffectiveDelegationHash, _ = raw["effectiveDelegationHash"].(string)
	tok.IssuedAt, _ = raw["issuedAt"].(string)
	if refs, ok := raw["lineageGrantHashes"].([]any); ok {
		for _, r := range refs {
			if h, ok := r.(string); ok {
				tok.LineageGrantHashes = append(tok.LineageGrantHashes, h)
			}
		}
	}
	return tok
}

// checkDelegation resolves the gate's delegation lineage and enforces the
// leaf grant's spend limits against the gate amount and the payer's rolling
// hold exposure.
func (s *Service) checkDelegation(ctx context.Context, tenantID string, st *State, now time.Time) (string, []string, error) {
	lineage, err := s.identity.ResolveLineage(ctx, tenantID, st.DelegationGrantRef, now)
	if err != nil {
		if coded := codes.AsError(err); coded != nil && coded.Code == codes.DelegationGrantRevoked {
			return "", nil, codes.New(codes.X402DelegationGrantRevoked, http.StatusConflict,
				"gate delegation grant was revoked")
		}
		return "", nil, err
	}
	leaf := lineage.Grants[0]
	limit := leaf.Scope.SpendLimit
	if limit != nil {
		if limit.MaxPerCallCents > 0 && st.AmountCents > limit.MaxPerCallCents {
			return "", nil, codes.Newf(codes.X402DelegationGrantPerCallExceeded, http.StatusConflict,
				"amount %d exceeds grant per-call limit %d", st.AmountCents, limit.MaxPerCallCents).
				WithDetails(map[string]any{"maxPerCallCents": limit.MaxPerCallCents})
		}
		exposure, err := s.holdExposure(ctx, tenantID, st.PayerAgentID, now)
		if err != nil {
			return "", nil, err
		}
		if limit.MaxDailyCents > 0 && exposure.daily+st.AmountCents > limit.MaxDailyCents {
			return "", nil, codes.Newf(codes.X402DelegationGrantTotalExceeded, http.StatusConflict,
				"daily exposure %d + %d exceeds grant limit %d", exposure.daily, st.AmountCents, limit.MaxDailyCents)
		}
		if limit.MaxTotalCents > 0 && exposure.total+st.AmountCents > limit.MaxTotalCents {
			return "", nil, codes.Newf(codes.X402DelegationGrantTotalExceeded, http.StatusConflict,
				"total exposure %d + %d exceeds grant limit %d", exposure.total, st.AmountCents, limit.MaxTotalCents)
		}
	}
	hashes := make([]string, 0, len(lineage.Grants))
	for _, g := range lineage.Grants {
		hashes = append(hashes, g.GrantHash)
	}
	return lineage.EffectiveDelegationHash, hashes, nil
}

type exposureSums struct {
	daily int64
	total int64
}

// holdExposure sums the payer's non-refunded holds, in total and within the
// rolling daily window.
func (s *Service) holdExposure(ctx context.Context, tenantID, agentID string, now time.Time) (exposureSums, error) {
	holds, err := s.kernel.Store().ListHolds(ctx, tenantOrDefault(tenantID), agentID, "")
	if err != nil {
		return exposureSums{}, err
	}
	window := s.policy.DailyWindow
	if window == 0 {
		window = 24 * time.Hour
	}
	cutoff := now.Add(-window)
	var sums exposureSums
	for _, h := range holds {
		if h.State == store.HoldRefunded {
			continue
		}
		sums.total += h.AmountCents
		if !h.CreatedAt.Before(cutoff) {
			sums.daily += h.AmountCents
		}
	}
	return sums, nil
}
