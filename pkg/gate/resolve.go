package gate

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Verdicts.
const (
	VerdictUphold  = "uphold"
	VerdictReverse = "reverse"
)

// MarkDisputed moves a settled gate into the disputed state. The dispute
// window must still be open and the caller must reproduce the binding.
func (s *Service) MarkDisputed(ctx context.Context, tenantID, gateID, caseID string, bindingEvidence map[string]any) (*State, error) {
	st, snap, err := s.mustGet(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StatusReleased, StatusPartial, StatusRefunded:
	default:
		return nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s cannot be disputed from %s", gateID, st.Status)
	}
	if err := RequireBindingEvidence(st, ActionDispute, bindingEvidence); err != nil {
		return nil, err
	}
	open, err := InDisputeWindow(st, s.clock().UTC())
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, codes.Newf(codes.X402DisputeWindowClosed, http.StatusConflict,
			"dispute window for gate %s has closed", gateID)
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: gateStream(gateID), Kind: "X402Gate",
		Type: "GateDisputed", Actor: st.PayerAgentID,
		Payload:               map[string]any{"caseId": caseID},
		ExpectedPrevChainHash: &snap.LastChainHash, ChainSensitive: true,
	})
	if err != nil {
		return nil, err
	}
	var next State
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// CloseDispute returns a disputed gate to its settled status when the
// dispute case ends without arbitration (withdrawn, or expired and
// auto-closed by the window worker).
func (s *Service) CloseDispute(ctx context.Context, tenantID, gateID, caseID, outcome string) (*State, error) {
	st, snap, err := s.mustGet(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusDisputed {
		return nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s has no open dispute to close", gateID)
	}
	if outcome != "withdrawn" && outcome != "auto_closed" {
		return nil, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "dispute close outcome %q invalid", outcome)
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: gateStream(gateID), Kind: "X402Gate",
		Type: "GateDisputeClosed", Actor: "dispute",
		Payload:               map[string]any{"caseId": caseID, "outcome": outcome},
		ExpectedPrevChainHash: &snap.LastChainHash, ChainSensitive: true,
	})
	if err != nil {
		return nil, err
	}
	var next State
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// MarkArbitrating escalates a disputed gate into arbitration.
func (s *Service) MarkArbitrating(ctx context.Context, tenantID, gateID, caseID string, bindingEvidence map[string]any) (*State, error) {
	st, snap, err := s.mustGet(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusDisputed {
		return nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s cannot enter arbitration from %s", gateID, st.Status)
	}
	if err := RequireBindingEvidence(st, ActionArbitration, bindingEvidence); err != nil {
		return nil, err
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: gateStream(gateID), Kind: "X402Gate",
		Type: "GateArbitrationStarted", Actor: "arbitration",
		Payload:               map[string]any{"caseId": caseID},
		ExpectedPrevChainHash: &snap.LastChainHash, ChainSensitive: true,
	})
	if err != nil {
		return nil, err
	}
	var next State
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Resolve applies an arbitration verdict. Uphold keeps the settlement;
// reverse claws the released amount back from the payee to the payer in a
// balanced ledger entry committed with the event.
func (s *Service) Resolve(ctx context.Context, tenantID, gateID, verdict string, bindingEvidence map[string]any) (*State, error) {
	st, snap, err := s.mustGet(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusArbitrating {
		return nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s cannot be resolved from %s", gateID, st.Status)
	}
	if verdict != VerdictUphold && verdict != VerdictReverse {
		return nil, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "verdict %q invalid", verdict)
	}
	if err := RequireBindingEvidence(st, ActionSettlement, bindingEvidence); err != nil {
		return nil, err
	}

	payload := map[string]any{"verdict": verdict}
	var extra []store.Op
	if verdict == VerdictReverse && st.Settlement != nil && st.Settlement.ReleasedAmountCents > 0 {
		ops, entryID, err := s.reversalOps(ctx, tenantID, st, st.Settlement.ReleasedAmountCents)
		if err != nil {
			return nil, err
		}
		extra = ops
		payload["ledgerEntryId"] = entryID
	}

	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: gateStream(gateID), Kind: "X402Gate",
		Type: "GateResolved", Actor: "arbiter", Payload: payload,
		ExpectedPrevChainHash: &snap.LastChainHash, ChainSensitive: true,
		ExtraOps:              extra,
	})
	if err != nil {
		return nil, err
	}
	var next State
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// reversalOps moves amountCents from the payee's available balance back to
// the payer's.
func (s *Service) reversalOps(ctx context.Context, tenantID string, st *State, amountCents int64) ([]store.Op, string, error) {
	tenant := tenantOrDefault(tenantID)
	now := s.clock().UTC()
	payee, err := s.kernel.Store().GetWallet(ctx, tenant, st.PayeeAgentID)
	if err != nil {
		return nil, "", err
	}
	payer, err := s.kernel.Store().GetWallet(ctx, tenant, st.PayerAgentID)
	if err != nil {
		return nil, "", err
	}
	if payee == nil || payer == nil {
		return nil, "", codes.New(codes.NotFound, http.StatusNotFound, "gate wallets not found")
	}
	nextPayee := *payee
	nextPayee.AvailableCents -= amountCents
	nextPayee.UpdatedAt = now
	nextPayer := *payer
	nextPayer.AvailableCents += amountCents
	nextPayer.UpdatedAt = now

	entryID := "le_" + uuid.NewString()
	entry := &store.LedgerEntry{
		TenantID: tenant, EntryID: entryID, At: now, Memo: "arbitration reversal " + st.GateID,
		Postings: []store.Posting{
			{PostingID: entryID + ":d", AccountID: ledger.AvailableAccount(st.PayeeAgentID), Direction: store.Debit, Currency: st.Currency, AmountCents: amountCents,
				PartyRef: &store.PartyRef{PartyID: st.PayeeAgentID, PartyRole: "payee"}},
			{PostingID: entryID + ":c", AccountID: ledger.AvailableAccount(st.PayerAgentID), Direction: store.Credit, Currency: st.Currency, AmountCents: amountCents,
				PartyRef: &store.PartyRef{PartyID: st.PayerAgentID, PartyRole: "payer"}},
		},
	}
	return []store.Op{
		{Kind: store.OpWalletUpsert, Wallet: &nextPayee},
		{Kind: store.OpWalletUpsert, Wallet: &nextPayer},
		{Kind: store.OpLedgerEntryAppend, LedgerEntry: entry},
	}, entryID, nil
}
