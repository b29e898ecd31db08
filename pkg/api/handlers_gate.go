package api

import (
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/dispute"
	"github.com/nooterra-labs/settld/pkg/gate"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/store"
)

type gateCreateRequest struct {
	GateID             string         `json:"gateId"`
	PayerAgentID       string         `json:"payerAgentId"`
	PayeeAgentID       string         `json:"payeeAgentId"`
	AmountCents        int64          `json:"amountCents"`
	Currency           string         `json:"currency"`
	ToolID             string         `json:"toolId,omitempty"`
	PolicyRef          string         `json:"policyRef,omitempty"`
	DelegationGrantRef string         `json:"delegationGrantRef,omitempty"`
	SponsorWalletRef   string         `json:"sponsorWalletRef,omitempty"`
	AgentPassport      map[string]any `json:"agentPassport,omitempty"`
	DisputeWindowDays  int            `json:"disputeWindowDays,omitempty"`
}

func (s *Server) handleGateCreate(w http.ResponseWriter, r *http.Request) {
	var req gateCreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, res, err := s.gates.Create(r.Context(), gate.CreateInput{
		TenantID:           TenantFrom(r.Context()),
		GateID:             req.GateID,
		PayerAgentID:       req.PayerAgentID,
		PayeeAgentID:       req.PayeeAgentID,
		AmountCents:        req.AmountCents,
		Currency:           req.Currency,
		ToolID:             req.ToolID,
		PolicyRef:          req.PolicyRef,
		DelegationGrantRef: req.DelegationGrantRef,
		SponsorWalletRef:   req.SponsorWalletRef,
		AgentPassport:      req.AgentPassport,
		DisputeWindowDays:  req.DisputeWindowDays,
		IdempotencyKey:     idempotencyKey(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"ok": true, "gate": st})
}

type gateAuthorizeRequest struct {
	GateID              string                   `json:"gateId"`
	RequestBinding      gate.RequestBinding      `json:"requestBinding"`
	ExecutionIntent     *gate.ExecutionIntent    `json:"executionIntent,omitempty"`
	SessionID           string                   `json:"sessionId,omitempty"`
	PromptRiskOverride  *gate.PromptRiskOverride `json:"promptRiskOverride,omitempty"`
	WalletDecisionToken string                   `json:"walletDecisionToken,omitempty"`
}

func (s *Server) handleGateAuthorize(w http.ResponseWriter, r *http.Request) {
	var req gateAuthorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, token, err := s.gates.AuthorizePayment(r.Context(), gate.AuthorizeInput{
		TenantID:              TenantFrom(r.Context()),
		GateID:                req.GateID,
		RequestBinding:        req.RequestBinding,
		ExecutionIntent:       req.ExecutionIntent,
		SessionID:             req.SessionID,
		PromptRiskOverride:    req.PromptRiskOverride,
		WalletDecisionToken:   req.WalletDecisionToken,
		IdempotencyKey:        idempotencyKey(r),
		ExpectedPrevChainHash: expectedPrevChainHash(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "gate": st, "payToken": token})
}

type gateVerifyRequest struct {
	GateID             string                  `json:"gateId"`
	VerificationStatus string                  `json:"verificationStatus"`
	RunStatus          string                  `json:"runStatus,omitempty"`
	VerificationMethod gate.VerificationMethod `json:"verificationMethod,omitempty"`
	EvidenceRefs       []string                `json:"evidenceRefs,omitempty"`
	Policy             gate.VerifyPolicy       `json:"policy"`
}

func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	var req gateVerifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.gates.Verify(r.Context(), gate.VerifyInput{
		TenantID:              TenantFrom(r.Context()),
		GateID:                req.GateID,
		VerificationStatus:    req.VerificationStatus,
		RunStatus:             req.RunStatus,
		VerificationMethod:    req.VerificationMethod,
		EvidenceRefs:          req.EvidenceRefs,
		Policy:                req.Policy,
		ExpectedPrevChainHash: expectedPrevChainHash(r),
		IdempotencyKey:        idempotencyKey(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "gate": st})
}

func (s *Server) handleGateGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.gates.Get(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if st == nil {
		writeError(w, r, codes.Newf(codes.X402GateNotFound, http.StatusNotFound, "gate %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "gate": st})
}

func (s *Server) handleGateCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.gates.Cancel(r.Context(), TenantFrom(r.Context()), r.PathValue("id"), req.Reason, expectedPrevChainHash(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "gate": st})
}

type openDisputeRequest struct {
	CaseID          string         `json:"caseId,omitempty"`
	OpenedBy        string         `json:"openedBy"`
	Reason          string         `json:"reason,omitempty"`
	BindingEvidence map[string]any `json:"bindingEvidence"`
	EvidenceRefs    []string       `json:"evidenceRefs,omitempty"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	dis, err := s.disputes.OpenDispute(r.Context(), dispute.OpenDisputeInput{
		TenantID:        TenantFrom(r.Context()),
		CaseID:          req.CaseID,
		GateID:          r.PathValue("id"),
		OpenedBy:        req.OpenedBy,
		Reason:          req.Reason,
		BindingEvidence: req.BindingEvidence,
		EvidenceRefs:    req.EvidenceRefs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "dispute": dis})
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, r *http.Request) {
	dis, err := s.disputes.GetDispute(r.Context(), TenantFrom(r.Context()), r.PathValue("caseId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dis == nil {
		writeError(w, r, codes.Newf(codes.NotFound, http.StatusNotFound, "dispute %s not found", r.PathValue("caseId")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dispute": dis})
}

func (s *Server) handleDisputeEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EvidenceRefs []string `json:"evidenceRefs"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	dis, err := s.disputes.AddDisputeEvidence(r.Context(), TenantFrom(r.Context()), r.PathValue("caseId"), req.EvidenceRefs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dispute": dis})
}

func (s *Server) handleDisputeWithdraw(w http.ResponseWriter, r *http.Request) {
	dis, err := s.disputes.WithdrawDispute(r.Context(), TenantFrom(r.Context()), r.PathValue("caseId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dispute": dis})
}

type escalateRequest struct {
	ArbitrationCaseID string         `json:"arbitrationCaseId,omitempty"`
	ArbiterID         string         `json:"arbiterId,omitempty"`
	BindingEvidence   map[string]any `json:"bindingEvidence"`
}

func (s *Server) handleDisputeEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	arb, err := s.disputes.Escalate(r.Context(), TenantFrom(r.Context()), r.PathValue("caseId"),
		req.ArbitrationCaseID, req.ArbiterID, req.BindingEvidence)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "arbitration": arb})
}

type resolveArbitrationRequest struct {
	Verdict         string         `json:"verdict"`
	ArbiterID       string         `json:"arbiterId,omitempty"`
	BindingEvidence map[string]any `json:"bindingEvidence"`
}

func (s *Server) handleArbitrationResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveArbitrationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	arb, err := s.disputes.ResolveArbitration(r.Context(), TenantFrom(r.Context()), r.PathValue("caseId"),
		req.Verdict, req.ArbiterID, req.BindingEvidence)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "arbitration": arb})
}

type walletCreateRequest struct {
	AgentID            string `json:"agentId"`
	OwnerID            string `json:"ownerId,omitempty"`
	InitialCreditCents int64  `json:"initialCreditCents,omitempty"`
	Currency           string `json:"currency,omitempty"`
}

// handleWalletCreate opens a sponsor wallet: the backing agent is registered
// when unknown, then the opening balance is credited.
func (s *Server) handleWalletCreate(w http.ResponseWriter, r *http.Request) {
	var req walletCreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenant := TenantFrom(r.Context())
	agent, err := s.identity.GetAgent(r.Context(), tenant, req.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agent == nil {
		if _, err := s.identity.RegisterAgent(r.Context(), identity.RegisterAgentInput{
			TenantID: tenant, AgentID: req.AgentID, OwnerID: req.OwnerID, Currency: req.Currency,
		}); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.InitialCreditCents > 0 {
		if _, err := s.identity.CreditWallet(r.Context(), tenant, req.AgentID,
			req.InitialCreditCents, req.Currency, "wallet opening credit", idempotencyKey(r)); err != nil {
			writeError(w, r, err)
			return
		}
	}
	wallet, err := s.store.GetWallet(r.Context(), tenant, req.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "wallet": wallet})
}

type walletAuthorizeRequest struct {
	MaxAmountCents          int64  `json:"maxAmountCents"`
	EffectiveDelegationHash string `json:"effectiveDelegationHash,omitempty"`
}

// handleWalletAuthorize mints a sponsor-wallet decision token the payer
// presents at gate authorize time.
func (s *Server) handleWalletAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		writeError(w, r, codes.New(codes.X402WalletIssuerDecisionRequired, http.StatusServiceUnavailable,
			"no wallet issuer is configured"))
		return
	}
	var req walletAuthorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, err := s.wallets.Issue(r.PathValue("ref"), req.MaxAmountCents, req.EffectiveDelegationHash, time.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "decisionToken": token})
}

// handleWalletLedger returns the wallet balances, active holds, and the
// ledger entries touching the wallet's accounts.
func (s *Server) handleWalletLedger(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	ref := r.PathValue("ref")
	wallet, err := s.store.GetWallet(r.Context(), tenant, ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wallet == nil {
		writeError(w, r, codes.Newf(codes.NotFound, http.StatusNotFound, "wallet %s not found", ref))
		return
	}
	holds, err := s.store.ListHolds(r.Context(), tenant, ref, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	all, err := s.store.ListLedgerEntries(r.Context(), tenant, time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var entries []store.LedgerEntry
	for _, entry := range all {
		for _, p := range entry.Postings {
			if p.AccountID == ledger.AvailableAccount(ref) || p.AccountID == ledger.EscrowAccount(ref) {
				entries = append(entries, entry)
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "wallet": wallet, "holds": holds, "entries": entries,
	})
}
