package api

import (
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/kernel"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"protocol": ProtocolVersion,
		"surfaces": []string{"agents", "x402", "delegation-grants", "ops"},
	})
}

type registerAgentRequest struct {
	AgentID      string   `json:"agentId"`
	OwnerID      string   `json:"ownerId"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	PublicKeyHex string   `json:"publicKeyHex,omitempty"`
	Currency     string   `json:"currency,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenant := TenantFrom(r.Context())
	res, err := s.identity.RegisterAgent(r.Context(), identity.RegisterAgentInput{
		TenantID:       tenant,
		AgentID:        req.AgentID,
		OwnerID:        req.OwnerID,
		DisplayName:    req.DisplayName,
		Capabilities:   req.Capabilities,
		PublicKeyHex:   req.PublicKeyHex,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := s.identity.GetAgent(r.Context(), tenant, req.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"ok": true, "agent": agent, "chainHash": res.Event.ChainHash})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(r.Context(), TenantFrom(r.Context()), "Agent")
	if err != nil {
		writeError(w, r, err)
		return
	}
	agents := make([]identity.AgentState, 0, len(snaps))
	for i := range snaps {
		var st identity.AgentState
		if err := kernel.DecodeState(&snaps[i], &st); err != nil {
			writeError(w, r, err)
			return
		}
		agents = append(agents, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.identity.GetAgent(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agent == nil {
		writeError(w, r, codes.Newf(codes.NotFound, http.StatusNotFound, "agent %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": agent})
}

type creditWalletRequest struct {
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Memo        string `json:"memo,omitempty"`
}

func (s *Server) handleCreditWallet(w http.ResponseWriter, r *http.Request) {
	var req creditWalletRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenant := TenantFrom(r.Context())
	agentID := r.PathValue("id")
	if _, err := s.identity.CreditWallet(r.Context(), tenant, agentID,
		req.AmountCents, req.Currency, req.Memo, idempotencyKey(r)); err != nil {
		writeError(w, r, err)
		return
	}
	wallet, err := s.store.GetWallet(r.Context(), tenant, agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "wallet": wallet})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wallet == nil {
		writeError(w, r, codes.Newf(codes.NotFound, http.StatusNotFound, "wallet for agent %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "wallet": wallet})
}

type createRunRequest struct {
	RunID             string `json:"runId"`
	JobID             string `json:"jobId,omitempty"`
	QuotedAmountCents int64  `json:"quotedAmountCents"`
	Currency          string `json:"currency"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.identity.CreateRun(r.Context(), TenantFrom(r.Context()), r.PathValue("id"),
		req.RunID, req.JobID, req.QuotedAmountCents, req.Currency)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "runId": req.RunID, "chainHash": res.Event.ChainHash})
}

type runEventRequest struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

func (s *Server) handleAppendRunEvent(w http.ResponseWriter, r *http.Request) {
	var req runEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.identity.AppendRunEvent(r.Context(), TenantFrom(r.Context()),
		r.PathValue("id"), r.PathValue("runId"), req.Kind, req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chainHash": res.Event.ChainHash})
}

type completeRunRequest struct {
	Status    string `json:"status"`
	SettledAt string `json:"settledAt,omitempty"`
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	settledAt := time.Now().UTC()
	if req.SettledAt != "" {
		t, err := time.Parse(time.RFC3339, req.SettledAt)
		if err != nil {
			writeError(w, r, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "settledAt is not RFC 3339"))
			return
		}
		settledAt = t
	}
	res, err := s.identity.CompleteRun(r.Context(), TenantFrom(r.Context()),
		r.PathValue("id"), r.PathValue("runId"), req.Status, settledAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chainHash": res.Event.ChainHash})
}
