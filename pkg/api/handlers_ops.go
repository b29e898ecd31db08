package api

import (
	"io"
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/billing"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/rails"
	"github.com/nooterra-labs/settld/pkg/store"
)

type issueGrantRequest struct {
	GrantID         string           `json:"grantId,omitempty"`
	Kind            string           `json:"kind"`
	IssuerID        string           `json:"issuerId"`
	SubjectID       string           `json:"subjectId"`
	Scope           store.GrantScope `json:"scope"`
	Validity        store.Validity   `json:"validity"`
	ParentGrantHash string           `json:"parentGrantHash,omitempty"`
	MaxDepth        int              `json:"maxDepth,omitempty"`
}

func (s *Server) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	var req issueGrantRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = store.GrantDelegation
	}
	grant, err := s.identity.IssueGrant(r.Context(), identity.IssueGrantInput{
		TenantID:        TenantFrom(r.Context()),
		GrantID:         req.GrantID,
		Kind:            req.Kind,
		IssuerID:        req.IssuerID,
		SubjectID:       req.SubjectID,
		Scope:           req.Scope,
		Validity:        req.Validity,
		ParentGrantHash: req.ParentGrantHash,
		MaxDepth:        req.MaxDepth,
		IdempotencyKey:  idempotencyKey(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "grant": grant})
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason    string `json:"reason,omitempty"`
		RevokedBy string `json:"revokedBy,omitempty"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	grant, err := s.identity.RevokeGrant(r.Context(), TenantFrom(r.Context()), r.PathValue("id"), req.Reason, req.RevokedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "grant": grant})
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.store.ListGrants(r.Context(), TenantFrom(r.Context()), r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "grants": grants})
}

type monthCloseRequest struct {
	Month string `json:"month"`
	Basis string `json:"basis,omitempty"`
}

// handleMonthCloseRequest marks the month for closing; the month-close
// worker performs the actual close on its next tick.
func (s *Server) handleMonthCloseRequest(w http.ResponseWriter, r *http.Request) {
	var req monthCloseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.ledger.RequestMonthClose(r.Context(), TenantFrom(r.Context()), req.Month, req.Basis, idempotencyKey(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "monthClose": st})
}

func (s *Server) handleMonthCloseGet(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		writeError(w, r, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "month query parameter is required"))
		return
	}
	st, err := s.ledger.GetMonthClose(r.Context(), TenantFrom(r.Context()), month)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if st == nil {
		writeError(w, r, codes.Newf(codes.NotFound, http.StatusNotFound, "month %s has no close record", month))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "monthClose": st})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	period := r.URL.Query().Get("period")
	if provider == "" || period == "" {
		writeError(w, r, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "provider and period query parameters are required"))
		return
	}
	report, err := s.rails.Reconcile(r.Context(), TenantFrom(r.Context()), provider, period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

type triageUpdateRequest struct {
	TriageKey        string `json:"triageKey"`
	Status           string `json:"status"`
	OwnerPrincipalID string `json:"ownerPrincipalId,omitempty"`
	Notes            string `json:"notes,omitempty"`
	Severity         string `json:"severity,omitempty"`
}

func (s *Server) handleTriageUpdate(w http.ResponseWriter, r *http.Request) {
	var req triageUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	item, replayed, err := s.rails.UpdateTriage(r.Context(), rails.UpdateTriageInput{
		TenantID:         TenantFrom(r.Context()),
		TriageKey:        req.TriageKey,
		Status:           req.Status,
		OwnerPrincipalID: req.OwnerPrincipalID,
		Notes:            req.Notes,
		Severity:         req.Severity,
		IdempotencyKey:   idempotencyKey(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "triage": item, "replayed": replayed})
}

// handleBillingWebhook authenticates by provider signature, not bearer
// credentials, so it bypasses the auth middleware.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		writeError(w, r, codes.New(codes.BillingProviderUpstreamError, http.StatusServiceUnavailable,
			"billing ingest is not configured"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "webhook body is unreadable"))
		return
	}
	tenant := r.Header.Get(headerTenant)
	sub, replayed, err := s.billing.IngestWebhook(r.Context(), billing.WebhookInput{
		TenantID:   tenant,
		ProviderID: r.PathValue("provider"),
		Signature:  r.Header.Get("stripe-signature"),
		Body:       body,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subscription": sub, "replayed": replayed})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		writeError(w, r, codes.New(codes.BillingDeadLetterNotFound, http.StatusServiceUnavailable,
			"billing ingest is not configured"))
		return
	}
	sub, err := s.billing.ReplayDeadLetter(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subscription": sub})
}

// handleOpsStatus reports worker lease occupancy and finance queue depth.
func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	leases, err := s.store.ListLeases(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	deadLetters, err := s.store.ListDeadLetters(r.Context(), tenant, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	triage, err := s.store.ListTriage(r.Context(), tenant, store.TriageOpen)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"protocol":        ProtocolVersion,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"workerLeases":    leases,
		"deadLetterCount": len(deadLetters),
		"openTriageCount": len(triage),
	})
}
