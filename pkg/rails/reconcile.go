package rails

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Mismatch codes recorded on triage rows.
const (
	MismatchMissingConfirmation = "RECON_MISSING_RAIL_CONFIRMATION"
	MismatchOrphanOperation     = "RECON_ORPHAN_RAIL_OPERATION"
	MismatchAmount              = "RECON_AMOUNT_MISMATCH"
)

// PayoutInstructionType is the artifact type the reconciler treats as the
// expectation side.
const PayoutInstructionType = "PayoutInstruction.v1"

// payoutInstruction is the artifact core the reconciler reads.
type payoutInstruction struct {
	ProviderID  string `json:"providerId"`
	PartyID     string `json:"partyId"`
	Period      string `json:"period"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// BuildPayoutInstruction mints the content-addressed expectation artifact
// for one party's period payout.
func BuildPayoutInstruction(tenantID, providerID, partyID, period string, amountCents int64, currency string, at time.Time) (*store.Artifact, error) {
	return artifacts.Build(tenantOrDefault(tenantID), PayoutInstructionType, map[string]any{
		"schemaVersion": PayoutInstructionType,
		"providerId":    providerID,
		"partyId":       partyID,
		"period":        period,
		"amountCents":   amountCents,
		"currency":      currency,
	}, at)
}

// Mismatch is one reconciliation divergence.
type Mismatch struct {
	SourceType   string `json:"sourceType"`
	MismatchType string `json:"mismatchType"`
	MismatchKey  string `json:"mismatchKey"`
	MismatchCode string `json:"mismatchCode"`
	TriageKey    string `json:"triageKey"`
}

// ReconcileReport summarizes one reconciler pass.
type ReconcileReport struct {
	ProviderID string     `json:"providerId"`
	Period     string     `json:"period"`
	Expected   int        `json:"expected"`
	Matched    int        `json:"matched"`
	Mismatches []Mismatch `json:"mismatches"`
}

// TriageKeyOf derives the stable triage identity for a mismatch.
func TriageKeyOf(sourceType, mismatchType, mismatchKey string) string {
	return canon.MustHash(map[string]any{
		"sourceType":   sourceType,
		"mismatchType": mismatchType,
		"mismatchKey":  mismatchKey,
	})
}

// Reconcile compares PayoutInstruction artifacts against rail operation
// outcomes for one (provider, period) and files a triage item per
// divergence. Re-running never clobbers a triage row already under way:
// existing rows keep their status and owner.
func (s *Service) Reconcile(ctx context.Context, tenantID, providerID, period string) (*ReconcileReport, error) {
	tenant := tenantOrDefault(tenantID)
	report := &ReconcileReport{ProviderID: providerID, Period: period}

	arts, err := s.kernel.Store().ListArtifacts(ctx, tenant, PayoutInstructionType)
	if err != nil {
		return nil, err
	}
	expected := make(map[string]payoutInstruction)
	for _, a := range arts {
		var pi payoutInstruction
		if err := json.Unmarshal(a.Core, &pi); err != nil {
			continue
		}
		if pi.ProviderID == providerID && pi.Period == period {
			expected[a.ArtifactID] = pi
		}
	}
	report.Expected = len(expected)

	snaps, err := s.kernel.Store().ListSnapshots(ctx, tenant, "MoneyRail")
	if err != nil {
		return nil, err
	}
	ops := make([]OperationState, 0, len(snaps))
	for i := range snaps {
		var op OperationState
		if err := kernel.DecodeState(&snaps[i], &op); err != nil {
			return nil, err
		}
		if op.ProviderID == providerID && op.Period == period {
			ops = append(ops, op)
		}
	}

	byInstruction := make(map[string]*OperationState)
	for i := range ops {
		if id := ops[i].PayoutInstructionArtifactID; id != "" {
			byInstruction[id] = &ops[i]
		}
	}

	instructionIDs := make([]string, 0, len(expected))
	for id := range expected {
		instructionIDs = append(instructionIDs, id)
	}
	sort.Strings(instructionIDs)

	for _, id := range instructionIDs {
		pi := expected[id]
		op := byInstruction[id]
		switch {
		case op == nil || op.Status == StatusInitiated || op.Status == StatusSubmitted || op.Status == StatusFailed:
			report.Mismatches = append(report.Mismatches, Mismatch{
				SourceType:   "payout_instruction",
				MismatchType: "missing_rail_confirmation",
				MismatchKey:  id,
				MismatchCode: MismatchMissingConfirmation,
			})
		case op.AmountCents != pi.AmountCents:
			report.Mismatches = append(report.Mismatches, Mismatch{
				SourceType:   "payout_instruction",
				MismatchType: "amount_mismatch",
				MismatchKey:  id,
				MismatchCode: MismatchAmount,
			})
		default:
			report.Matched++
		}
	}

	for i := range ops {
		op := &ops[i]
		if op.Status != StatusConfirmed && op.Status != StatusReversed {
			continue
		}
		if op.PayoutInstructionArtifactID != "" {
			if _, ok := expected[op.PayoutInstructionArtifactID]; ok {
				continue
			}
		}
		report.Mismatches = append(report.Mismatches, Mismatch{
			SourceType:   "rail_operation",
			MismatchType: "orphan_rail_operation",
			MismatchKey:  op.OperationID,
			MismatchCode: MismatchOrphanOperation,
		})
	}

	if len(report.Mismatches) == 0 {
		return report, nil
	}

	now := s.clock().UTC()
	var triageOps []store.Op
	for i := range report.Mismatches {
		m := &report.Mismatches[i]
		m.TriageKey = TriageKeyOf(m.SourceType, m.MismatchType, m.MismatchKey)
		existing, err := s.kernel.Store().GetTriage(ctx, tenant, m.TriageKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		triageOps = append(triageOps, store.Op{Kind: store.OpTriageUpsert, Triage: &store.TriageItem{
			TenantID:     tenant,
			TriageKey:    m.TriageKey,
			SourceType:   m.SourceType,
			MismatchType: m.MismatchType,
			MismatchKey:  m.MismatchKey,
			MismatchCode: m.MismatchCode,
			Status:       store.TriageOpen,
			Severity:     "normal",
			Revision:     1,
			UpdatedAt:    now,
		}})
	}
	if len(triageOps) > 0 {
		if err := s.kernel.Store().CommitTx(ctx, store.Tx{At: now, Ops: triageOps}); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// UpdateTriageInput is one triage row update.
type UpdateTriageInput struct {
	TenantID         string
	TriageKey        string
	Status           string
	OwnerPrincipalID string
	Notes            string
	Severity         string
	IdempotencyKey   string
}

const triageUpdateRoute = "rails.triage-update"

// UpdateTriage advances a triage row. Updates are idempotent on
// (tenantId, idempotencyKey): a replay returns the memoized row without a
// second write, and reusing the key with a different body conflicts.
func (s *Service) UpdateTriage(ctx context.Context, in UpdateTriageInput) (*store.TriageItem, bool, error) {
	tenant := tenantOrDefault(in.TenantID)
	switch in.Status {
	case store.TriageOpen, store.TriageInProgress, store.TriageResolved:
	default:
		return nil, false, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "invalid triage status %q", in.Status)
	}
	bodyHash, err := canon.Hash(map[string]any{
		"triageKey": in.TriageKey, "status": in.Status,
		"ownerPrincipalId": in.OwnerPrincipalID, "notes": in.Notes, "severity": in.Severity,
	})
	if err != nil {
		return nil, false, err
	}

	if in.IdempotencyKey != "" {
		rec, err := s.kernel.Store().GetIdempotency(ctx, tenant, in.IdempotencyKey, triageUpdateRoute)
		if err != nil {
			return nil, false, err
		}
		if rec != nil {
			if rec.BodyHash != bodyHash {
				return nil, false, codes.New(codes.IdempotencyConflict, http.StatusConflict,
					"idempotency key replayed with a different body")
			}
			var item store.TriageItem
			if err := json.Unmarshal(rec.Response, &item); err != nil {
				return nil, false, err
			}
			return &item, true, nil
		}
	}

	existing, err := s.kernel.Store().GetTriage(ctx, tenant, in.TriageKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, codes.Newf(codes.TriageNotFound, http.StatusNotFound, "triage item %s not found", in.TriageKey)
	}

	now := s.clock().UTC()
	next := *existing
	next.Status = in.Status
	if in.OwnerPrincipalID != "" {
		next.OwnerPrincipalID = in.OwnerPrincipalID
	}
	if in.Notes != "" {
		next.Notes = in.Notes
	}
	if in.Severity != "" {
		next.Severity = in.Severity
	}
	next.Revision = existing.Revision + 1
	next.UpdatedAt = now

	ops := []store.Op{{Kind: store.OpTriageUpsert, Triage: &next}}
	if in.IdempotencyKey != "" {
		resBytes, err := json.Marshal(next)
		if err != nil {
			return nil, false, err
		}
		ops = append(ops, store.Op{Kind: store.OpIdempotencyPut, Idempotency: &store.Idempotency{
			TenantID:         tenant,
			Key:              in.IdempotencyKey,
			RouteBindingHash: triageUpdateRoute,
			BodyHash:         bodyHash,
			Status:           http.StatusOK,
			Response:         resBytes,
			CreatedAt:        now,
		}})
	}
	if err := s.kernel.Store().CommitTx(ctx, store.Tx{At: now, Ops: ops}); err != nil {
		return nil, false, err
	}
	return &next, false, nil
}
