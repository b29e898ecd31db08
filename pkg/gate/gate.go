// Package gate implements the x402 payment gate: one bounded payment
// decision per tool call, from creation through authorization (escrow
// reserve), verification, and settlement, with dispute and arbitration
// transitions guarded by binding evidence.
package gate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Gate statuses.
const (
	StatusCreated        = "created"
	StatusAuthorized     = "authorized"
	StatusAwaitingManual = "awaiting_manual"
	StatusReleased       = "released"
	StatusRefunded       = "refunded"
	StatusPartial        = "partial"
	StatusCanceled       = "canceled"
	StatusDisputed       = "disputed"
	StatusArbitrating    = "arbitrating"
	StatusResolved       = "resolved"
)

// Policy bounds what gates a tenant may open.
type Policy struct {
	MaxAmountCents    int64
	DisputeWindowDays int
	DailyWindow       time.Duration
}

// DefaultPolicy caps single gates at $100 with a 7 day dispute window.
func DefaultPolicy() Policy {
	return Policy{MaxAmountCents: 10_000, DisputeWindowDays: 7, DailyWindow: 24 * time.Hour}
}

// RequestBinding is the canonical request fingerprint captured at authorize
// time. Downstream actions must reproduce it exactly.
type RequestBinding struct {
	Method     string `json:"method"`
	Host       string `json:"host"`
	Path       string `json:"path"`
	BodySha256 string `json:"bodySha256"`
}

// Settlement is the terminal money split.
type Settlement struct {
	Status              string `json:"status"`
	ReleasedAmountCents int64  `json:"releasedAmountCents"`
	RefundedAmountCents int64  `json:"refundedAmountCents"`
	LedgerEntryID       string `json:"ledgerEntryId,omitempty"`
	DisputeWindowEndsAt string `json:"disputeWindowEndsAt,omitempty"`
}

// State is the reduced state of a gate:<id> stream.
type State struct {
	GateID             string          `json:"gateId"`
	PayerAgentID       string          `json:"payerAgentId"`
	PayeeAgentID       string          `json:"payeeAgentId"`
	AmountCents        int64           `json:"amountCents"`
	Currency           string          `json:"currency"`
	ToolID             string          `json:"toolId,omitempty"`
	PolicyRef          string          `json:"policyRef,omitempty"`
	DelegationGrantRef string          `json:"delegationGrantRef,omitempty"`
	SponsorWalletRef   string          `json:"sponsorWalletRef,omitempty"`
	AgentPassport      map[string]any  `json:"agentPassport,omitempty"`
	Status             string          `json:"status"`
	HoldID             string          `json:"holdId,omitempty"`
	RequestBinding     *RequestBinding `json:"requestBinding"`
	BindingHash        string          `json:"bindingHash,omitempty"`
	ExecutionIntentKey string          `json:"executionIntentKey,omitempty"`
	TaintEvidenceRefs  []string        `json:"taintEvidenceRefs,omitempty"`
	VerificationStatus string          `json:"verificationStatus,omitempty"`
	VerifierID         string          `json:"verifierId,omitempty"`
	Settlement         *Settlement     `json:"settlement,omitempty"`
	DisputeWindowDays  int             `json:"disputeWindowDays,omitempty"`
	DisputeCaseID      string          `json:"disputeCaseId,omitempty"`
	ArbitrationCaseID  string          `json:"arbitrationCaseId,omitempty"`
	Verdict            string          `json:"verdict,omitempty"`
}

type gateReducer struct{}

func (gateReducer) Kind() string { return "X402Gate" }

func (gateReducer) Init(streamID string) any {
	return &State{Status: StatusCreated}
}

func (gateReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*State)
	switch ev.Type {
	case "GateCreated":
		s.GateID, _ = ev.Payload["gateId"].(string)
		s.PayerAgentID, _ = ev.Payload["payerAgentId"].(string)
		s.PayeeAgentID, _ = ev.Payload["payeeAgentId"].(string)
		if v, ok := ev.Payload["amountCents"].(float64); ok {
			s.AmountCents = int64(v)
		}
		s.Currency, _ = ev.Payload["currency"].(string)
		s.ToolID, _ = ev.Payload["toolId"].(string)
		s.PolicyRef, _ = ev.Payload["policyRef"].(string)
		s.DelegationGrantRef, _ = ev.Payload["delegationGrantRef"].(string)
		s.SponsorWalletRef, _ = ev.Payload["sponsorWalletRef"].(string)
		if passport, ok := ev.Payload["agentPassport"].(map[string]any); ok {
			s.AgentPassport = passport
		}
		if v, ok := ev.Payload["disputeWindowDays"].(float64); ok {
			s.DisputeWindowDays = int(v)
		}
		s.Status = StatusCreated
		s.RequestBinding = nil
	case "GatePaymentAuthorized":
		s.Status = StatusAuthorized
		s.HoldID, _ = ev.Payload["holdId"].(string)
		s.BindingHash, _ = ev.Payload["bindingHash"].(string)
		if rb, ok := ev.Payload["requestBinding"].(map[string]any); ok {
			b := &RequestBinding{}
			b.Method, _ = rb["method"].(string)
			b.Host, _ = rb["host"].(string)
			b.Path, _ = rb["path"].(string)
			b.BodySha256, _ = rb["bodySha256"].(string)
			s.RequestBinding = b
		}
		if dr, ok := ev.Payload["decisionRecord"].(map[string]any); ok {
			if key, ok := dr["executionIntentKey"].(string); ok {
				s.ExecutionIntentKey = key
			}
		}
		if refs, ok := ev.Payload["taintEvidenceRefs"].([]any); ok {
			s.TaintEvidenceRefs = s.TaintEvidenceRefs[:0]
			for _, r := range refs {
				if rs, ok := r.(string); ok {
					s.TaintEvidenceRefs = append(s.TaintEvidenceRefs, rs)
				}
			}
		}
	case "GateVerificationRecorded":
		s.VerificationStatus, _ = ev.Payload["verificationStatus"].(string)
		s.VerifierID, _ = ev.Payload["verifierId"].(string)
		if policy, ok := ev.Payload["policy"].(map[string]any); ok {
			if mode, _ := policy["mode"].(string); mode == "manual" {
				s.Status = StatusAwaitingManual
			}
		}
	case "GateSettlementResolved":
		st, _ := ev.Payload["status"].(string)
		released, _ := ev.Payload["releasedAmountCents"].(float64)
		refunded, _ := ev.Payload["refundedAmountCents"].(float64)
		entryID, _ := ev.Payload["ledgerEntryId"].(string)
		windowEnds, _ := ev.Payload["disputeWindowEndsAt"].(string)
		s.Settlement = &Settlement{
			Status:              st,
			ReleasedAmountCents: int64(released),
			RefundedAmountCents: int64(refunded),
			LedgerEntryID:       entryID,
			DisputeWindowEndsAt: windowEnds,
		}
		s.Status = st
	case "GateCanceled":
		s.Status = StatusCanceled
	case "GateDisputed":
		s.Status = StatusDisputed
		s.DisputeCaseID, _ = ev.Payload["caseId"].(string)
	case "GateDisputeClosed":
		// A withdrawn or expired dispute restores the settled status.
		if s.Settlement != nil {
			s.Status = s.Settlement.Status
		}
		s.DisputeCaseID = ""
	case "GateArbitrationStarted":
		s.Status = StatusArbitrating
		s.ArbitrationCaseID, _ = ev.Payload["caseId"].(string)
	case "GateResolved":
		s.Status = StatusResolved
		s.Verdict, _ = ev.Payload["verdict"].(string)
	default:
		return nil, fmt.Errorf("gate reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// RegisterReducers installs the gate, session, and governance reducers.
func RegisterReducers(reg *kernel.Registry) {
	reg.Register(gateReducer{})
	reg.Register(sessionReducer{})
	reg.Register(governanceReducer{})
}

// Service coordinates the gate state machine over the kernel.
type Service struct {
	kernel    *kernel.Kernel
	identity  *identity.Service
	policy    Policy
	verifiers *VerifierRegistry
	issuer    *WalletIssuer
	clock     func() time.Time
}

// NewService wires the gate service with the default policy and the
// built-in deterministic verifiers.
func NewService(k *kernel.Kernel, id *identity.Service) *Service {
	return &Service{
		kernel:    k,
		identity:  id,
		policy:    DefaultPolicy(),
		verifiers: BuiltinVerifiers(),
		clock:     time.Now,
	}
}

// WithPolicy overrides the gate policy.
func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p
	return s
}

// WithWalletIssuer installs the sponsor-wallet decision token issuer.
func (s *Service) WithWalletIssuer(iss *WalletIssuer) *Service {
	s.issuer = iss
	return s
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func gateStream(gateID string) string { return "gate:" + gateID }

// Get reads a gate's state.
func (s *Service) Get(ctx context.Context, tenantID, gateID string) (*State, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), gateStream(gateID))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st State
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) mustGet(ctx context.Context, tenantID, gateID string) (*State, *store.Snapshot, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), gateStream(gateID))
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		return nil, nil, codes.Newf(codes.X402GateNotFound, http.StatusNotFound, "gate %s not found", gateID)
	}
	var st State
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, nil, err
	}
	return &st, snap, nil
}

// CreateInput describes a new gate.
type CreateInput struct {
	TenantID           string
	GateID             string
	PayerAgentID       string
	PayeeAgentID       string
	AmountCents        int64
	Currency           string
	ToolID             string
	PolicyRef          string
	DelegationGrantRef string
	SponsorWalletRef   string
	AgentPassport      map[string]any
	DisputeWindowDays  int
	IdempotencyKey     string
}

// Create validates both parties and the amount policy and opens the gate
// with a null request binding.
func (s *Service) Create(ctx context.Context, in CreateInput) (*State, *kernel.AppendResult, error) {
	if _, err := s.identity.RequireActive(ctx, in.TenantID, in.PayerAgentID, "payer"); err != nil {
		return nil, nil, err
	}
	if _, err := s.identity.RequireActive(ctx, in.TenantID, in.PayeeAgentID, "payee"); err != nil {
		return nil, nil, err
	}
	if s.policy.MaxAmountCents > 0 && in.AmountCents > s.policy.MaxAmountCents {
		return nil, nil, codes.Newf(codes.X402AmountExceedsPolicy, http.StatusConflict,
			"amount %d exceeds policy maximum %d", in.AmountCents, s.policy.MaxAmountCents).
			WithDetails(map[string]any{"maxAmountCents": s.policy.MaxAmountCents})
	}
	if in.GateID == "" {
		in.GateID = "gate_" + uuid.NewString()
	}
	windowDays := in.DisputeWindowDays
	if windowDays == 0 {
		windowDays = s.policy.DisputeWindowDays
	}

	payload := map[string]any{
		"gateId":            in.GateID,
		"payerAgentId":      in.PayerAgentID,
		"payeeAgentId":      in.PayeeAgentID,
		"amountCents":       in.AmountCents,
		"currency":          in.Currency,
		"disputeWindowDays": windowDays,
	}
	if in.ToolID != "" {
		payload["toolId"] = in.ToolID
	}
	if in.PolicyRef != "" {
		payload["policyRef"] = in.PolicyRef
	}
	if in.DelegationGrantRef != "" {
		payload["delegationGrantRef"] = in.DelegationGrantRef
	}
	if in.SponsorWalletRef != "" {
		payload["sponsorWalletRef"] = in.SponsorWalletRef
	}
	if in.AgentPassport != nil {
		payload["agentPassport"] = in.AgentPassport
	}

	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: gateStream(in.GateID), Kind: "X402Gate",
		Type: "GateCreated", Actor: in.PayerAgentID, Payload: payload,
		IdempotencyKey: in.IdempotencyKey, RouteBindingHash: "gate.create",
	})
	if err != nil {
		return nil, nil, err
	}
	var st State
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, nil, err
	}
	return &st, res, nil
}

// Cancel terminates a gate before settlement. An authorized gate's hold is
// refunded in full.
func (s *Service) Cancel(ctx context.Context, tenantID, gateID, reason string, expectedPrevChainHash *string) (*State, error) {
	st, snap, err := s.mustGet(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusCreated && st.Status != StatusAuthorized {
		return nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s cannot be canceled from %s", gateID, st.Status)
	}
	var extra []store.Op
	if st.Status == StatusAuthorized {
		extra, _, err = s.settleHoldOps(ctx, tenantID, st, 0, st.AmountCents)
		if err != nil {
			return nil, err
		}
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if expectedPrevChainHash == nil {
		expectedPrevChainHash = &snap.LastChainHash
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: gateStream(gateID), Kind: "X402Gate",
		Type: "GateCanceled", Actor: st.PayerAgentID, Payload: payload,
		ExpectedPrevChainHash: expectedPrevChainHash, ChainSensitive: true,
		ExtraOps: extra,
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

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}
