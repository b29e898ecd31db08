// Package dispute runs the dispute and arbitration case machines. Each case
// is its own aggregate; transitions drive the matching payment gate
// transition, which enforces binding evidence and window checks.
package dispute

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/gate"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Dispute case statuses.
const (
	DisputeOpen      = "open"
	DisputeEscalated = "escalated"
	DisputeClosed    = "closed"
)

// Dispute close outcomes.
const (
	OutcomeWithdrawn  = "withdrawn"
	OutcomeSettled    = "settled"
	OutcomeEscalated  = "escalated"
	OutcomeAutoClosed = "auto_closed"
)

// Arbitration case statuses.
const (
	ArbitrationOpen     = "open"
	ArbitrationResolved = "resolved"
)

// DisputeState is the reduced state of a dispute:<caseId> stream.
type DisputeState struct {
	CaseID            string   `json:"caseId"`
	GateID            string   `json:"gateId"`
	OpenedBy          string   `json:"openedBy"`
	Reason            string   `json:"reason,omitempty"`
	Status            string   `json:"status"`
	Outcome           string   `json:"outcome,omitempty"`
	EvidenceRefs      []string `json:"evidenceRefs,omitempty"`
	ArbitrationCaseID string   `json:"arbitrationCaseId,omitempty"`
}

type disputeReducer struct{}

func (disputeReducer) Kind() string { return "DisputeCase" }

func (disputeReducer) Init(streamID string) any {
	return &DisputeState{Status: DisputeOpen}
}

func (disputeReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*DisputeState)
	switch ev.Type {
	case "DisputeOpened":
		s.CaseID, _ = ev.Payload["caseId"].(string)
		s.GateID, _ = ev.Payload["gateId"].(string)
		s.OpenedBy, _ = ev.Payload["openedBy"].(string)
		s.Reason, _ = ev.Payload["reason"].(string)
		s.Status = DisputeOpen
		s.EvidenceRefs = appendRefs(s.EvidenceRefs, ev.Payload["evidenceRefs"])
	case "DisputeEvidenceAdded":
		s.EvidenceRefs = appendRefs(s.EvidenceRefs, ev.Payload["evidenceRefs"])
	case "DisputeEscalated":
		s.Status = DisputeEscalated
		s.ArbitrationCaseID, _ = ev.Payload["arbitrationCaseId"].(string)
	case "DisputeClosed":
		s.Status = DisputeClosed
		s.Outcome, _ = ev.Payload["outcome"].(string)
	default:
		return nil, fmt.Errorf("dispute reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// ArbitrationState is the reduced state of an arbitration:<caseId> stream.
type ArbitrationState struct {
	CaseID        string   `json:"caseId"`
	GateID        string   `json:"gateId"`
	DisputeCaseID string   `json:"disputeCaseId"`
	ArbiterID     string   `json:"arbiterId,omitempty"`
	Status        string   `json:"status"`
	Verdict       string   `json:"verdict,omitempty"`
	EvidenceRefs  []string `json:"evidenceRefs,omitempty"`
}

type arbitrationReducer struct{}

func (arbitrationReducer) Kind() string { return "ArbitrationCase" }

func (arbitrationReducer) Init(streamID string) any {
	return &ArbitrationState{Status: ArbitrationOpen}
}

func (arbitrationReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*ArbitrationState)
	switch ev.Type {
	case "ArbitrationOpened":
		s.CaseID, _ = ev.Payload["caseId"].(string)
		s.GateID, _ = ev.Payload["gateId"].(string)
		s.DisputeCaseID, _ = ev.Payload["disputeCaseId"].(string)
		s.ArbiterID, _ = ev.Payload["arbiterId"].(string)
		s.Status = ArbitrationOpen
	case "ArbitrationEvidenceAdded":
		s.EvidenceRefs = appendRefs(s.EvidenceRefs, ev.Payload["evidenceRefs"])
	case "ArbitrationResolved":
		s.Status = ArbitrationResolved
		s.Verdict, _ = ev.Payload["verdict"].(string)
		if arbiter, ok := ev.Payload["arbiterId"].(string); ok && arbiter != "" {
			s.ArbiterID = arbiter
		}
	default:
		return nil, fmt.Errorf("arbitration reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

func appendRefs(existing []string, raw any) []string {
	refs, ok := raw.([]any)
	if !ok {
		return existing
	}
	for _, r := range refs {
		rs, ok := r.(string)
		if !ok {
			continue
		}
		dup := false
		for _, have := range existing {
			if have == rs {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, rs)
		}
	}
	return existing
}

// RegisterReducers installs the dispute and arbitration reducers.
func RegisterReducers(reg *kernel.Registry) {
	reg.Register(disputeReducer{})
	reg.Register(arbitrationReducer{})
}

// Service coordinates case aggregates and their gate transitions.
type Service struct {
	kernel *kernel.Kernel
	gates  *gate.Service
	clock  func() time.Time
}

// NewService wires the dispute service.
func NewService(k *kernel.Kernel, gates *gate.Service) *Service {
	return &Service{kernel: k, gates: gates, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func disputeStream(caseID string) string     { return "dispute:" + caseID }
func arbitrationStream(caseID string) string { return "arbitration:" + caseID }

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}

// GetDispute reads a dispute case, nil when unknown.
func (s *Service) GetDispute(ctx context.Context, tenantID, caseID string) (*DisputeState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), disputeStream(caseID))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st DisputeState
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetArbitration reads an arbitration case, nil when unknown.
func (s *Service) GetArbitration(ctx context.Context, tenantID, caseID string) (*ArbitrationState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), arbitrationStream(caseID))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st ArbitrationState
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) mustGetDispute(ctx context.Context, tenantID, caseID string) (*DisputeState, error) {
	st, err := s.GetDispute(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, codes.Newf(codes.NotFound, http.StatusNotFound, "dispute case %s not found", caseID)
	}
	return st, nil
}

// OpenDisputeInput describes a new dispute case against a settled gate.
type OpenDisputeInput struct {
	TenantID        string
	CaseID          string
	GateID          string
	OpenedBy        string
	Reason          string
	BindingEvidence map[string]any
	EvidenceRefs    []string
}

// OpenDispute marks the gate disputed (enforcing binding evidence and the
// dispute window) and opens the case aggregate.
func (s *Service) OpenDispute(ctx context.Context, in OpenDisputeInput) (*DisputeState, error) {
	if in.CaseID == "" {
		in.CaseID = "dis_" + uuid.NewString()
	}
	if _, err := s.gates.MarkDisputed(ctx, in.TenantID, in.GateID, in.CaseID, in.BindingEvidence); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"caseId":   in.CaseID,
		"gateId":   in.GateID,
		"openedBy": in.OpenedBy,
	}
	if in.Reason != "" {
		payload["reason"] = in.Reason
	}
	if len(in.EvidenceRefs) > 0 {
		payload["evidenceRefs"] = toAny(in.EvidenceRefs)
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: disputeStream(in.CaseID), Kind: "DisputeCase",
		Type: "DisputeOpened", Actor: in.OpenedBy, Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	var st DisputeState
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AddDisputeEvidence attaches evidence refs to an open case.
func (s *Service) AddDisputeEvidence(ctx context.Context, tenantID, caseID string, evidenceRefs []string) (*DisputeState, error) {
	st, err := s.mustGetDispute(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if st.Status == DisputeClosed {
		return nil, codes.Newf(codes.Conflict, http.StatusConflict, "dispute case %s is closed", caseID)
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: disputeStream(caseID), Kind: "DisputeCase",
		Type: "DisputeEvidenceAdded", Actor: st.OpenedBy,
		Payload: map[string]any{"evidenceRefs": toAny(evidenceRefs)},
	})
	if err != nil {
		return nil, err
	}
	var next DisputeState
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Escalate moves an open dispute into arbitration: the gate transitions, the
// dispute records the escalation, and the arbitration case opens.
func (s *Service) Escalate(ctx context.Context, tenantID, caseID, arbitrationCaseID, arbiterID string, bindingEvidence map[string]any) (*ArbitrationState, error) {
	st, err := s.mustGetDispute(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if st.Status != DisputeOpen {
		return nil, codes.Newf(codes.Conflict, http.StatusConflict, "dispute case %s cannot escalate from %s", caseID, st.Status)
	}
	if arbitrationCaseID == "" {
		arbitrationCaseID = "arb_" + uuid.NewString()
	}
	if _, err := s.gates.MarkArbitrating(ctx, tenantID, st.GateID, arbitrationCaseID, bindingEvidence); err != nil {
		return nil, err
	}
	if _, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: disputeStream(caseID), Kind: "DisputeCase",
		Type: "DisputeEscalated", Actor: st.OpenedBy,
		Payload: map[string]any{"arbitrationCaseId": arbitrationCaseID},
	}); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"caseId":        arbitrationCaseID,
		"gateId":        st.GateID,
		"disputeCaseId": caseID,
	}
	if arbiterID != "" {
		payload["arbiterId"] = arbiterID
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: arbitrationStream(arbitrationCaseID), Kind: "ArbitrationCase",
		Type: "ArbitrationOpened", Actor: "arbitration", Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	var arb ArbitrationState
	if err := kernel.DecodeState(&res.Snapshot, &arb); err != nil {
		return nil, err
	}
	return &arb, nil
}

// AddArbitrationEvidence attaches evidence refs to an open arbitration case.
func (s *Service) AddArbitrationEvidence(ctx context.Context, tenantID, caseID string, evidenceRefs []string) (*ArbitrationState, error) {
	st, err := s.GetArbitration(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, codes.Newf(codes.NotFound, http.StatusNotFound, "arbitration case %s not found", caseID)
	}
	if st.Status != ArbitrationOpen {
		return nil, codes.Newf(codes.Conflict, http.StatusConflict, "arbitration case %s is resolved", caseID)
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: arbitrationStream(caseID), Kind: "ArbitrationCase",
		Type: "ArbitrationEvidenceAdded", Actor: "arbitration",
		Payload: map[string]any{"evidenceRefs": toAny(evidenceRefs)},
	})
	if err != nil {
		return nil, err
	}
	var next ArbitrationState
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// ResolveArbitration applies the arbiter's verdict: the gate resolves (with
// ledger reversal on reverse), the arbitration case records the verdict, and
// the dispute closes as settled.
func (s *Service) ResolveArbitration(ctx context.Context, tenantID, caseID, verdict, arbiterID string, bindingEvidence map[string]any) (*ArbitrationState, error) {
	st, err := s.GetArbitration(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, codes.Newf(codes.NotFound, http.StatusNotFound, "arbitration case %s not found", caseID)
	}
	if st.Status != ArbitrationOpen {
		return nil, codes.Newf(codes.Conflict, http.StatusConflict, "arbitration case %s already resolved", caseID)
	}
	if _, err := s.gates.Resolve(ctx, tenantID, st.GateID, verdict, bindingEvidence); err != nil {
		return nil, err
	}
	payload := map[string]any{"verdict": verdict}
	if arbiterID != "" {
		payload["arbiterId"] = arbiterID
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: arbitrationStream(caseID), Kind: "ArbitrationCase",
		Type: "ArbitrationResolved", Actor: "arbiter", Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: disputeStream(st.DisputeCaseID), Kind: "DisputeCase",
		Type: "DisputeClosed", Actor: "arbitration",
		Payload: map[string]any{"outcome": OutcomeSettled},
	}); err != nil {
		return nil, err
	}
	var next ArbitrationState
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// WithdrawDispute closes an open dispute at the opener's request and returns
// the gate to its settled status.
func (s *Service) WithdrawDispute(ctx context.Context, tenantID, caseID string) (*DisputeState, error) {
	return s.closeDispute(ctx, tenantID, caseID, OutcomeWithdrawn)
}

func (s *Service) closeDispute(ctx context.Context, tenantID, caseID, outcome string) (*DisputeState, error) {
	st, err := s.mustGetDispute(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if st.Status != DisputeOpen {
		return nil, codes.Newf(codes.Conflict, http.StatusConflict, "dispute case %s cannot close from %s", caseID, st.Status)
	}
	if _, err := s.gates.CloseDispute(ctx, tenantID, st.GateID, caseID, outcome); err != nil {
		return nil, err
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: disputeStream(caseID), Kind: "DisputeCase",
		Type: "DisputeClosed", Actor: "dispute",
		Payload: map[string]any{"outcome": outcome},
	})
	if err != nil {
		return nil, err
	}
	var next DisputeState
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// AutoCloseExpired closes every open dispute whose gate dispute window has
// passed. The window worker calls this on its tick; it returns the closed
// case ids.
func (s *Service) AutoCloseExpired(ctx context.Context, tenantID string, now time.Time) ([]string, error) {
	snaps, err := s.kernel.Store().ListSnapshots(ctx, tenantOrDefault(tenantID), "DisputeCase")
	if err != nil {
		return nil, err
	}
	var closed []string
	for i := range snaps {
		var st DisputeState
		if err := kernel.DecodeState(&snaps[i], &st); err != nil {
			return nil, err
		}
		if st.Status != DisputeOpen {
			continue
		}
		gateState, err := s.gates.Get(ctx, tenantID, st.GateID)
		if err != nil {
			return nil, err
		}
		if gateState == nil || gateState.Settlement == nil {
			continue
		}
		open, err := gate.InDisputeWindow(gateState, now)
		if err != nil {
			return nil, err
		}
		if open {
			continue
		}
		if _, err := s.closeDispute(ctx, tenantID, st.CaseID, OutcomeAutoClosed); err != nil {
			return nil, err
		}
		closed = append(closed, st.CaseID)
	}
	return closed, nil
}

func toAny(refs []string) []any {
	out := make([]any, len(refs))
	for i, r := range refs {
		out[i] = r
	}
	return out
}
