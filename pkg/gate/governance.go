package gate

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Prompt-risk outcomes.
const (
	RiskAllow     = "allow"
	RiskChallenge = "challenge"
	RiskEscalate  = "escalate"
)

// GovernanceStream is the single global governance aggregate per tenant.
const GovernanceStream = "governance:global"

// GovernanceState folds the global force mode, per-principal overrides, and
// fenced aggregates.
type GovernanceState struct {
	ForceMode          string            `json:"forceMode"`
	PrincipalOverrides map[string]string `json:"principalOverrides,omitempty"`
	KilledStreams      map[string]string `json:"killedStreams,omitempty"`
}

type governanceReducer struct{}

func (governanceReducer) Kind() string { return "Governance" }

func (governanceReducer) Init(streamID string) any {
	return &GovernanceState{ForceMode: RiskAllow}
}

func (governanceReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*GovernanceState)
	switch ev.Type {
	case "PromptRiskForceModeSet":
		mode, _ := ev.Payload["forceMode"].(string)
		if principal, ok := ev.Payload["principalId"].(string); ok && principal != "" {
			if s.PrincipalOverrides == nil {
				s.PrincipalOverrides = make(map[string]string)
			}
			s.PrincipalOverrides[principal] = mode
		} else {
			s.ForceMode = mode
		}
	case "AggregateKillSwitchSet":
		if s.KilledStreams == nil {
			s.KilledStreams = make(map[string]string)
		}
		streamID, _ := ev.Payload["streamId"].(string)
		reason, _ := ev.Payload["reason"].(string)
		s.KilledStreams[streamID] = reason
	default:
		return nil, fmt.Errorf("governance reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// SessionState folds provenance taint for one session.
type SessionState struct {
	SessionID string   `json:"sessionId"`
	Tainted   bool     `json:"tainted"`
	TaintRefs []string `json:"taintRefs,omitempty"`
}

type sessionReducer struct{}

func (sessionReducer) Kind() string { return "Session" }

func (sessionReducer) Init(streamID string) any {
	return &SessionState{}
}

func (sessionReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*SessionState)
	switch ev.Type {
	case "SessionTaintRecorded":
		s.SessionID, _ = ev.Payload["sessionId"].(string)
		s.Tainted = true
		if refs, ok := ev.Payload["taintRefs"].([]any); ok {
			for _, r := range refs {
				if rs, ok := r.(string); ok && !containsStr(s.TaintRefs, rs) {
					s.TaintRefs = append(s.TaintRefs, rs)
				}
			}
		}
	default:
		return nil, fmt.Errorf("session reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// SetPromptRiskForceMode sets the global force mode, or a per-principal
// override when principalID is non-empty.
func (s *Service) SetPromptRiskForceMode(ctx context.Context, tenantID, mode, principalID string) error {
	payload := map[string]any{"forceMode": mode}
	if principalID != "" {
		payload["principalId"] = principalID
	}
	_, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: GovernanceStream, Kind: "Governance",
		Type: "PromptRiskForceModeSet", Actor: "operator", Payload: payload,
	})
	return err
}

// RecordSessionTaint marks a session tainted with its provenance refs.
func (s *Service) RecordSessionTaint(ctx context.Context, tenantID, sessionID string, taintRefs []string) error {
	_, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: "session:" + sessionID, Kind: "Session",
		Type: "SessionTaintRecorded", Actor: "provenance",
		Payload: map[string]any{"sessionId": sessionID, "taintRefs": taintRefs},
	})
	return err
}

func (s *Service) governanceState(ctx context.Context, tenantID string) (*GovernanceState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), GovernanceStream)
	if err != nil {
		return nil, err
	}
	st := &GovernanceState{ForceMode: RiskAllow}
	if snap != nil {
		if err := kernel.DecodeState(snap, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Service) sessionState(ctx context.Context, tenantID, sessionID string) (*SessionState, error) {
	if sessionID == "" {
		return &SessionState{}, nil
	}
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), "session:"+sessionID)
	if err != nil {
		return nil, err
	}
	st := &SessionState{}
	if snap != nil {
		if err := kernel.DecodeState(snap, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// riskOutcome combines the global force mode, the principal override, and
// session taint into the ternary decision. Taint escalates allow to
// challenge but never weakens a stricter mode.
func riskOutcome(gov *GovernanceState, principalID string, session *SessionState) string {
	mode := gov.ForceMode
	if override, ok := gov.PrincipalOverrides[principalID]; ok {
		mode = override
	}
	if mode == "" {
		mode = RiskAllow
	}
	if session.Tainted && mode == RiskAllow {
		mode = RiskChallenge
	}
	return mode
}

// PromptRiskOverride authorizes past a challenge/escalate block; it is
// recorded in the decision record.
type PromptRiskOverride struct {
	Enabled   bool   `json:"enabled"`
	Reason    string `json:"reason"`
	TicketRef string `json:"ticketRef"`
}

func riskBlockError(outcome string) error {
	switch outcome {
	case RiskChallenge:
		return codes.New(codes.X402PromptRiskForceChallenge, http.StatusConflict,
			"prompt risk policy requires a challenge before payment")
	case RiskEscalate:
		return codes.New(codes.X402PromptRiskForceEscalate, http.StatusConflict,
			"prompt risk policy requires escalation before payment")
	default:
		return nil
	}
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
