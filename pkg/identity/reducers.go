package identity

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Agent lifecycles.
const (
	LifecycleActive    = "active"
	LifecycleSuspended = "suspended"
	LifecycleThrottled = "throttled"
	LifecycleRetired   = "retired"
)

// AgentState is the reduced state of an agent:<id> stream.
type AgentState struct {
	AgentID      string   `json:"agentId"`
	OwnerID      string   `json:"ownerId"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Lifecycle    string   `json:"lifecycle"`
	Currency     string   `json:"currency"`
	PrimaryKeyID string   `json:"primaryKeyId,omitempty"`
	RegisteredAt string   `json:"registeredAt,omitempty"`
}

type agentReducer struct{}

func (agentReducer) Kind() string { return "Agent" }

func (agentReducer) Init(streamID string) any {
	return &AgentState{Lifecycle: LifecycleActive, Currency: "USD"}
}

func (agentReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*AgentState)
	switch ev.Type {
	case "AgentRegistered":
		s.AgentID = str(ev.Payload, "agentId")
		s.OwnerID = str(ev.Payload, "ownerId")
		s.DisplayName = str(ev.Payload, "displayName")
		if cur := str(ev.Payload, "currency"); cur != "" {
			s.Currency = cur
		}
		if caps, ok := ev.Payload["capabilities"].([]any); ok {
			s.Capabilities = s.Capabilities[:0]
			for _, c := range caps {
				if cs, ok := c.(string); ok {
					s.Capabilities = append(s.Capabilities, cs)
				}
			}
		}
		s.RegisteredAt = ev.At.UTC().Format(time.RFC3339Nano)
	case "AgentLifecycleChanged":
		s.Lifecycle = str(ev.Payload, "lifecycle")
	case "WalletCredited":
		// Balance lives on the wallet row; nothing to fold here.
	case "SignerKeyRegistered":
		s.PrimaryKeyID = str(ev.Payload, "keyId")
	default:
		return nil, fmt.Errorf("agent reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// SignerKeyState is the reduced state of a signerkey:<keyId> stream. It embeds
// the lifecycle shape the kernel evaluates at verification time.
type SignerKeyState struct {
	kernel.SignerKey
	ReplacementKeyID string `json:"replacementKeyId,omitempty"`
}

type signerKeyReducer struct{}

func (signerKeyReducer) Kind() string { return "SignerKey" }

func (signerKeyReducer) Init(streamID string) any {
	return &SignerKeyState{}
}

func (signerKeyReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*SignerKeyState)
	switch ev.Type {
	case "SignerKeyRegistered":
		s.KeyID = str(ev.Payload, "keyId")
		s.PublicKeyHex = str(ev.Payload, "publicKeyHex")
		s.AgentID = ev.Actor
		s.Status = kernel.KeyActive
		s.ValidFrom = timeField(ev.Payload, "validFrom")
		s.ValidTo = timeField(ev.Payload, "validTo")
	case "SignerKeyRotated":
		at := ev.At.UTC()
		s.Status = kernel.KeyRotated
		s.RotatedAt = &at
		s.ReplacementKeyID = str(ev.Payload, "replacementKeyId")
	case "SignerKeyRevoked":
		at := ev.At.UTC()
		s.Status = kernel.KeyRevoked
		s.RevokedAt = &at
	default:
		return nil, fmt.Errorf("signer key reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// GrantState is the reduced state of a grant:<id> stream. The authoritative
// query row lives in the store's grant table; the stream is the audit trail.
type GrantState struct {
	GrantID   string     `json:"grantId"`
	GrantKind string     `json:"grantKind"`
	GrantHash string     `json:"grantHash"`
	Status    string     `json:"status"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

type grantReducer struct{ kind string }

func (r grantReducer) Kind() string { return r.kind }

func (grantReducer) Init(streamID string) any {
	return &GrantState{Status: store.GrantActive}
}

func (grantReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*GrantState)
	switch ev.Type {
	case "GrantIssued":
		s.GrantKind = str(ev.Payload, "grantKind")
		if g, ok := ev.Payload["grant"].(map[string]any); ok {
			s.GrantID = str(g, "grantId")
			s.GrantHash = str(g, "grantHash")
		}
	case "GrantRevoked":
		at := ev.At.UTC()
		s.Status = store.GrantRevoked
		s.RevokedAt = &at
	default:
		return nil, fmt.Errorf("grant reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// RunState is the reduced state of a run:<agentId>:<runId> stream.
type RunState struct {
	RunID             string `json:"runId"`
	AgentID           string `json:"agentId"`
	JobID             string `json:"jobId,omitempty"`
	Status            string `json:"status"`
	QuotedAmountCents int64  `json:"quotedAmountCents,omitempty"`
	Currency          string `json:"currency,omitempty"`
	Events            int    `json:"events"`
	SettledAt         string `json:"settledAt,omitempty"`
}

type runReducer struct{}

func (runReducer) Kind() string { return "Run" }

func (runReducer) Init(streamID string) any {
	return &RunState{Status: "running"}
}

func (runReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*RunState)
	switch ev.Type {
	case "RunCreated":
		s.RunID = str(ev.Payload, "runId")
		s.AgentID = str(ev.Payload, "agentId")
		s.JobID = str(ev.Payload, "jobId")
		s.Currency = str(ev.Payload, "currency")
		if v, ok := ev.Payload["quotedAmountCents"].(float64); ok {
			s.QuotedAmountCents = int64(v)
		}
	case "RunEventAppended":
		s.Events++
	case "RunCompleted":
		s.Status = str(ev.Payload, "status")
		s.SettledAt = str(ev.Payload, "settledAt")
	default:
		return nil, fmt.Errorf("run reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// RegisterReducers installs the identity reducers into a kernel registry.
func RegisterReducers(reg *kernel.Registry) {
	reg.Register(agentReducer{})
	reg.Register(signerKeyReducer{})
	reg.Register(runReducer{})
	reg.Register(grantReducer{kind: "AuthorityGrant"})
	reg.Register(grantReducer{kind: "DelegationGrant"})
	reg.Register(grantReducer{kind: "CapabilityAttestation"})
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func timeField(m map[string]any, key string) *time.Time {
	raw, ok := m[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func requireLifecycle(s *AgentState, role string) error {
	if s == nil {
		return codes.Newf(codes.NotFound, http.StatusNotFound, "%s agent not found", role)
	}
	switch s.Lifecycle {
	case LifecycleActive:
		return nil
	case LifecycleSuspended:
		return codes.Newf(codes.X402AgentSuspended, http.StatusGone, "%s agent %s is suspended", role, s.AgentID)
	case LifecycleThrottled:
		return codes.Newf(codes.X402AgentThrottled, http.StatusTooManyRequests, "%s agent %s is throttled", role, s.AgentID)
	default:
		return codes.Newf(codes.X402AgentNotActive, http.StatusConflict, "%s agent %s is %s", role, s.AgentID, s.Lifecycle)
	}
}
