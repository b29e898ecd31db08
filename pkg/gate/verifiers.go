package gate

import (
	"strconv"
	"strings"
	"sync"

	"github.com/nooterra-labs/settld/pkg/canon"
)

// Verifier is a deterministic verification plugin. Evaluate may override the
// submitted verification status; decided reports whether it did.
type Verifier interface {
	ID() string
	Hash() string
	Evaluate(st *State, runStatus string, evidenceRefs []string) (status string, decided bool)
}

// VerifierRegistry resolves verifiers by source name.
type VerifierRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewVerifierRegistry creates an empty registry.
func NewVerifierRegistry() *VerifierRegistry {
	return &VerifierRegistry{verifiers: make(map[string]Verifier)}
}

// Register adds a verifier under a source name.
func (r *VerifierRegistry) Register(source string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[source] = v
}

// Resolve finds the verifier for a source.
func (r *VerifierRegistry) Resolve(source string) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[source]
	return v, ok
}

// BuiltinVerifiers carries the deterministic plugins every deployment has.
func BuiltinVerifiers() *VerifierRegistry {
	r := NewVerifierRegistry()
	r.Register("latency", &latencyVerifier{})
	r.Register("schema-check", &schemaCheckVerifier{})
	r.Register("submitted", &passthroughVerifier{})
	return r
}

func verifierHash(id string) string {
	return canon.MustHash(map[string]any{"verifierId": id, "v": 1})
}

// passthroughVerifier trusts the submitted status. Used when the caller is
// itself the verifying party.
type passthroughVerifier struct{}

func (passthroughVerifier) ID() string   { return "verifier:submitted" }
func (passthroughVerifier) Hash() string { return verifierHash("verifier:submitted") }
func (passthroughVerifier) Evaluate(*State, string, []string) (string, bool) {
	return "", false
}

// latencyVerifier greens a run that completed within its budget. Evidence
// carries latency:observed_ms:<n> and latency:budget_ms:<n>.
type latencyVerifier struct{}

func (latencyVerifier) ID() string   { return "verifier:latency" }
func (latencyVerifier) Hash() string { return verifierHash("verifier:latency") }

func (latencyVerifier) Evaluate(_ *State, runStatus string, evidenceRefs []string) (string, bool) {
	observed, budget := int64(-1), int64(-1)
	for _, ref := range evidenceRefs {
		if v, ok := evidenceInt(ref, "latency:observed_ms:"); ok {
			observed = v
		}
		if v, ok := evidenceInt(ref, "latency:budget_ms:"); ok {
			budget = v
		}
	}
	if observed < 0 || budget < 0 {
		return "", false
	}
	if runStatus == "failed" {
		return VerifyRed, true
	}
	if observed <= budget {
		return VerifyGreen, true
	}
	return VerifyAmber, true
}

// schemaCheckVerifier greens a response that passed schema validation.
// Evidence carries schema:valid:true|false.
type schemaCheckVerifier struct{}

func (schemaCheckVerifier) ID() string   { return "verifier:schema-check" }
func (schemaCheckVerifier) Hash() string { return verifierHash("verifier:schema-check") }

func (schemaCheckVerifier) Evaluate(_ *State, runStatus string, evidenceRefs []string) (string, bool) {
	for _, ref := range evidenceRefs {
		if !strings.HasPrefix(ref, "schema:valid:") {
			continue
		}
		if runStatus == "failed" {
			return VerifyRed, true
		}
		if strings.TrimPrefix(ref, "schema:valid:") == "true" {
			return VerifyGreen, true
		}
		return VerifyRed, true
	}
	return "", false
}

func evidenceInt(ref, prefix string) (int64, bool) {
	if !strings.HasPrefix(ref, prefix) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(ref, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
