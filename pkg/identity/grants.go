package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// maxLineageWalk bounds the lineage walk independently of any grant's own
// maxDelegationDepth, so a corrupted chain cannot loop unbounded.
const maxLineageWalk = 64

// IssueGrantInput describes a grant of any of the three kinds.
type IssueGrantInput struct {
	TenantID        string
	GrantID         string
	Kind            string // store.GrantAuthority | GrantDelegation | GrantCapability
	IssuerID        string
	SubjectID       string
	Scope           store.GrantScope
	Validity        store.Validity
	ParentGrantHash string
	MaxDepth        int
	IdempotencyKey  string
}

func streamKindFor(grantKind string) (string, error) {
	switch grantKind {
	case store.GrantAuthority:
		return "AuthorityGrant", nil
	case store.GrantDelegation:
		return "DelegationGrant", nil
	case store.GrantCapability:
		return "CapabilityAttestation", nil
	default:
		return "", codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown grant kind %q", grantKind)
	}
}

// IssueGrant canonically hashes the grant document, chains it to its parent
// when one is named, and commits the queryable grant row atomically with the
// GrantIssued event.
func (s *Service) IssueGrant(ctx context.Context, in IssueGrantInput) (*store.Grant, error) {
	tenant := tenantOrDefault(in.TenantID)
	streamKind, err := streamKindFor(in.Kind)
	if err != nil {
		return nil, err
	}
	if in.GrantID == "" {
		in.GrantID = "grant_" + uuid.NewString()
	}
	if in.Validity.ExpiresAt.IsZero() || !in.Validity.ExpiresAt.After(in.Validity.NotBefore) {
		return nil, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "grant validity window is empty")
	}

	var binding *store.ChainBinding
	if in.ParentGrantHash != "" {
		parent, err := s.kernel.Store().GetGrantByHash(ctx, tenant, in.ParentGrantHash)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, codes.Newf(codes.GrantChainUnknownParent, http.StatusConflict,
				"parent grant %s is not known", in.ParentGrantHash)
		}
		root := in.ParentGrantHash
		maxDepth := in.MaxDepth
		if parent.ChainBinding != nil {
			root = parent.ChainBinding.RootGrantHash
			maxDepth = parent.ChainBinding.MaxDelegationDepth
		} else if maxDepth == 0 {
			maxDepth = maxLineageWalk
		}
		depth := 1
		if parent.ChainBinding != nil {
			depth = parent.ChainBinding.Depth + 1
		}
		if depth > maxDepth {
			return nil, codes.Newf(codes.GrantChainDepthExceeded, http.StatusConflict,
				"delegation depth %d exceeds limit %d", depth, maxDepth)
		}
		binding = &store.ChainBinding{
			RootGrantHash:      root,
			ParentGrantHash:    in.ParentGrantHash,
			Depth:              depth,
			MaxDelegationDepth: maxDepth,
		}
	} else if in.MaxDepth > 0 {
		// Root of a new delegation chain; rootGrantHash is filled below once
		// the grant's own hash is known.
		binding = &store.ChainBinding{Depth: 0, MaxDelegationDepth: in.MaxDepth}
	}

	doc := map[string]any{
		"grantId":   in.GrantID,
		"kind":      in.Kind,
		"issuerId":  in.IssuerID,
		"subjectId": in.SubjectID,
		"scope":     in.Scope,
		"validity":  in.Validity,
	}
	if binding != nil && binding.ParentGrantHash != "" {
		doc["parentGrantHash"] = binding.ParentGrantHash
	}
	grantHash, err := canon.Hash(doc)
	if err != nil {
		return nil, err
	}
	if binding != nil && binding.RootGrantHash == "" {
		binding.RootGrantHash = grantHash
	}

	now := time.Now().UTC()
	grant := &store.Grant{
		TenantID:     tenant,
		GrantID:      in.GrantID,
		Kind:         in.Kind,
		GrantHash:    grantHash,
		IssuerID:     in.IssuerID,
		SubjectID:    in.SubjectID,
		Scope:        in.Scope,
		Validity:     in.Validity,
		ChainBinding: binding,
		Status:       store.GrantActive,
		CreatedAt:    now,
	}

	_, err = s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID,
		StreamID: "grant:" + in.GrantID,
		Kind:     streamKind,
		Type:     "GrantIssued",
		Actor:    in.IssuerID,
		Payload: map[string]any{
			"grantKind": in.Kind,
			"grant": map[string]any{
				"grantId":   in.GrantID,
				"grantHash": grantHash,
				"subjectId": in.SubjectID,
			},
		},
		IdempotencyKey:   in.IdempotencyKey,
		RouteBindingHash: "identity.issue-grant",
		ExtraOps:         []store.Op{{Kind: store.OpGrantUpsert, Grant: grant}},
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeGrant marks the grant revoked. The row stays queryable; scope checks
// fail from here on with the kind's *_GRANT_REVOKED code.
func (s *Service) RevokeGrant(ctx context.Context, tenantID, grantID, reason, revokedBy string) (*store.Grant, error) {
	tenant := tenantOrDefault(tenantID)
	grant, err := s.kernel.Store().GetGrant(ctx, tenant, grantID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, codes.Newf(codes.NotFound, http.StatusNotFound, "grant %s not found", grantID)
	}
	if grant.Status == store.GrantRevoked {
		return grant, nil
	}
	streamKind, err := streamKindFor(grant.Kind)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next := *grant
	next.Status = store.GrantRevoked
	next.RevokedAt = &now
	next.RevokeReason = reason

	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if revokedBy != "" {
		payload["revokedBy"] = revokedBy
	}
	_, err = s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID,
		StreamID: "grant:" + grantID,
		Kind:     streamKind,
		Type:     "GrantRevoked",
		Actor:    revokedBy,
		Payload:  payload,
		ExtraOps: []store.Op{{Kind: store.OpGrantUpsert, Grant: &next}},
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Lineage is a resolved delegation chain, leaf first.
type Lineage struct {
	// EffectiveDelegationHash is the canonical hash of the ordered chain
	// of grant hashes from root to leaf.
	EffectiveDelegationHash string
	// Grants holds the chain leaf-to-root.
	Grants []store.Grant
}

// ResolveLineage walks parentGrantHash pointers from the leaf to the root.
// It fails closed: cycles, unknown parents, depth overflow, revoked links,
// and links outside their validity window all stop the walk with a stable
// code.
func (s *Service) ResolveLineage(ctx context.Context, tenantID, leafGrantHash string, at time.Time) (*Lineage, error) {
	tenant := tenantOrDefault(tenantID)
	visited := make(map[string]bool)
	var chain []store.Grant

	hash := leafGrantHash
	for steps := 0; hash != ""; steps++ {
		if steps >= maxLineageWalk {
			return nil, codes.New(codes.GrantChainDepthExceeded, http.StatusConflict, "delegation chain walk exceeded hard limit")
		}
		if visited[hash] {
			return nil, codes.Newf(codes.GrantChainCycle, http.StatusConflict, "delegation chain cycles at %s", hash)
		}
		visited[hash] = true

		grant, err := s.kernel.Store().GetGrantByHash(ctx, tenant, hash)
		if err != nil {
			return nil, fmt.Errorf("lineage lookup: %w", err)
		}
		if grant == nil {
			return nil, codes.Newf(codes.GrantChainUnknownParent, http.StatusConflict, "grant %s is not known", hash)
		}
		if err := checkGrantLifecycle(grant, at); err != nil {
			return nil, err
		}
		if grant.ChainBinding != nil && grant.ChainBinding.Depth > grant.ChainBinding.MaxDelegationDepth {
			return nil, codes.Newf(codes.GrantChainDepthExceeded, http.StatusConflict,
				"grant %s depth %d exceeds limit %d", grant.GrantID, grant.ChainBinding.Depth, grant.ChainBinding.MaxDelegationDepth)
		}
		chain = append(chain, *grant)
		if grant.ChainBinding == nil {
			break
		}
		hash = grant.ChainBinding.ParentGrantHash
	}
	if len(chain) == 0 {
		return nil, codes.Newf(codes.GrantChainUnknownParent, http.StatusConflict, "grant %s is not known", leafGrantHash)
	}

	// Root-to-leaf ordering feeds the effective hash.
	ordered := make([]string, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		ordered = append(ordered, chain[i].GrantHash)
	}
	effective, err := canon.Hash(map[string]any{"chain": ordered})
	if err != nil {
		return nil, err
	}
	return &Lineage{EffectiveDelegationHash: effective, Grants: chain}, nil
}

func checkGrantLifecycle(grant *store.Grant, at time.Time) error {
	if grant.Status == store.GrantRevoked {
		code := codes.DelegationGrantRevoked
		switch grant.Kind {
		case store.GrantAuthority:
			code = codes.AuthorityGrantRevoked
		case store.GrantCapability:
			code = codes.CapabilityGrantRevoked
		}
		return codes.Newf(code, http.StatusConflict, "grant %s was revoked", grant.GrantID)
	}
	if at.Before(grant.Validity.NotBefore) {
		return codes.Newf(codes.GrantNotYetValid, http.StatusConflict, "grant %s not yet valid at %s", grant.GrantID, at.Format(time.RFC3339))
	}
	if at.After(grant.Validity.ExpiresAt) {
		return codes.Newf(codes.GrantExpired, http.StatusConflict, "grant %s expired at %s", grant.GrantID, grant.Validity.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// ScopeQuery is the request-side view checked against a grant's scope.
type ScopeQuery struct {
	ToolID        string
	ProviderID    string
	RiskClass     string
	SideEffecting bool
}

// CheckScope enforces a grant's scope predicates against a query. Empty
// allow-lists permit everything for that predicate.
func CheckScope(grant *store.Grant, at time.Time, q ScopeQuery) error {
	if err := checkGrantLifecycle(grant, at); err != nil {
		return err
	}
	if q.ToolID != "" && len(grant.Scope.AllowedToolIds) > 0 && !contains(grant.Scope.AllowedToolIds, q.ToolID) {
		return codes.Newf(codes.GrantScopeToolDenied, http.StatusForbidden, "tool %s is outside grant %s scope", q.ToolID, grant.GrantID)
	}
	if q.ProviderID != "" && len(grant.Scope.AllowedProviderIds) > 0 && !contains(grant.Scope.AllowedProviderIds, q.ProviderID) {
		return codes.Newf(codes.GrantScopeProviderDenied, http.StatusForbidden, "provider %s is outside grant %s scope", q.ProviderID, grant.GrantID)
	}
	if q.RiskClass != "" && len(grant.Scope.AllowedRiskClasses) > 0 && !contains(grant.Scope.AllowedRiskClasses, q.RiskClass) {
		return codes.Newf(codes.GrantScopeToolDenied, http.StatusForbidden, "risk class %s is outside grant %s scope", q.RiskClass, grant.GrantID)
	}
	if q.SideEffecting && !grant.Scope.SideEffectingAllowed {
		return codes.Newf(codes.GrantSideEffectDenied, http.StatusForbidden, "grant %s does not permit side-effecting calls", grant.GrantID)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
