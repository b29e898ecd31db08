package gate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Verification statuses.
const (
	VerifyGreen = "green"
	VerifyAmber = "amber"
	VerifyRed   = "red"
)

// ReleaseRules are the per-status release rates, integers 0..100.
type ReleaseRules struct {
	AutoReleaseOnGreen  bool `json:"autoReleaseOnGreen"`
	GreenReleaseRatePct int  `json:"greenReleaseRatePct"`
	AmberReleaseRatePct int  `json:"amberReleaseRatePct"`
	RedReleaseRatePct   int  `json:"redReleaseRatePct"`
}

// VerifyPolicy selects how the release split is decided.
type VerifyPolicy struct {
	// Mode is auto, manual, or expression.
	Mode  string       `json:"mode"`
	Rules ReleaseRules `json:"rules"`
	// Expression is a CEL program over {verificationStatus, runStatus,
	// amountCents} returning the release rate percentage. Used when Mode is
	// expression.
	Expression string `json:"expression,omitempty"`
}

// VerificationMethod names how verification was performed.
type VerificationMethod struct {
	Mode   string `json:"mode"`
	Source string `json:"source"`
}

// VerifyInput is one verification submission.
type VerifyInput struct {
	TenantID              string
	GateID                string
	VerificationStatus    string
	RunStatus             string
	VerificationMethod    VerificationMethod
	EvidenceRefs          []string
	Policy                VerifyPolicy
	ExpectedPrevChainHash *string
	IdempotencyKey        string
}

// ReleaseSplit computes the release matrix for a status: released is the
// amount times the status rate floored, the remainder refunds.
func ReleaseSplit(amountCents int64, status string, rules ReleaseRules) (released, refunded int64, settlement string, err error) {
	rate := 0
	switch status {
	case VerifyGreen:
		if rules.AutoReleaseOnGreen {
			rate = rules.GreenReleaseRatePct
		}
	case VerifyAmber:
		rate = rules.AmberReleaseRatePct
	case VerifyRed:
		rate = rules.RedReleaseRatePct
	default:
		return 0, 0, "", codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown verification status %q", status)
	}
	if rate < 0 || rate > 100 {
		return 0, 0, "", codes.Newf(codes.X402ReleasePolicyInvalid, http.StatusConflict, "release rate %d out of range", rate)
	}
	released = amountCents * int64(rate) / 100
	refunded = amountCents - released
	switch {
	case refunded == 0:
		settlement = StatusReleased
	case released == 0:
		settlement = StatusRefunded
	default:
		settlement = StatusPartial
	}
	return released, refunded, settlement, nil
}

// expressionRate evaluates a CEL release-rate program.
func expressionRate(expr string, st *State, status, runStatus string) (int, error) {
	env, err := cel.NewEnv(
		cel.Variable("verificationStatus", cel.StringType),
		cel.Variable("runStatus", cel.StringType),
		cel.Variable("amountCents", cel.IntType),
	)
	if err != nil {
		return 0, codes.Newf(codes.X402ReleasePolicyInvalid, http.StatusConflict, "release expression env: %v", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return 0, codes.Newf(codes.X402ReleasePolicyInvalid, http.StatusConflict, "release expression: %v", issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return 0, codes.Newf(codes.X402ReleasePolicyInvalid, http.StatusConflict, "release expression: %v", err)
	}
	out, _, err := prog.Eval(map[string]any{
		"verificationStatus": status,
		"runStatus":          runStatus,
		"amountCents":        st.AmountCents,
	})
	if err != nil {
		return 0, codes.Newf(codes.X402ReleasePolicyInvalid, http.StatusConflict, "release expression eval: %v", err)
	}
	rate, ok := out.Value().(int64)
	if !ok || rate < 0 || rate > 100 {
		return 0, codes.Newf(codes.X402ReleasePolicyInvalid, http.StatusConflict, "release expression must yield an int 0..100")
	}
	return int(rate), nil
}

const (
	requestEvidencePrefix  = "http:request_sha256:"
	responseEvidencePrefix = "http:response_sha256:"
)

// checkBindingEvidence enforces that the evidence refs reproduce the
// authorize-time request fingerprint, and carry every taint ref when the
// authorize recorded a taint.
func checkBindingEvidence(st *State, evidenceRefs []string) error {
	var requestHash string
	hasResponse := false
	for _, ref := range evidenceRefs {
		if strings.HasPrefix(ref, requestEvidencePrefix) {
			requestHash = strings.TrimPrefix(ref, requestEvidencePrefix)
		}
		if strings.HasPrefix(ref, responseEvidencePrefix) {
			hasResponse = true
		}
	}
	if requestHash == "" || !hasResponse {
		return codes.New(codes.X402RequestBindingEvidenceRequired, http.StatusConflict,
			"verification requires http:request_sha256 and http:response_sha256 evidence")
	}
	if st.RequestBinding == nil || requestHash != st.RequestBinding.BodySha256 {
		return codes.New(codes.X402RequestBindingEvidenceMismatch, http.StatusConflict,
			"request evidence hash does not match the authorized binding")
	}
	if len(st.TaintEvidenceRefs) > 0 {
		var missing []string
		for _, need := range st.TaintEvidenceRefs {
			if !containsStr(evidenceRefs, need) {
				missing = append(missing, need)
			}
		}
		if len(missing) > 0 {
			return codes.New(codes.X402PromptRiskEvidenceRequired, http.StatusConflict,
				"verification must carry the taint evidence recorded at authorize").
				WithDetails(map[string]any{"missingEvidenceRefs": missing})
		}
	}
	return nil
}

// Verify records a verification outcome and, unless the policy is manual,
// settles the gate through the release matrix in the same call. Funds move
// atomically with the settlement event.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (*State, error) {
	st, snap, err := s.mustGet(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusAuthorized && st.Status != StatusAwaitingManual {
		if in.IdempotencyKey != "" {
			rep, err := s.kernel.Replay(ctx, in.TenantID, in.IdempotencyKey, "gate.verify")
			if err != nil {
				return nil, err
			}
			if rep != nil {
				// The same key already verified this gate and the settlement
				// committed; answer the retry with the settled state.
				return st, nil
			}
		}
		return nil, codes.Newf(codes.X402GateStateInvalid, http.StatusConflict,
			"gate %s cannot be verified from %s", in.GateID, st.Status)
	}
	now := s.clock().UTC()

	if err := checkBindingEvidence(st, in.EvidenceRefs); err != nil {
		return nil, err
	}

	// Deterministic verifier plugins may override the submitted status.
	status := in.VerificationStatus
	verifierID, verifierHash := "", ""
	if in.VerificationMethod.Source != "" {
		verifier, ok := s.verifiers.Resolve(in.VerificationMethod.Source)
		if !ok {
			return nil, codes.Newf(codes.X402VerifierUnknown, http.StatusConflict,
				"no verifier registered for source %q", in.VerificationMethod.Source)
		}
		verifierID, verifierHash = verifier.ID(), verifier.Hash()
		if override, decided := verifier.Evaluate(st, in.RunStatus, in.EvidenceRefs); decided {
			status = override
		}
	}
	if status != VerifyGreen && status != VerifyAmber && status != VerifyRed {
		return nil, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "verification status %q invalid", status)
	}

	verifyPayload := map[string]any{
		"verificationStatus": status,
		"verifierId":         verifierID,
		"policy": map[string]any{
			"mode": in.Policy.Mode,
		},
	}
	if in.RunStatus != "" {
		verifyPayload["runStatus"] = in.RunStatus
	}
	if verifierHash != "" {
		verifyPayload["verifierHash"] = verifierHash
	}
	if in.VerificationMethod.Mode != "" || in.VerificationMethod.Source != "" {
		verifyPayload["verificationMethod"] = map[string]any{
			"mode": in.VerificationMethod.Mode, "source": in.VerificationMethod.Source,
		}
	}
	if len(in.EvidenceRefs) > 0 {
		refs := make([]any, len(in.EvidenceRefs))
		for i, r := range in.EvidenceRefs {
			refs[i] = r
		}
		verifyPayload["evidenceRefs"] = refs
	}

	expected := in.ExpectedPrevChainHash
	if expected == nil {
		expected = &snap.LastChainHash
	}
	verRes, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: gateStream(in.GateID), Kind: "X402Gate",
		Type: "GateVerificationRecorded", Actor: verifierActor(verifierID), Payload: verifyPayload,
		At:                    now,
		ExpectedPrevChainHash: expected, ChainSensitive: true,
		IdempotencyKey: in.IdempotencyKey, RouteBindingHash: "gate.verify",
	})
	if err != nil {
		return nil, err
	}

	if in.Policy.Mode == "manual" {
		var next State
		if err := kernel.DecodeState(&verRes.Snapshot, &next); err != nil {
			return nil, err
		}
		return &next, nil
	}

	rules := in.Policy.Rules
	if in.Policy.Mode == "expression" {
		rate, err := expressionRate(in.Policy.Expression, st, status, in.RunStatus)
		if err != nil {
			return nil, err
		}
		rules = ReleaseRules{AutoReleaseOnGreen: true, GreenReleaseRatePct: rate, AmberReleaseRatePct: rate, RedReleaseRatePct: rate}
	}
	released, refunded, settlement, err := ReleaseSplit(st.AmountCents, status, rules)
	if err != nil {
		return nil, err
	}

	settleOps, entryID, err := s.settleHoldOps(ctx, in.TenantID, st, released, refunded)
	if err != nil {
		return nil, err
	}
	windowEnds := now.AddDate(0, 0, st.DisputeWindowDays)

	settleRes, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: gateStream(in.GateID), Kind: "X402Gate",
		Type: "GateSettlementResolved", Actor: "settlement",
		At: now,
		Payload: map[string]any{
			"status":              settlement,
			"releasedAmountCents": released,
			"refundedAmountCents": refunded,
			"ledgerEntryId":       entryID,
			"disputeWindowEndsAt": windowEnds.Format(time.RFC3339),
		},
		ExpectedPrevChainHash: &verRes.Event.ChainHash, ChainSensitive: true,
		ExtraOps:              settleOps,
	})
	if err != nil {
		return nil, err
	}
	var next State
	if err := kernel.DecodeState(&settleRes.Snapshot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func verifierActor(verifierID string) string {
	if verifierID == "" {
		return "verifier"
	}
	return verifierID
}

// settleHoldOps loads the wallets and hold behind a gate and builds the
// settlement ops for a released/refunded split.
func (s *Service) settleHoldOps(ctx context.Context, tenantID string, st *State, released, refunded int64) ([]store.Op, string, error) {
	tenant := tenantOrDefault(tenantID)
	hold, err := s.kernel.Store().GetHold(ctx, tenant, st.HoldID)
	if err != nil {
		return nil, "", err
	}
	payer, err := s.kernel.Store().GetWallet(ctx, tenant, st.PayerAgentID)
	if err != nil {
		return nil, "", err
	}
	var payee *store.Wallet
	if released > 0 {
		payee, err = s.kernel.Store().GetWallet(ctx, tenant, st.PayeeAgentID)
		if err != nil {
			return nil, "", err
		}
	}
	return ledger.SettleOps(payer, payee, hold, released, refunded, s.clock().UTC())
}
