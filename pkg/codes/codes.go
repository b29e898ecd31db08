// Package codes defines the stable error code catalog for the Settld API.
//
// Codes are published in docs/spec/x402-error-codes.v1.txt and mirrored in
// SDK type definitions; they are part of the wire contract and must never be
// renamed or reused.
package codes

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded error carried from the domain to the API boundary.
// Status is the HTTP status the code maps to; Details is optional
// machine-readable context (e.g. missingEvidenceRefs).
type Error struct {
	Code    string         `json:"code"`
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches machine-readable context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Schema / validation.
const (
	SchemaInvalid      = "SCHEMA_INVALID"
	EncodeNonCanonical = "ENCODE_NON_CANONICAL"
)

// Auth.
const (
	AuthRequired   = "AUTH_REQUIRED"
	AuthForbidden  = "AUTH_FORBIDDEN"
	TenantRequired = "TENANT_REQUIRED"
	Throttled      = "THROTTLED"
)

// Preconditions, conflicts, idempotency.
const (
	Conflict            = "CONFLICT"
	MissingPrecondition = "MISSING_PRECONDITION"
	IdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	NotFound            = "NOT_FOUND"
	EventPayloadInvalid = "EVENT_PAYLOAD_INVALID"
)

// Signer key lifecycle. Reason codes are reused verbatim across every caller
// that evaluates a key window.
const (
	SignerKeyRotated       = "SIGNER_KEY_ROTATED"
	SignerKeyRevoked       = "SIGNER_KEY_REVOKED"
	SignerKeyNotYetValid   = "SIGNER_KEY_NOT_YET_VALID"
	SignerKeyExpired       = "SIGNER_KEY_EXPIRED"
	SignerKeyNotRegistered = "SIGNER_KEY_NOT_REGISTERED"
	SignerKeyNotActive     = "SIGNER_KEY_NOT_ACTIVE"
	SignatureInvalid       = "SIGNATURE_INVALID"
)

// Grants.
const (
	AuthorityGrantRevoked    = "AUTHORITY_GRANT_REVOKED"
	DelegationGrantRevoked   = "DELEGATION_GRANT_REVOKED"
	CapabilityGrantRevoked   = "CAPABILITY_GRANT_REVOKED"
	GrantChainCycle          = "GRANT_CHAIN_CYCLE"
	GrantChainUnknownParent  = "GRANT_CHAIN_UNKNOWN_PARENT"
	GrantChainDepthExceeded  = "GRANT_CHAIN_DEPTH_EXCEEDED"
	GrantNotYetValid         = "GRANT_NOT_YET_VALID"
	GrantExpired             = "GRANT_EXPIRED"
	GrantScopeToolDenied     = "GRANT_SCOPE_TOOL_DENIED"
	GrantScopeProviderDenied = "GRANT_SCOPE_PROVIDER_DENIED"
	GrantSideEffectDenied    = "GRANT_SIDE_EFFECT_DENIED"
)

// X402 gate.
const (
	X402GateNotFound                          = "X402_GATE_NOT_FOUND"
	X402GateStateInvalid                      = "X402_GATE_STATE_INVALID"
	X402AgentNotActive                        = "X402_AGENT_NOT_ACTIVE"
	X402AgentSuspended                        = "X402_AGENT_SUSPENDED"
	X402AgentThrottled                        = "X402_AGENT_THROTTLED"
	X402AmountExceedsPolicy                   = "X402_AMOUNT_EXCEEDS_POLICY"
	X402InsufficientFunds                     = "X402_INSUFFICIENT_FUNDS"
	X402DelegationGrantRevoked                = "X402_DELEGATION_GRANT_REVOKED"
	X402DelegationGrantPerCallExceeded        = "X402_DELEGATION_GRANT_PER_CALL_EXCEEDED"
	X402DelegationGrantTotalExceeded          = "X402_DELEGATION_GRANT_TOTAL_EXCEEDED"
	X402PromptRiskForceChallenge              = "X402_PROMPT_RISK_FORCE_CHALLENGE"
	X402PromptRiskForceEscalate               = "X402_PROMPT_RISK_FORCE_ESCALATE"
	X402PromptRiskEvidenceRequired            = "X402_PROMPT_RISK_EVIDENCE_REQUIRED"
	X402WalletIssuerDecisionRequired          = "X402_WALLET_ISSUER_DECISION_REQUIRED"
	X402ExecutionIntentRequired               = "X402_EXECUTION_INTENT_REQUIRED"
	X402ExecutionIntentIdempotencyMismatch    = "X402_EXECUTION_INTENT_IDEMPOTENCY_MISMATCH"
	X402ExecutionIntentConflict               = "X402_EXECUTION_INTENT_CONFLICT"
	X402RequestBindingEvidenceRequired        = "X402_REQUEST_BINDING_EVIDENCE_REQUIRED"
	X402RequestBindingEvidenceMismatch        = "X402_REQUEST_BINDING_EVIDENCE_MISMATCH"
	X402ReversalBindingEvidenceRequired       = "X402_REVERSAL_BINDING_EVIDENCE_REQUIRED"
	X402ReversalBindingEvidenceMismatch       = "X402_REVERSAL_BINDING_EVIDENCE_MISMATCH"
	X402DisputeBindingEvidenceRequired        = "X402_DISPUTE_BINDING_EVIDENCE_REQUIRED"
	X402DisputeBindingEvidenceMismatch        = "X402_DISPUTE_BINDING_EVIDENCE_MISMATCH"
	X402ArbitrationBindingEvidenceRequired    = "X402_ARBITRATION_BINDING_EVIDENCE_REQUIRED"
	X402ArbitrationBindingEvidenceMismatch    = "X402_ARBITRATION_BINDING_EVIDENCE_MISMATCH"
	X402SettlementBindingEvidenceRequired     = "X402_SETTLEMENT_BINDING_EVIDENCE_REQUIRED"
	X402SettlementBindingEvidenceMismatch     = "X402_SETTLEMENT_BINDING_EVIDENCE_MISMATCH"
	X402ReleasePolicyInvalid                  = "X402_RELEASE_POLICY_INVALID"
	X402VerifierUnknown                       = "X402_VERIFIER_UNKNOWN"
	X402DisputeWindowClosed                   = "X402_DISPUTE_WINDOW_CLOSED"
)

// Ledger, holds, month close.
const (
	LedgerUnbalanced          = "LEDGER_UNBALANCED"
	HoldNotFound              = "HOLD_NOT_FOUND"
	HoldNotActive             = "HOLD_NOT_ACTIVE"
	HoldAmountExceeded        = "HOLD_AMOUNT_EXCEEDED"
	MonthCloseNotOpen         = "MONTH_CLOSE_NOT_OPEN"
	MonthCloseAlreadyRun      = "MONTH_CLOSE_ALREADY_RUN"
	StatementBasisUnsupported = "STATEMENT_BASIS_UNSUPPORTED"
)

// Money rails.
const (
	RailOperationNotFound             = "RAIL_OPERATION_NOT_FOUND"
	RailIllegalTransition             = "RAIL_ILLEGAL_TRANSITION"
	RailDuplicateEvent                = "RAIL_DUPLICATE_EVENT"
	RailChargebackExposureOutstanding = "RAIL_CHARGEBACK_EXPOSURE_OUTSTANDING"
	TriageNotFound                    = "TRIAGE_NOT_FOUND"
)

// Artifacts and bundles.
const (
	ArtifactHashMismatch = "ARTIFACT_HASH_MISMATCH"
	ArtifactImmutable    = "ARTIFACT_IMMUTABLE"
	BundleUnsafeEntry    = "BUNDLE_UNSAFE_ENTRY"
)

// Billing providers.
const (
	BillingSignatureInvalid        = "BILLING_SIGNATURE_INVALID"
	BillingSignatureStale          = "BILLING_SIGNATURE_STALE"
	BillingProviderUpstreamError   = "BILLING_PROVIDER_UPSTREAM_ERROR"
	BillingProviderCircuitOpen     = "BILLING_PROVIDER_CIRCUIT_OPEN"
	BillingDeadLetterNotFound      = "BILLING_DEAD_LETTER_NOT_FOUND"
	BillingDeadLetterNotReplayable = "BILLING_DEAD_LETTER_NOT_REPLAYABLE"
	BillingPlanUnknown             = "BILLING_PLAN_UNKNOWN"
)

// Fatal.
const (
	AggregateKillSwitch = "AGGREGATE_KILL_SWITCH"
	Internal            = "INTERNAL"
)

// Common pre-built errors for the hot paths.
var (
	ErrNotFound            = New(NotFound, http.StatusNotFound, "resource not found")
	ErrMissingPrecondition = New(MissingPrecondition, http.StatusPreconditionRequired, "chain context required")
)

// AsError extracts a *Error from err, or wraps it as an opaque internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: Internal, Status: http.StatusInternalServerError, Message: "internal error"}
}
