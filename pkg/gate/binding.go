package gate

import (
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
)

// Downstream actions that must reproduce the authorize-time binding.
const (
	ActionReversal    = "reversal"
	ActionDispute     = "dispute"
	ActionArbitration = "arbitration"
	ActionSettlement  = "settlement"
)

var bindingRequiredCodes = map[string]string{
	ActionReversal:    codes.X402ReversalBindingEvidenceRequired,
	ActionDispute:     codes.X402DisputeBindingEvidenceRequired,
	ActionArbitration: codes.X402ArbitrationBindingEvidenceRequired,
	ActionSettlement:  codes.X402SettlementBindingEvidenceRequired,
}

var bindingMismatchCodes = map[string]string{
	ActionReversal:    codes.X402ReversalBindingEvidenceMismatch,
	ActionDispute:     codes.X402DisputeBindingEvidenceMismatch,
	ActionArbitration: codes.X402ArbitrationBindingEvidenceMismatch,
	ActionSettlement:  codes.X402SettlementBindingEvidenceMismatch,
}

// RequireBindingEvidence checks that a downstream action reproduces the
// original request fingerprint: the supplied evidence object must hash to
// the gate's recorded bindingHash. Missing and mismatching evidence raise
// the action's precisely named code.
func RequireBindingEvidence(st *State, action string, bindingEvidence map[string]any) error {
	requiredCode, ok := bindingRequiredCodes[action]
	if !ok {
		return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown binding action %q", action)
	}
	if len(bindingEvidence) == 0 {
		return codes.Newf(requiredCode, http.StatusConflict, "%s requires binding evidence", action)
	}
	hash, err := canon.Hash(bindingEvidence)
	if err != nil {
		return err
	}
	if st.BindingHash == "" || hash != st.BindingHash {
		return codes.Newf(bindingMismatchCodes[action], http.StatusConflict,
			"%s binding evidence does not match the authorized request fingerprint", action)
	}
	return nil
}

// InDisputeWindow reports whether the dispute window is still open at the
// given instant. Gates without a settlement have no window.
func InDisputeWindow(st *State, at time.Time) (bool, error) {
	if st.Settlement == nil || st.Settlement.DisputeWindowEndsAt == "" {
		return false, nil
	}
	ends, err := time.Parse(time.RFC3339, st.Settlement.DisputeWindowEndsAt)
	if err != nil {
		return false, codes.Newf(codes.Internal, http.StatusInternalServerError, "gate %s has a malformed dispute window", st.GateID)
	}
	return at.Before(ends), nil
}
