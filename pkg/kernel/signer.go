package kernel

import (
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// Signer key statuses.
const (
	KeyActive  = "active"
	KeyRotated = "rotated"
	KeyRevoked = "revoked"
)

// SignerKey is a registered Ed25519 public key with a lifecycle window.
type SignerKey struct {
	KeyID        string     `json:"keyId"`
	AgentID      string     `json:"agentId,omitempty"`
	PublicKeyHex string     `json:"publicKeyHex"`
	Status       string     `json:"status"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidTo      *time.Time `json:"validTo,omitempty"`
	RotatedAt    *time.Time `json:"rotatedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// EvaluateSignerLifecycle returns nil only when the key is active at the
// given instant. Every non-OK outcome carries one of the stable
// SIGNER_KEY_* reason codes; callers surface them verbatim.
func EvaluateSignerLifecycle(key *SignerKey, at time.Time) error {
	if key == nil {
		return codes.New(codes.SignerKeyNotRegistered, http.StatusConflict, "signer key is not registered")
	}
	switch key.Status {
	case KeyRotated:
		// A rotated key stays valid for events dated before the rotation.
		if key.RotatedAt != nil && at.Before(*key.RotatedAt) {
			break
		}
		return codes.Newf(codes.SignerKeyRotated, http.StatusConflict, "signer key %s was rotated", key.KeyID)
	case KeyRevoked:
		return codes.Newf(codes.SignerKeyRevoked, http.StatusConflict, "signer key %s was revoked", key.KeyID)
	case KeyActive:
		// fall through to window checks
	default:
		return codes.Newf(codes.SignerKeyNotActive, http.StatusConflict, "signer key %s has status %q", key.KeyID, key.Status)
	}
	if key.ValidFrom != nil && at.Before(*key.ValidFrom) {
		return codes.Newf(codes.SignerKeyNotYetValid, http.StatusConflict, "signer key %s not yet valid at %s", key.KeyID, at.Format(time.RFC3339))
	}
	if key.ValidTo != nil && at.After(*key.ValidTo) {
		return codes.Newf(codes.SignerKeyExpired, http.StatusConflict, "signer key %s expired at %s", key.KeyID, key.ValidTo.Format(time.RFC3339))
	}
	return nil
}
