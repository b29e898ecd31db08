package gate

import (
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
)

// PayToken is the SettldPayTokenV1 payload minted at authorize time. It
// binds the gate to its request fingerprint and delegation lineage.
type PayToken struct {
	SchemaVersion           string   `json:"schemaVersion"`
	GateID                  string   `json:"gateId"`
	AmountCents             int64    `json:"amountCents"`
	Currency                string   `json:"currency"`
	BindingHash             string   `json:"bindingHash"`
	EffectiveDelegationHash string   `json:"effectiveDelegationHash,omitempty"`
	LineageGrantHashes      []string `json:"lineageGrantHashes,omitempty"`
	IssuedAt                string   `json:"issuedAt"`
}

func newPayToken(st *State, bindingHash, effectiveHash string, lineage []string, at time.Time) *PayToken {
	return &PayToken{
		SchemaVersion:           "SettldPayTokenV1",
		GateID:                  st.GateID,
		AmountCents:             st.AmountCents,
		Currency:                st.Currency,
		BindingHash:             bindingHash,
		EffectiveDelegationHash: effectiveHash,
		LineageGrantHashes:      lineage,
		IssuedAt:                at.UTC().Format(time.RFC3339Nano),
	}
}

// BindingHashOf canonically hashes a request binding.
func BindingHashOf(rb *RequestBinding) (string, error) {
	return canon.Hash(map[string]any{
		"method":     rb.Method,
		"host":       rb.Host,
		"path":       rb.Path,
		"bodySha256": rb.BodySha256,
	})
}

// walletClaims is the WalletAuthorizationDecisionToken claim set: an opaque
// signed decision from the sponsor wallet issuer encoding what it approved.
type walletClaims struct {
	WalletRef               string `json:"walletRef"`
	MaxAmountCents          int64  `json:"maxAmountCents"`
	EffectiveDelegationHash string `json:"effectiveDelegationHash,omitempty"`
	jwt.RegisteredClaims
}

// WalletIssuer mints and verifies sponsor-wallet decision tokens (EdDSA).
type WalletIssuer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	name string
	ttl  time.Duration
}

// NewWalletIssuer wraps the issuer keypair.
func NewWalletIssuer(name string, priv ed25519.PrivateKey, ttl time.Duration) *WalletIssuer {
	return &WalletIssuer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		name: name,
		ttl:  ttl,
	}
}

// Issue mints a decision token for one wallet and amount ceiling.
func (w *WalletIssuer) Issue(walletRef string, maxAmountCents int64, effectiveDelegationHash string, at time.Time) (string, error) {
	claims := walletClaims{
		WalletRef:               walletRef,
		MaxAmountCents:          maxAmountCents,
		EffectiveDelegationHash: effectiveDelegationHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    w.name,
			IssuedAt:  jwt.NewNumericDate(at),
			ExpiresAt: jwt.NewNumericDate(at.Add(w.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(w.priv)
}

// Verify checks the token signature and that the decision covers the
// requested wallet and amount.
func (w *WalletIssuer) Verify(token, walletRef string, amountCents int64, at time.Time) error {
	var claims walletClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return w.pub, nil
	}, jwt.WithTimeFunc(func() time.Time { return at }))
	if err != nil || !parsed.Valid {
		return codes.New(codes.X402WalletIssuerDecisionRequired, http.StatusConflict,
			"wallet issuer decision token is invalid")
	}
	if claims.WalletRef != walletRef {
		return codes.Newf(codes.X402WalletIssuerDecisionRequired, http.StatusConflict,
			"decision token covers wallet %s, gate targets %s", claims.WalletRef, walletRef)
	}
	if amountCents > claims.MaxAmountCents {
		return codes.Newf(codes.X402WalletIssuerDecisionRequired, http.StatusConflict,
			"decision token caps amount at %d, gate needs %d", claims.MaxAmountCents, amountCents)
	}
	return nil
}
