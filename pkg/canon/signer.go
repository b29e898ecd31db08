package canon

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Signatures are computed over the hex content hash string, not the raw
// canonical bytes, so they travel decoupled from payload byte layout.
// Public keys are hex; signatures are base64.

// Signer holds an Ed25519 keypair identified by KeyID.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		KeyID: keyID,
	}
}

// SignHash signs a hex content hash and returns the base64 signature.
func (s *Signer) SignHash(hashHex string) string {
	sig := ed25519.Sign(s.priv, []byte(hashHex))
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// PrivateKey exposes the underlying key for PEM persistence at startup.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// VerifyHash verifies a base64 signature over a hex content hash against a
// hex-encoded public key.
func VerifyHash(pubKeyHex, sigB64, hashHex string) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(hashHex), sig), nil
}
