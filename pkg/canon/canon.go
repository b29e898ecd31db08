// Package canon provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and SHA-256 hashing for deterministic content addressing of
// Settld events, artifacts, and grants.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gowebpki/jcs"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// Strategy: marshal with encoding/json first (this respects struct tags and
// rejects cycles and non-finite numbers), then transform the bytes with JCS.
// Non-canonicalizable input yields ENCODE_NON_CANONICAL.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, codes.Newf(codes.EncodeNonCanonical, http.StatusBadRequest, "value is not canonicalizable: %v", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, codes.Newf(codes.EncodeNonCanonical, http.StatusBadRequest, "jcs transform failed: %v", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
// This is the universal content hash used across the coordinator.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustHash hashes v and panics on failure. Reserved for values the caller
// constructed from plain maps and strings.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(fmt.Sprintf("canon: unhashable value: %v", err))
	}
	return h
}
