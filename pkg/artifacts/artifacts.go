// Package artifacts builds and verifies content-addressed JSON artifacts,
// persists them to object storage, and assembles deterministic zip audit
// packets. An artifact's hash is computed over its core document with the
// artifactHash field omitted; verification re-canonicalizes and compares.
package artifacts

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Build computes the artifact hash over core (which must not already carry
// an artifactHash field) and returns the storable row. The stored core
// includes the hash so the document is self-describing.
func Build(tenantID, artifactType string, core map[string]any, at time.Time) (*store.Artifact, error) {
	if _, clash := core["artifactHash"]; clash {
		return nil, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "artifact core must not preset artifactHash")
	}
	hash, err := canon.Hash(core)
	if err != nil {
		return nil, err
	}
	withHash := make(map[string]any, len(core)+1)
	for k, v := range core {
		withHash[k] = v
	}
	withHash["artifactHash"] = hash
	raw, err := json.Marshal(withHash)
	if err != nil {
		return nil, fmt.Errorf("encode artifact core: %w", err)
	}
	return &store.Artifact{
		TenantID:     tenantID,
		ArtifactID:   hash,
		ArtifactType: artifactType,
		ArtifactHash: hash,
		Core:         raw,
		CreatedAt:    at.UTC(),
	}, nil
}

// Verify recomputes the hash from the stored core (with artifactHash
// stripped) and compares it to the recorded one.
func Verify(a *store.Artifact) error {
	var core map[string]any
	if err := json.Unmarshal(a.Core, &core); err != nil {
		return codes.Newf(codes.ArtifactHashMismatch, http.StatusConflict, "artifact %s core is not valid JSON", a.ArtifactID)
	}
	delete(core, "artifactHash")
	hash, err := canon.Hash(core)
	if err != nil {
		return err
	}
	if hash != a.ArtifactHash {
		return codes.Newf(codes.ArtifactHashMismatch, http.StatusConflict,
			"artifact %s hash mismatch: computed %s", a.ArtifactID, hash).
			WithDetails(map[string]any{"computedHash": hash, "recordedHash": a.ArtifactHash})
	}
	return nil
}

// ObjectKey is the persisted layout: {prefix}/artifacts/{type}/{hash}.json.
func ObjectKey(prefix, artifactType, artifactHash string) string {
	if prefix != "" {
		return prefix + "/artifacts/" + artifactType + "/" + artifactHash + ".json"
	}
	return "artifacts/" + artifactType + "/" + artifactHash + ".json"
}
