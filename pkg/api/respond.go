// Package api exposes the Settld coordinator over HTTP: agent and wallet
// management, the x402 gate lifecycle, delegation grants, dispute and
// arbitration actions, and the ops surface (month close, reconciliation,
// triage, billing webhooks).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// ProtocolVersion is stamped on every response.
const ProtocolVersion = "1.0"

const protocolHeader = "x-settld-protocol"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(protocolHeader, ProtocolVersion)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the wire shape of every failure.
type errorEnvelope struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps a domain error onto the stable envelope. Errors without a
// code surface as an opaque 500 so internals never leak.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var coded *codes.Error
	if !errors.As(err, &coded) {
		slog.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "err", err)
		coded = codes.New(codes.Internal, http.StatusInternalServerError, "internal error")
	}
	writeJSON(w, coded.Status, errorEnvelope{
		OK:      false,
		Code:    coded.Code,
		Message: coded.Message,
		Details: coded.Details,
	})
}

// decodeBody parses a bounded JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return codes.New(codes.SchemaInvalid, http.StatusBadRequest, "request body is not valid JSON")
	}
	return nil
}
