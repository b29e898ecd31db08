package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/artifacts"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"settld"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")
}

func TestHelp(t *testing.T) {
	code, out, _ := runCLI(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "settlement coordinator")
	assert.Contains(t, out, "verify-artifact")
}

func TestCanonJSONOutput(t *testing.T) {
	in := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"b": 2, "a": 1}`), 0o600))

	code, out, _ := runCLI(t, "canon", "--in", in, "--format", "json")
	require.Equal(t, 0, code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &envelope))
	assert.Equal(t, "CanonOutput.v1", envelope["schemaVersion"])
	assert.Equal(t, true, envelope["ok"])
	assert.Equal(t, `{"a":1,"b":2}`, envelope["canonical"])
	assert.NotEmpty(t, envelope["hash"])
}

func TestCanonRejectsInvalidJSON(t *testing.T) {
	in := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(in, []byte(`{nope`), 0o600))

	code, out, _ := runCLI(t, "canon", "--in", in, "--format", "json")
	assert.Equal(t, 1, code)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &envelope))
	assert.Equal(t, false, envelope["ok"])
}

func TestVerifyArtifact(t *testing.T) {
	art, err := artifacts.Build("tenant_default", "MonthlyStatement.v1",
		map[string]any{"month": "2026-01", "totalCents": 1200}, time.Now().UTC())
	require.NoError(t, err)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	raw, err := json.Marshal(art)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(good, raw, 0o600))

	code, out, _ := runCLI(t, "verify-artifact", "--file", good, "--format", "json")
	require.Equal(t, 0, code, "out: %s", out)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &envelope))
	assert.Equal(t, "VerifyArtifactOutput.v1", envelope["schemaVersion"])
	assert.Equal(t, true, envelope["ok"])
	assert.Equal(t, art.ArtifactHash, envelope["artifactHash"])

	// Tampered core must fail the hash check.
	art.Core = json.RawMessage(`{"month":"2026-02"}`)
	bad := filepath.Join(dir, "bad.json")
	raw, err = json.Marshal(art)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bad, raw, 0o600))

	code, out, _ = runCLI(t, "verify-artifact", "--file", bad, "--format", "json")
	assert.Equal(t, 1, code)
	require.NoError(t, json.Unmarshal([]byte(out), &envelope))
	assert.Equal(t, false, envelope["ok"])
}

func TestKeygenWritesSeed(t *testing.T) {
	out := filepath.Join(t.TempDir(), "issuer.key")
	code, stdout, _ := runCLI(t, "keygen", "--out", out, "--format", "json")
	require.Equal(t, 0, code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &envelope))
	assert.Equal(t, "KeygenOutput.v1", envelope["schemaVersion"])
	assert.Equal(t, true, envelope["ok"])

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, raw, 64) // hex-encoded 32-byte seed

	// The server-side loader must accept what keygen wrote.
	priv, err := loadOrGenerateWalletKey(out)
	require.NoError(t, err)
	assert.NotNil(t, priv)
}
