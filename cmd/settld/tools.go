package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/canon"
	"github.com/nooterra-labs/settld/pkg/store"
)

// emit writes a tool result either as a schema-versioned JSON envelope or
// as plain text lines.
func emit(stdout io.Writer, jsonOutput bool, schema string, fields map[string]any, plain func(io.Writer)) {
	if jsonOutput {
		envelope := map[string]any{"schemaVersion": schema}
		for k, v := range fields {
			envelope[k] = v
		}
		data, _ := json.MarshalIndent(envelope, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return
	}
	plain(stdout)
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "http://localhost:8080", "Coordinator base URL")
	format := cmd.String("format", "text", "Output format (text|json)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	jsonOut := *format == "json"

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		emit(stdout, jsonOut, "HealthOutput.v1",
			map[string]any{"ok": false, "error": err.Error()},
			func(w io.Writer) { fmt.Fprintf(w, "health check failed: %v\n", err) })
		return 1
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	emit(stdout, jsonOut, "HealthOutput.v1",
		map[string]any{
			"ok":       ok,
			"status":   resp.StatusCode,
			"protocol": resp.Header.Get("x-settld-protocol"),
		},
		func(w io.Writer) { fmt.Fprintf(w, "status: %d\n", resp.StatusCode) })
	if !ok {
		return 1
	}
	return 0
}

func runGateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "get" {
		fmt.Fprintln(stderr, "Usage: settld gate get --id <gateId> [--addr URL] [--key keyId.secret]")
		return 2
	}
	cmd := flag.NewFlagSet("gate get", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "Gate id (REQUIRED)")
	addr := cmd.String("addr", "http://localhost:8080", "Coordinator base URL")
	key := cmd.String("key", os.Getenv("SETTLD_API_KEY"), "Bearer credential keyId.secret")
	format := cmd.String("format", "text", "Output format (text|json)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	jsonOut := *format == "json"
	if *id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	req, err := http.NewRequest(http.MethodGet, *addr+"/x402/gate/"+*id, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *key != "" {
		req.Header.Set("Authorization", "Bearer "+*key)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		emit(stdout, jsonOut, "GateGetOutput.v1",
			map[string]any{"ok": false, "error": err.Error()},
			func(w io.Writer) { fmt.Fprintf(w, "request failed: %v\n", err) })
		return 1
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "Error decoding response: %v\n", err)
		return 1
	}

	emit(stdout, jsonOut, "GateGetOutput.v1",
		map[string]any{"ok": resp.StatusCode == http.StatusOK, "status": resp.StatusCode, "gate": body["gate"]},
		func(w io.Writer) {
			data, _ := json.MarshalIndent(body, "", "  ")
			fmt.Fprintln(w, string(data))
		})
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runCanonCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("canon", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	in := cmd.String("in", "", "Input JSON file (default stdin)")
	format := cmd.String("format", "text", "Output format (text|json)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	jsonOut := *format == "json"

	var raw []byte
	var err error
	if *in == "" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*in)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error reading input: %v\n", err)
		return 1
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		emit(stdout, jsonOut, "CanonOutput.v1",
			map[string]any{"ok": false, "error": "input is not valid JSON"},
			func(w io.Writer) { fmt.Fprintf(w, "input is not valid JSON: %v\n", err) })
		return 1
	}
	canonical, err := canon.Canonicalize(v)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	emit(stdout, jsonOut, "CanonOutput.v1",
		map[string]any{"ok": true, "canonical": string(canonical), "hash": canon.HashBytes(canonical)},
		func(w io.Writer) {
			fmt.Fprintln(w, string(canonical))
			fmt.Fprintln(w, canon.HashBytes(canonical))
		})
	return 0
}

func runVerifyArtifactCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-artifact", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "Artifact record JSON file (REQUIRED)")
	format := cmd.String("format", "text", "Output format (text|json)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	jsonOut := *format == "json"
	if *file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading artifact: %v\n", err)
		return 1
	}
	var art store.Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		fmt.Fprintf(stderr, "Error parsing artifact: %v\n", err)
		return 1
	}

	if err := artifacts.Verify(&art); err != nil {
		emit(stdout, jsonOut, "VerifyArtifactOutput.v1",
			map[string]any{"ok": false, "artifactId": art.ArtifactID, "error": err.Error()},
			func(w io.Writer) { fmt.Fprintf(w, "verification failed: %v\n", err) })
		return 1
	}

	emit(stdout, jsonOut, "VerifyArtifactOutput.v1",
		map[string]any{"ok": true, "artifactId": art.ArtifactID, "artifactHash": art.ArtifactHash},
		func(w io.Writer) {
			fmt.Fprintf(w, "artifact verified: %s\n", art.ArtifactID)
			fmt.Fprintf(w, "  hash: %s\n", art.ArtifactHash)
		})
	return 0
}

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	out := cmd.String("out", "", "Write the hex seed to this file instead of stdout")
	format := cmd.String("format", "text", "Output format (text|json)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	jsonOut := *format == "json"

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	seed := hex.EncodeToString(priv.Seed())

	if *out != "" {
		if err := os.WriteFile(*out, []byte(seed), 0o600); err != nil {
			fmt.Fprintf(stderr, "Error writing key: %v\n", err)
			return 1
		}
		emit(stdout, jsonOut, "KeygenOutput.v1",
			map[string]any{"ok": true, "path": *out, "publicKey": hex.EncodeToString(pub)},
			func(w io.Writer) { fmt.Fprintf(w, "key written to %s\npublic: %s\n", *out, hex.EncodeToString(pub)) })
		return 0
	}

	emit(stdout, jsonOut, "KeygenOutput.v1",
		map[string]any{"ok": true, "seed": seed, "publicKey": hex.EncodeToString(pub)},
		func(w io.Writer) { fmt.Fprintf(w, "%s\n", seed) })
	return 0
}
