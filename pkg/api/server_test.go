package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/billing"
	"github.com/nooterra-labs/settld/pkg/dispute"
	"github.com/nooterra-labs/settld/pkg/gate"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/opsworker"
	"github.com/nooterra-labs/settld/pkg/rails"
	"github.com/nooterra-labs/settld/pkg/store"
)

const (
	testBearer   = "key_1.s3cret"
	testOpsToken = "ops-tok-1"
	testTenant   = "tenant_default"
)

var webhookSecret = []byte("whsec_test")

type env struct {
	srv    *httptest.Server
	store  store.Store
	ledger *ledger.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := kernel.NewRegistry()
	identity.RegisterReducers(reg)
	ledger.RegisterReducers(reg)
	gate.RegisterReducers(reg)
	dispute.RegisterReducers(reg)
	rails.RegisterReducers(reg)
	billing.RegisterReducers(reg)
	st := store.NewMemoryStore()
	k := kernel.New(st, reg)
	id := identity.NewService(k)
	k.WithKeyLookup(id.KeyLookup())
	gates := gate.NewService(k, id)
	led := ledger.NewService(k)

	server := NewServer(Deps{
		Store:    st,
		Identity: id,
		Gates:    gates,
		Ledger:   led,
		Rails:    rails.NewService(k),
		Disputes: dispute.NewService(k, gates),
		Billing:  billing.NewService(k, webhookSecret, []string{"starter"}),
		Auth: &AuthConfig{
			Keys:      map[string]APIKey{"key_1": {Secret: "s3cret", TenantID: testTenant}},
			OpsTokens: []string{testOpsToken},
		},
	}).WithRateLimiter(NewRateLimiter(1000, 1000))

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, ledger: led}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+testBearer)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/agents", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var envlp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envlp))
	assert.Equal(t, false, envlp["ok"])
	assert.Equal(t, "AUTH_REQUIRED", envlp["code"])

	resp2, body := e.do(t, http.MethodGet, "/agents", nil, map[string]string{"Authorization": "Bearer key_1.wrong"})
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	assert.Equal(t, "AUTH_FORBIDDEN", body["code"])
}

func TestOpsRoutesRejectBearerKeys(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/ops/month-close", map[string]any{"month": "2026-01"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "AUTH_FORBIDDEN", body["code"])
}

func TestHealthzAndProtocolHeader(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ProtocolVersion, resp.Header.Get("x-settld-protocol"))
}

func TestAgentWalletFlow(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/agents/register",
		map[string]any{"agentId": "payer", "ownerId": "o1"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = e.do(t, http.MethodPost, "/agents/payer/wallet/credit",
		map[string]any{"amountCents": 5000, "currency": "USD", "memo": "seed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	wallet := body["wallet"].(map[string]any)
	assert.Equal(t, float64(5000), wallet["availableCents"])

	resp, body = e.do(t, http.MethodGet, "/agents/payer/wallet", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5000), body["wallet"].(map[string]any)["availableCents"])

	resp, body = e.do(t, http.MethodGet, "/agents/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestGateLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)

	for _, agent := range []string{"payer", "payee"} {
		resp, _ := e.do(t, http.MethodPost, "/agents/register",
			map[string]any{"agentId": agent, "ownerId": "o1"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := e.do(t, http.MethodPost, "/agents/payer/wallet/credit",
		map[string]any{"amountCents": 5000, "currency": "USD"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/x402/gate/create", map[string]any{
		"gateId": "g1", "payerAgentId": "payer", "payeeAgentId": "payee",
		"amountCents": 400, "currency": "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", body["gate"].(map[string]any)["status"])

	resp, body = e.do(t, http.MethodPost, "/x402/gate/authorize-payment", map[string]any{
		"gateId": "g1",
		"requestBinding": map[string]any{
			"method": "POST", "host": "api.tool.example", "path": "/v1/search",
			"bodySha256": sha("request-body"),
		},
		"executionIntent": map[string]any{"idempotencyKey": "idem_1"},
	}, map[string]string{"x-idempotency-key": "idem_1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "authorized", body["gate"].(map[string]any)["status"])
	assert.NotEmpty(t, body["payToken"].(map[string]any)["bindingHash"])

	resp, body = e.do(t, http.MethodPost, "/x402/gate/verify", map[string]any{
		"gateId":             "g1",
		"verificationStatus": "green",
		"evidenceRefs": []string{
			"http:request_sha256:" + sha("request-body"),
			"http:response_sha256:" + sha("response-body"),
		},
		"policy": map[string]any{
			"mode": "auto",
			"rules": map[string]any{
				"autoReleaseOnGreen": true, "greenReleaseRatePct": 100,
			},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	g := body["gate"].(map[string]any)
	assert.Equal(t, "released", g["status"])

	resp, body = e.do(t, http.MethodGet, "/x402/gate/g1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "released", body["gate"].(map[string]any)["status"])

	resp, body = e.do(t, http.MethodGet, "/x402/gate/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "X402_GATE_NOT_FOUND", body["code"])
}

func TestMonthCloseOverHTTP(t *testing.T) {
	e := newEnv(t)
	ops := map[string]string{"Authorization": "", "x-proxy-ops-token": testOpsToken}

	resp, body := e.do(t, http.MethodPost, "/ops/month-close", map[string]any{"month": "2026-01"}, ops)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "CLOSE_REQUESTED", body["monthClose"].(map[string]any)["status"])

	// The worker tick performs the close.
	w := opsworker.NewMonthCloseWorker(e.ledger, e.store, testTenant)
	require.NoError(t, w.RunOnce(t.Context(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))

	resp, body = e.do(t, http.MethodGet, "/ops/month-close?month=2026-01", nil, ops)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mc := body["monthClose"].(map[string]any)
	assert.Equal(t, "CLOSED", mc["status"])
	assert.NotEmpty(t, mc["statementArtifactId"])
}

func TestOpsStatus(t *testing.T) {
	e := newEnv(t)
	ops := map[string]string{"Authorization": "", "x-proxy-ops-token": testOpsToken}

	resp, body := e.do(t, http.MethodGet, "/ops/status", nil, ops)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, ProtocolVersion, body["protocol"])
	assert.Equal(t, float64(0), body["deadLetterCount"])
	assert.Equal(t, float64(0), body["openTriageCount"])
}

func TestBillingWebhookOverHTTP(t *testing.T) {
	e := newEnv(t)
	payload := `{"id":"evt_1","type":"subscription.created","data":{"planId":"starter","subscriptionRef":"sub_1"}}`

	req, err := http.NewRequest(http.MethodPost,
		e.srv.URL+"/ops/finance/billing/providers/stripe/webhook", bytes.NewBufferString(payload))
	require.NoError(t, err)
	req.Header.Set("stripe-signature", billing.SignWebhook(webhookSecret, []byte(payload), time.Now()))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "active", body["subscription"].(map[string]any)["status"])

	// Unsigned deliveries are rejected.
	resp2, err := http.Post(e.srv.URL+"/ops/finance/billing/providers/stripe/webhook",
		"application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "THROTTLED", body["code"])
}
