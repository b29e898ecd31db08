package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Request headers.
const (
	headerTenant            = "x-proxy-tenant-id"
	headerOpsToken          = "x-proxy-ops-token"
	headerIdempotencyKey    = "x-idempotency-key"
	headerExpectedPrevChain = "x-proxy-expected-prev-chain-hash"
)

// APIKey binds one bearer credential to a tenant.
type APIKey struct {
	Secret   string
	TenantID string
}

// AuthConfig holds the credential material the middleware checks against.
type AuthConfig struct {
	// Keys maps keyId to its secret and tenant; bearer tokens are
	// "<keyId>.<secret>".
	Keys map[string]APIKey
	// OpsTokens authorize the /ops surface.
	OpsTokens []string
}

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxOps
)

// TenantFrom returns the authenticated tenant for the request.
func TenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(ctxTenant).(string); ok {
		return t
	}
	return store.DefaultTenant
}

func isOps(ctx context.Context) bool {
	ops, _ := ctx.Value(ctxOps).(bool)
	return ops
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authenticate resolves the caller: a bearer key pins the tenant, an ops
// token grants the ops surface. The tenant header only narrows within what
// the credential allows.
func (cfg *AuthConfig) authenticate(r *http.Request) (context.Context, error) {
	ctx := r.Context()

	if tok := r.Header.Get(headerOpsToken); tok != "" {
		for _, want := range cfg.OpsTokens {
			if equalSecret(tok, want) {
				tenant := r.Header.Get(headerTenant)
				if tenant == "" {
					tenant = store.DefaultTenant
				}
				ctx = context.WithValue(ctx, ctxTenant, tenant)
				return context.WithValue(ctx, ctxOps, true), nil
			}
		}
		return nil, codes.New(codes.AuthForbidden, http.StatusForbidden, "ops token is not recognized")
	}

	auth := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || bearer == "" {
		return nil, codes.New(codes.AuthRequired, http.StatusUnauthorized, "bearer credential required")
	}
	keyID, secret, ok := strings.Cut(bearer, ".")
	if !ok {
		return nil, codes.New(codes.AuthRequired, http.StatusUnauthorized, "bearer credential is malformed")
	}
	key, exists := cfg.Keys[keyID]
	if !exists || !equalSecret(secret, key.Secret) {
		return nil, codes.New(codes.AuthForbidden, http.StatusForbidden, "credential is not recognized")
	}
	if want := r.Header.Get(headerTenant); want != "" && want != key.TenantID {
		return nil, codes.New(codes.AuthForbidden, http.StatusForbidden, "credential does not cover the requested tenant")
	}
	return context.WithValue(ctx, ctxTenant, key.TenantID), nil
}

// requireAuth wraps a handler with authentication.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, err := s.auth.authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// requireOps additionally restricts the route to ops credentials.
func (s *Server) requireOps(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !isOps(r.Context()) {
			writeError(w, r, codes.New(codes.AuthForbidden, http.StatusForbidden, "route requires an ops token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter throttles per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps sustained requests per second per IP with the
// given burst.
func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.visitors[ip]; ok {
		v.lastSeen = now
		return v.limiter
	}
	// Evict idle visitors on insert instead of a background goroutine.
	for k, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 3*time.Minute {
			delete(rl.visitors, k)
		}
	}
	l := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[ip] = &visitor{limiter: l, lastSeen: now}
	return l
}

// Middleware enforces the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.limiterFor(ip, time.Now()).Allow() {
			writeError(w, r, codes.New(codes.Throttled, http.StatusTooManyRequests, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotencyKey reads the optional idempotency header.
func idempotencyKey(r *http.Request) string {
	return r.Header.Get(headerIdempotencyKey)
}

// expectedPrevChainHash reads the optional chain precondition header.
func expectedPrevChainHash(r *http.Request) *string {
	if v := r.Header.Get(headerExpectedPrevChain); v != "" {
		return &v
	}
	return nil
}
