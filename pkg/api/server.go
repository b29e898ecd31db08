package api

import (
	"net/http"

	"github.com/nooterra-labs/settld/pkg/billing"
	"github.com/nooterra-labs/settld/pkg/dispute"
	"github.com/nooterra-labs/settld/pkg/gate"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/rails"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Server wires the domain services behind the HTTP surface.
type Server struct {
	store    store.Store
	identity *identity.Service
	gates    *gate.Service
	ledger   *ledger.Service
	rails    *rails.Service
	disputes *dispute.Service
	billing  *billing.Service
	wallets  *gate.WalletIssuer
	auth     *AuthConfig
	limiter  *RateLimiter
}

// Deps collects the services the server fronts. Wallets and Billing are
// optional; their routes fail with 503 when absent.
type Deps struct {
	Store    store.Store
	Identity *identity.Service
	Gates    *gate.Service
	Ledger   *ledger.Service
	Rails    *rails.Service
	Disputes *dispute.Service
	Billing  *billing.Service
	Wallets  *gate.WalletIssuer
	Auth     *AuthConfig
}

// NewServer builds the server with a 50 rps / burst 100 per-IP limit.
func NewServer(d Deps) *Server {
	auth := d.Auth
	if auth == nil {
		auth = &AuthConfig{}
	}
	return &Server{
		store:    d.Store,
		identity: d.Identity,
		gates:    d.Gates,
		ledger:   d.Ledger,
		rails:    d.Rails,
		disputes: d.Disputes,
		billing:  d.Billing,
		wallets:  d.Wallets,
		auth:     auth,
		limiter:  NewRateLimiter(50, 100),
	}
}

// WithRateLimiter overrides the default limiter.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.limiter = rl
	return s
}

// Handler returns the routed HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)

	mux.HandleFunc("POST /agents/register", s.requireAuth(s.handleRegisterAgent))
	mux.HandleFunc("GET /agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("GET /agents/{id}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("POST /agents/{id}/wallet/credit", s.requireAuth(s.handleCreditWallet))
	mux.HandleFunc("GET /agents/{id}/wallet", s.requireAuth(s.handleGetWallet))
	mux.HandleFunc("POST /agents/{id}/runs", s.requireAuth(s.handleCreateRun))
	mux.HandleFunc("POST /agents/{id}/runs/{runId}/events", s.requireAuth(s.handleAppendRunEvent))
	mux.HandleFunc("POST /agents/{id}/runs/{runId}/complete", s.requireAuth(s.handleCompleteRun))

	mux.HandleFunc("POST /x402/gate/create", s.requireAuth(s.handleGateCreate))
	mux.HandleFunc("POST /x402/gate/authorize-payment", s.requireAuth(s.handleGateAuthorize))
	mux.HandleFunc("POST /x402/gate/verify", s.requireAuth(s.handleGateVerify))
	mux.HandleFunc("GET /x402/gate/{id}", s.requireAuth(s.handleGateGet))
	mux.HandleFunc("POST /x402/gate/{id}/cancel", s.requireAuth(s.handleGateCancel))
	mux.HandleFunc("POST /x402/gate/{id}/dispute", s.requireAuth(s.handleOpenDispute))

	mux.HandleFunc("POST /x402/disputes/{caseId}/evidence", s.requireAuth(s.handleDisputeEvidence))
	mux.HandleFunc("POST /x402/disputes/{caseId}/withdraw", s.requireAuth(s.handleDisputeWithdraw))
	mux.HandleFunc("POST /x402/disputes/{caseId}/escalate", s.requireAuth(s.handleDisputeEscalate))
	mux.HandleFunc("GET /x402/disputes/{caseId}", s.requireAuth(s.handleDisputeGet))
	mux.HandleFunc("POST /x402/arbitrations/{caseId}/resolve", s.requireAuth(s.handleArbitrationResolve))

	mux.HandleFunc("POST /x402/wallets", s.requireAuth(s.handleWalletCreate))
	mux.HandleFunc("POST /x402/wallets/{ref}/authorize", s.requireAuth(s.handleWalletAuthorize))
	mux.HandleFunc("GET /x402/wallets/{ref}/ledger", s.requireAuth(s.handleWalletLedger))

	mux.HandleFunc("POST /delegation-grants", s.requireAuth(s.handleIssueGrant))
	mux.HandleFunc("POST /delegation-grants/{id}/revoke", s.requireAuth(s.handleRevokeGrant))
	mux.HandleFunc("GET /delegation-grants", s.requireAuth(s.handleListGrants))

	mux.HandleFunc("POST /ops/month-close", s.requireOps(s.handleMonthCloseRequest))
	mux.HandleFunc("GET /ops/month-close", s.requireOps(s.handleMonthCloseGet))
	mux.HandleFunc("GET /ops/finance/money-rails/reconcile", s.requireOps(s.handleReconcile))
	mux.HandleFunc("POST /ops/finance/reconciliation/triage", s.requireOps(s.handleTriageUpdate))
	mux.HandleFunc("POST /ops/finance/billing/providers/{provider}/webhook", s.handleBillingWebhook)
	mux.HandleFunc("POST /ops/finance/billing/dead-letters/{id}/replay", s.requireOps(s.handleDeadLetterReplay))
	mux.HandleFunc("GET /ops/status", s.requireOps(s.handleOpsStatus))

	return s.limiter.Middleware(mux)
}
