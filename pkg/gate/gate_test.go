package gate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/store"
)

type gateFixture struct {
	gates    *Service
	identity *identity.Service
	store    store.Store
	ctx      context.Context
}

func newFixture(t *testing.T) *gateFixture {
	t.Helper()
	reg := kernel.NewRegistry()
	identity.RegisterReducers(reg)
	ledger.RegisterReducers(reg)
	RegisterReducers(reg)
	st := store.NewMemoryStore()
	k := kernel.New(st, reg)
	id := identity.NewService(k)
	k.WithKeyLookup(id.KeyLookup())
	return &gateFixture{
		gates:    NewService(k, id),
		identity: id,
		store:    st,
		ctx:      context.Background(),
	}
}

func (f *gateFixture) seedAgents(t *testing.T, payerCredit int64) {
	t.Helper()
	_, err := f.identity.RegisterAgent(f.ctx, identity.RegisterAgentInput{AgentID: "payer", OwnerID: "owner_1"})
	require.NoError(t, err)
	_, err = f.identity.RegisterAgent(f.ctx, identity.RegisterAgentInput{AgentID: "payee", OwnerID: "owner_2"})
	require.NoError(t, err)
	if payerCredit > 0 {
		_, err = f.identity.CreditWallet(f.ctx, "", "payer", payerCredit, "USD", "seed", "")
		require.NoError(t, err)
	}
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testBinding() RequestBinding {
	return RequestBinding{Method: "POST", Host: "api.tool.example", Path: "/v1/search", BodySha256: sha("request-body")}
}

func (f *gateFixture) authorize(t *testing.T, gateID string) (*State, *PayToken) {
	t.Helper()
	st, token, err := f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID:          gateID,
		RequestBinding:  testBinding(),
		ExecutionIntent: &ExecutionIntent{IntentID: "intent_1", IdempotencyKey: "idem_auth_" + gateID},
		IdempotencyKey:  "idem_auth_" + gateID,
	})
	require.NoError(t, err)
	return st, token
}

func greenEvidence() []string {
	return []string{
		"http:request_sha256:" + sha("request-body"),
		"http:response_sha256:" + sha("response-body"),
	}
}

func autoGreenPolicy() VerifyPolicy {
	return VerifyPolicy{Mode: "auto", Rules: ReleaseRules{AutoReleaseOnGreen: true, GreenReleaseRatePct: 100}}
}

func TestHappyReleaseScenario(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)

	st, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, st.Status)
	assert.Nil(t, st.RequestBinding)

	authorized, token := f.authorize(t, "g1")
	assert.Equal(t, StatusAuthorized, authorized.Status)
	assert.Equal(t, "SettldPayTokenV1", token.SchemaVersion)
	require.NotNil(t, authorized.RequestBinding)

	payerWallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(4600), payerWallet.AvailableCents)
	assert.Equal(t, int64(400), payerWallet.EscrowLockedCents)

	final, err := f.gates.Verify(f.ctx, VerifyInput{
		GateID:             "g1",
		VerificationStatus: VerifyGreen,
		EvidenceRefs:       greenEvidence(),
		Policy:             autoGreenPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, final.Status)
	require.NotNil(t, final.Settlement)
	assert.Equal(t, int64(400), final.Settlement.ReleasedAmountCents)
	assert.Zero(t, final.Settlement.RefundedAmountCents)

	payeeWallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(400), payeeWallet.AvailableCents)
	payerWallet, err = f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Zero(t, payerWallet.EscrowLockedCents)
	assert.Equal(t, int64(4600), payerWallet.AvailableCents)
}

func TestVerifyMissingRequestEvidence(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	_, err = f.gates.Verify(f.ctx, VerifyInput{
		GateID:             "g1",
		VerificationStatus: VerifyGreen,
		EvidenceRefs:       []string{"http:response_sha256:" + sha("response-body")},
		Policy:             autoGreenPolicy(),
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402RequestBindingEvidenceRequired, coded.Code)

	// Gate unchanged: still authorized, escrow intact.
	st, err := f.gates.Get(f.ctx, "", "g1")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, st.Status)
	wallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(400), wallet.EscrowLockedCents)
}

func TestVerifyMismatchedRequestEvidence(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	_, err = f.gates.Verify(f.ctx, VerifyInput{
		GateID:             "g1",
		VerificationStatus: VerifyGreen,
		EvidenceRefs: []string{
			"http:request_sha256:" + sha("tampered"),
			"http:response_sha256:" + sha("response-body"),
		},
		Policy: autoGreenPolicy(),
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402RequestBindingEvidenceMismatch, coded.Code)
}

func TestDelegationPerCallCap(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)

	grant, err := f.identity.IssueGrant(f.ctx, identity.IssueGrantInput{
		Kind: store.GrantDelegation, IssuerID: "owner_1", SubjectID: "payer",
		Scope: store.GrantScope{SpendLimit: &store.SpendLimit{MaxPerCallCents: 400, Currency: "USD"}},
		Validity: store.Validity{
			NotBefore: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	_, _, err = f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 500, Currency: "USD", DelegationGrantRef: grant.GrantHash,
	})
	require.NoError(t, err)

	f.gates.WithClock(func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) })
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID:          "g1",
		RequestBinding:  testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_1"},
		IdempotencyKey:  "idem_1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402DelegationGrantPerCallExceeded, coded.Code)
	assert.Equal(t, 409, coded.Status)
}

func TestRevokedDelegationBlocksAuthorize(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)

	grant, err := f.identity.IssueGrant(f.ctx, identity.IssueGrantInput{
		Kind: store.GrantDelegation, IssuerID: "owner_1", SubjectID: "payer",
		Validity: store.Validity{
			NotBefore: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	_, err = f.identity.RevokeGrant(f.ctx, "", grant.GrantID, "fraud", "operator")
	require.NoError(t, err)

	_, _, err = f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 100, Currency: "USD", DelegationGrantRef: grant.GrantHash,
	})
	require.NoError(t, err)

	f.gates.WithClock(func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) })
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_1"}, IdempotencyKey: "idem_1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402DelegationGrantRevoked, coded.Code)
}

func TestAmountExceedsPolicy(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 0)
	f.gates.WithPolicy(Policy{MaxAmountCents: 1000, DisputeWindowDays: 7})

	_, _, err := f.gates.Create(f.ctx, CreateInput{
		PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 1500, Currency: "USD",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402AmountExceedsPolicy, coded.Code)
}

func TestInsufficientFundsBlocksAuthorize(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 100)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_1"}, IdempotencyKey: "idem_1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402InsufficientFunds, coded.Code)
}

func TestSuspendedPayerBlocksAuthorize(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	head, err := f.store.HeadEvent(f.ctx, store.DefaultTenant, "agent:payer")
	require.NoError(t, err)
	_, err = f.identity.SetLifecycle(f.ctx, "", "payer", identity.LifecycleSuspended, "review", &head.ChainHash)
	require.NoError(t, err)

	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_1"}, IdempotencyKey: "idem_1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402AgentSuspended, coded.Code)
	assert.Equal(t, 410, coded.Status)
}

func TestExecutionIntentChecks(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	var coded *codes.Error
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(), IdempotencyKey: "idem_1",
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402ExecutionIntentRequired, coded.Code)

	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "other"}, IdempotencyKey: "idem_1",
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402ExecutionIntentIdempotencyMismatch, coded.Code)
}

func TestPromptRiskBlocksAndOverrides(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	require.NoError(t, f.gates.SetPromptRiskForceMode(f.ctx, "", RiskChallenge, ""))

	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	var coded *codes.Error
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_1"}, IdempotencyKey: "idem_1",
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402PromptRiskForceChallenge, coded.Code)

	// An explicit override authorizes and is recorded.
	st, _, err := f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent:    &ExecutionIntent{IdempotencyKey: "idem_2"},
		IdempotencyKey:     "idem_2",
		PromptRiskOverride: &PromptRiskOverride{Enabled: true, Reason: "reviewed", TicketRef: "TK-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, st.Status)
}

func TestTaintedSessionRequiresEvidenceAtVerify(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	require.NoError(t, f.gates.RecordSessionTaint(f.ctx, "", "s1", []string{
		"session:event:evt_9", "session:chain:abc",
	}))

	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	// Taint escalates allow to challenge; override past it.
	st, _, err := f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(), SessionID: "s1",
		ExecutionIntent:    &ExecutionIntent{IdempotencyKey: "idem_1"},
		IdempotencyKey:     "idem_1",
		PromptRiskOverride: &PromptRiskOverride{Enabled: true, Reason: "reviewed"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:event:evt_9", "session:chain:abc"}, st.TaintEvidenceRefs)

	// Verify without the taint refs fails with the missing list.
	_, err = f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		EvidenceRefs: greenEvidence(), Policy: autoGreenPolicy(),
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402PromptRiskEvidenceRequired, coded.Code)
	assert.Len(t, coded.Details["missingEvidenceRefs"], 2)

	// With the full evidence set it settles.
	final, err := f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		EvidenceRefs: append(greenEvidence(), "session:event:evt_9", "session:chain:abc"),
		Policy:       autoGreenPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, final.Status)
}

func TestSponsorWalletRequiresDecisionToken(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	issuer := NewWalletIssuer("wallet-issuer", priv, time.Hour)
	f.gates.WithWalletIssuer(issuer)

	_, _, err = f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 400, Currency: "USD", SponsorWalletRef: "wallet_sponsor",
	})
	require.NoError(t, err)

	var coded *codes.Error
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_1"}, IdempotencyKey: "idem_1",
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402WalletIssuerDecisionRequired, coded.Code)

	// A token for the wrong wallet fails; the right one passes.
	now := time.Now().UTC()
	wrong, err := issuer.Issue("wallet_other", 1000, "", now)
	require.NoError(t, err)
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_2"}, IdempotencyKey: "idem_2",
		WalletDecisionToken: wrong,
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402WalletIssuerDecisionRequired, coded.Code)

	good, err := issuer.Issue("wallet_sponsor", 1000, "", now)
	require.NoError(t, err)
	st, _, err := f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID: "g1", RequestBinding: testBinding(),
		ExecutionIntent: &ExecutionIntent{IdempotencyKey: "idem_3"}, IdempotencyKey: "idem_3",
		WalletDecisionToken: good,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, st.Status)
}

func TestReleaseSplitMatrix(t *testing.T) {
	cases := []struct {
		amount   int64
		status   string
		rules    ReleaseRules
		released int64
		refunded int64
		outcome  string
	}{
		{400, VerifyGreen, ReleaseRules{AutoReleaseOnGreen: true, GreenReleaseRatePct: 100}, 400, 0, StatusReleased},
		{400, VerifyGreen, ReleaseRules{AutoReleaseOnGreen: false, GreenReleaseRatePct: 100}, 0, 400, StatusRefunded},
		{400, VerifyRed, ReleaseRules{AutoReleaseOnGreen: true, GreenReleaseRatePct: 100}, 0, 400, StatusRefunded},
		{1000, VerifyAmber, ReleaseRules{AmberReleaseRatePct: 75}, 750, 250, StatusPartial},
		{999, VerifyAmber, ReleaseRules{AmberReleaseRatePct: 50}, 499, 500, StatusPartial},
	}
	for _, tc := range cases {
		released, refunded, outcome, err := ReleaseSplit(tc.amount, tc.status, tc.rules)
		require.NoError(t, err)
		assert.Equal(t, tc.released, released)
		assert.Equal(t, tc.refunded, refunded)
		assert.Equal(t, tc.outcome, outcome)
		assert.Equal(t, tc.amount, released+refunded)
	}
}

func TestExpressionPolicyMode(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 1000, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	final, err := f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyAmber,
		EvidenceRefs: greenEvidence(),
		Policy: VerifyPolicy{
			Mode:       "expression",
			Expression: `verificationStatus == "green" ? 100 : (verificationStatus == "amber" ? 60 : 0)`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, final.Status)
	assert.Equal(t, int64(600), final.Settlement.ReleasedAmountCents)
	assert.Equal(t, int64(400), final.Settlement.RefundedAmountCents)
}

func TestManualPolicyHoldsFunds(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	st, err := f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		EvidenceRefs: greenEvidence(),
		Policy:       VerifyPolicy{Mode: "manual"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingManual, st.Status)

	wallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(400), wallet.EscrowLockedCents)
}

func TestLatencyVerifierOverridesStatus(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	// Submitted green, but observed latency blows the budget: amber.
	final, err := f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		VerificationMethod: VerificationMethod{Mode: "plugin", Source: "latency"},
		EvidenceRefs: append(greenEvidence(),
			"latency:observed_ms:900", "latency:budget_ms:500"),
		Policy: VerifyPolicy{Mode: "auto", Rules: ReleaseRules{AutoReleaseOnGreen: true, GreenReleaseRatePct: 100, AmberReleaseRatePct: 50}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, final.Status)
	assert.Equal(t, int64(200), final.Settlement.ReleasedAmountCents)
}

func TestUnknownVerifierSource(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	_, err = f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		VerificationMethod: VerificationMethod{Mode: "plugin", Source: "nonexistent"},
		EvidenceRefs:       greenEvidence(),
		Policy:             autoGreenPolicy(),
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402VerifierUnknown, coded.Code)
}

func TestCancelAuthorizedGateRefunds(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	st, err := f.gates.Cancel(f.ctx, "", "g1", "caller abandoned", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, st.Status)

	wallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), wallet.AvailableCents)
	assert.Zero(t, wallet.EscrowLockedCents)
}

func TestDisputeLifecycleWithBindingEvidence(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")
	_, err = f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		EvidenceRefs: greenEvidence(), Policy: autoGreenPolicy(),
	})
	require.NoError(t, err)

	binding := testBinding()
	evidence := map[string]any{
		"method": binding.Method, "host": binding.Host,
		"path": binding.Path, "bodySha256": binding.BodySha256,
	}

	var coded *codes.Error
	_, err = f.gates.MarkDisputed(f.ctx, "", "g1", "case_1", nil)
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402DisputeBindingEvidenceRequired, coded.Code)

	bad := map[string]any{"method": "GET", "host": binding.Host, "path": binding.Path, "bodySha256": binding.BodySha256}
	_, err = f.gates.MarkDisputed(f.ctx, "", "g1", "case_1", bad)
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402DisputeBindingEvidenceMismatch, coded.Code)

	st, err := f.gates.MarkDisputed(f.ctx, "", "g1", "case_1", evidence)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, st.Status)

	st, err = f.gates.MarkArbitrating(f.ctx, "", "g1", "arb_1", evidence)
	require.NoError(t, err)
	assert.Equal(t, StatusArbitrating, st.Status)

	st, err = f.gates.Resolve(f.ctx, "", "g1", VerdictReverse, evidence)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, st.Status)
	assert.Equal(t, VerdictReverse, st.Verdict)

	// Reversal clawed the 400 back from payee to payer.
	payer, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), payer.AvailableCents)
	payee, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payee")
	require.NoError(t, err)
	assert.Zero(t, payee.AvailableCents)
}

func TestDisputeWindowClosed(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)
	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 400, Currency: "USD", DisputeWindowDays: 7,
	})
	require.NoError(t, err)
	f.authorize(t, "g1")
	_, err = f.gates.Verify(f.ctx, VerifyInput{
		GateID: "g1", VerificationStatus: VerifyGreen,
		EvidenceRefs: greenEvidence(), Policy: autoGreenPolicy(),
	})
	require.NoError(t, err)

	// Jump past the window.
	f.gates.WithClock(func() time.Time { return time.Now().UTC().AddDate(0, 0, 8) })

	binding := testBinding()
	evidence := map[string]any{
		"method": binding.Method, "host": binding.Host,
		"path": binding.Path, "bodySha256": binding.BodySha256,
	}
	_, err = f.gates.MarkDisputed(f.ctx, "", "g1", "case_1", evidence)
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402DisputeWindowClosed, coded.Code)
}

func TestAuthorizeRetryReturnsRecordedDecision(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)

	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	first, firstToken := f.authorize(t, "g1")

	// A retry with the same key and binding answers from the recorded
	// decision instead of tripping the state check, and must not move
	// funds a second time.
	again, token, err := f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID:          "g1",
		RequestBinding:  testBinding(),
		ExecutionIntent: &ExecutionIntent{IntentID: "intent_1", IdempotencyKey: "idem_auth_g1"},
		IdempotencyKey:  "idem_auth_g1",
	})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	require.NotNil(t, token)
	assert.Equal(t, firstToken.BindingHash, token.BindingHash)
	assert.Equal(t, firstToken.AmountCents, token.AmountCents)
	assert.Equal(t, firstToken.IssuedAt, token.IssuedAt)

	payerWallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(400), payerWallet.EscrowLockedCents)
	assert.Equal(t, int64(4600), payerWallet.AvailableCents)

	// The same key with a different binding is a conflict, never a replay.
	other := testBinding()
	other.BodySha256 = sha("tampered-body")
	_, _, err = f.gates.AuthorizePayment(f.ctx, AuthorizeInput{
		GateID:          "g1",
		RequestBinding:  other,
		ExecutionIntent: &ExecutionIntent{IntentID: "intent_1", IdempotencyKey: "idem_auth_g1"},
		IdempotencyKey:  "idem_auth_g1",
	})
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.IdempotencyConflict, coded.Code)
}

func TestVerifyRetryReturnsSettledState(t *testing.T) {
	f := newFixture(t)
	f.seedAgents(t, 5000)

	_, _, err := f.gates.Create(f.ctx, CreateInput{
		GateID: "g1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	f.authorize(t, "g1")

	verify := VerifyInput{
		GateID:             "g1",
		VerificationStatus: VerifyGreen,
		EvidenceRefs:       greenEvidence(),
		Policy:             autoGreenPolicy(),
		IdempotencyKey:     "idem_verify_g1",
	}
	first, err := f.gates.Verify(f.ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, first.Status)

	again, err := f.gates.Verify(f.ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Funds moved exactly once.
	payeeWallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(400), payeeWallet.AvailableCents)
	payerWallet, err := f.store.GetWallet(f.ctx, store.DefaultTenant, "payer")
	require.NoError(t, err)
	assert.Zero(t, payerWallet.EscrowLockedCents)
	assert.Equal(t, int64(4600), payerWallet.AvailableCents)
}
