package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

func newTestLedger(t *testing.T) (*Service, store.Store) {
	t.Helper()
	reg := kernel.NewRegistry()
	RegisterReducers(reg)
	st := store.NewMemoryStore()
	return NewService(kernel.New(st, reg)), st
}

func wallet(agentID string, available, escrow int64) *store.Wallet {
	return &store.Wallet{
		TenantID: store.DefaultTenant, AgentID: agentID,
		AvailableCents: available, EscrowLockedCents: escrow,
		Currency: "USD", UpdatedAt: time.Now().UTC(),
	}
}

func TestReserveOpsMovesAvailableToEscrow(t *testing.T) {
	at := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	payer := wallet("payer", 5000, 0)

	ops, hold, err := ReserveOps(payer, "hold_1", "gate_1", 400, "USD", at)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, store.HoldActive, hold.State)
	assert.Equal(t, int64(400), hold.AmountCents)

	w := ops[0].Wallet
	assert.Equal(t, int64(4600), w.AvailableCents)
	assert.Equal(t, int64(400), w.EscrowLockedCents)

	entry := ops[2].LedgerEntry
	require.Len(t, entry.Postings, 2)
	assert.Equal(t, store.Debit, entry.Postings[0].Direction)
	assert.Equal(t, store.Credit, entry.Postings[1].Direction)
	assert.Equal(t, entry.Postings[0].AmountCents, entry.Postings[1].AmountCents)
}

func TestReserveOpsInsufficientFunds(t *testing.T) {
	_, _, err := ReserveOps(wallet("payer", 300, 0), "hold_1", "gate_1", 400, "USD", time.Now().UTC())
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.X402InsufficientFunds, coded.Code)
	assert.Equal(t, int64(300), coded.Details["availableCents"])
}

func TestSettleOpsFullRelease(t *testing.T) {
	at := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	payer := wallet("payer", 4600, 400)
	payee := wallet("payee", 0, 0)
	hold := &store.Hold{TenantID: store.DefaultTenant, HoldID: "hold_1", AgentID: "payer",
		AmountCents: 400, Currency: "USD", State: store.HoldActive}

	ops, entryID, err := SettleOps(payer, payee, hold, 400, 0, at)
	require.NoError(t, err)
	require.NotEmpty(t, entryID)

	var payeeNext, payerNext *store.Wallet
	var holdNext *store.Hold
	var entry *store.LedgerEntry
	for _, op := range ops {
		switch op.Kind {
		case store.OpWalletUpsert:
			if op.Wallet.AgentID == "payee" {
				payeeNext = op.Wallet
			} else {
				payerNext = op.Wallet
			}
		case store.OpHoldUpsert:
			holdNext = op.Hold
		case store.OpLedgerEntryAppend:
			entry = op.LedgerEntry
		}
	}
	require.NotNil(t, holdNext)
	assert.Equal(t, store.HoldReleased, holdNext.State)
	require.NotNil(t, payeeNext)
	require.NotNil(t, payerNext)
	assert.Equal(t, int64(400), payeeNext.AvailableCents)
	assert.Equal(t, int64(4600), payerNext.AvailableCents)
	assert.Zero(t, payerNext.EscrowLockedCents)
	require.NotNil(t, entry)
	assertBalanced(t, entry)
}

func TestSettleOpsPartial(t *testing.T) {
	at := time.Now().UTC()
	payer := wallet("payer", 0, 1000)
	payee := wallet("payee", 0, 0)
	hold := &store.Hold{TenantID: store.DefaultTenant, HoldID: "hold_1", AgentID: "payer",
		AmountCents: 1000, Currency: "USD", State: store.HoldActive}

	ops, _, err := SettleOps(payer, payee, hold, 750, 250, at)
	require.NoError(t, err)

	for _, op := range ops {
		if op.Kind == store.OpHoldUpsert {
			assert.Equal(t, store.HoldReleased, op.Hold.State)
		}
		if op.Kind == store.OpWalletUpsert && op.Wallet.AgentID == "payer" {
			assert.Equal(t, int64(250), op.Wallet.AvailableCents)
			assert.Zero(t, op.Wallet.EscrowLockedCents)
		}
		if op.Kind == store.OpLedgerEntryAppend {
			assertBalanced(t, op.LedgerEntry)
		}
	}
}

func TestSettleOpsRejectsMismatchedSplit(t *testing.T) {
	hold := &store.Hold{HoldID: "h", AmountCents: 400, Currency: "USD", State: store.HoldActive}
	_, _, err := SettleOps(wallet("payer", 0, 400), wallet("payee", 0, 0), hold, 300, 50, time.Now().UTC())
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.HoldAmountExceeded, coded.Code)
}

func TestSettleOpsRejectsInactiveHold(t *testing.T) {
	hold := &store.Hold{HoldID: "h", AmountCents: 400, Currency: "USD", State: store.HoldReleased}
	_, _, err := SettleOps(wallet("payer", 0, 0), nil, hold, 0, 400, time.Now().UTC())
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.HoldNotActive, coded.Code)
}

func assertBalanced(t *testing.T, entry *store.LedgerEntry) {
	t.Helper()
	sums := map[string]int64{}
	for _, p := range entry.Postings {
		if p.Direction == store.Debit {
			sums[p.Currency] += p.AmountCents
		} else {
			sums[p.Currency] -= p.AmountCents
		}
	}
	for ccy, sum := range sums {
		assert.Zerof(t, sum, "currency %s does not balance", ccy)
	}
}

func seedEntry(t *testing.T, st store.Store, at time.Time, partyID string, amountCents int64) {
	t.Helper()
	entryID := "le_seed_" + partyID + at.Format("0102150405")
	entry := &store.LedgerEntry{
		TenantID: store.DefaultTenant, EntryID: entryID, At: at,
		Postings: []store.Posting{
			{PostingID: entryID + ":d", AccountID: PlatformCashAccount, Direction: store.Debit, Currency: "USD", AmountCents: amountCents},
			{PostingID: entryID + ":c", AccountID: AvailableAccount(partyID), Direction: store.Credit, Currency: "USD", AmountCents: amountCents,
				PartyRef: &store.PartyRef{PartyID: partyID, PartyRole: "payee"}},
		},
	}
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{At: at, Ops: []store.Op{
		{Kind: store.OpLedgerEntryAppend, LedgerEntry: entry},
	}}))
}

func TestComputePartyStatement(t *testing.T) {
	svc, st := newTestLedger(t)
	ctx := context.Background()

	seedEntry(t, st, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "party_p", 2500)
	seedEntry(t, st, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), "party_p", 250)
	// Outside the period.
	seedEntry(t, st, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "party_p", 9999)

	stmt, artifact, err := svc.ComputePartyStatement(ctx, "", "party_p", "2026-01", "settledAt")
	require.NoError(t, err)
	assert.Equal(t, int64(2750), stmt.PayoutCents)
	assert.Equal(t, "USD", stmt.Currency)
	require.NoError(t, artifacts.Verify(artifact))
	assert.Equal(t, artifact.ArtifactHash, stmt.StatementHash)

	// Deterministic across recomputation.
	again, _, err := svc.ComputePartyStatement(ctx, "", "party_p", "2026-01", "settledAt")
	require.NoError(t, err)
	assert.Equal(t, stmt.StatementHash, again.StatementHash)
}

func TestComputePartyStatementRejectsUnknownBasis(t *testing.T) {
	svc, _ := newTestLedger(t)
	_, _, err := svc.ComputePartyStatement(context.Background(), "", "p", "2026-01", "accruedAt")
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.StatementBasisUnsupported, coded.Code)
}

func TestMonthCloseLifecycle(t *testing.T) {
	svc, st := newTestLedger(t)
	ctx := context.Background()

	seedEntry(t, st, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "party_p", 2500)
	seedEntry(t, st, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), "party_p", 250)

	state, err := svc.RequestMonthClose(ctx, "", "2026-01", "settledAt", "idem_mc_1")
	require.NoError(t, err)
	assert.Equal(t, MonthCloseRequested, state.Status)

	closed, artifact, err := svc.RunMonthClose(ctx, "", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, MonthClosed, closed.Status)
	assert.Equal(t, artifact.ArtifactHash, closed.StatementArtifactHash)
	require.NoError(t, artifacts.Verify(artifact))

	// The artifact was persisted atomically with the close.
	stored, err := st.GetArtifact(ctx, store.DefaultTenant, artifact.ArtifactID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, artifact.ArtifactHash, stored.ArtifactHash)

	// Closing again fails; a second read returns the same hash.
	_, err = svc.RequestMonthClose(ctx, "", "2026-01", "", "")
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.MonthCloseAlreadyRun, coded.Code)

	read, err := svc.GetMonthClose(ctx, "", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, closed.StatementArtifactHash, read.StatementArtifactHash)
}

func TestMonthCloseReopenClearsStatement(t *testing.T) {
	svc, st := newTestLedger(t)
	ctx := context.Background()

	seedEntry(t, st, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "party_p", 100)
	_, err := svc.RequestMonthClose(ctx, "", "2026-01", "", "")
	require.NoError(t, err)
	_, _, err = svc.RunMonthClose(ctx, "", "2026-01")
	require.NoError(t, err)

	reopened, err := svc.ReopenMonthClose(ctx, "", "2026-01", "correction")
	require.NoError(t, err)
	assert.Equal(t, MonthOpen, reopened.Status)
	assert.Empty(t, reopened.StatementArtifactID)
	assert.Empty(t, reopened.StatementArtifactHash)
}

func TestRunMonthCloseWithoutRequestFails(t *testing.T) {
	svc, _ := newTestLedger(t)
	_, _, err := svc.RunMonthClose(context.Background(), "", "2026-03")
	var coded *codes.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, codes.MonthCloseNotOpen, coded.Code)
}

func TestSettlePostingsZeroSumProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	props.Property("debits equal credits for every split", prop.ForAll(
		func(amount, rate int64) bool {
			released := amount * rate / 100
			refunded := amount - released
			payer := &store.Wallet{AgentID: "payer", EscrowLockedCents: amount, Currency: "USD"}
			payee := &store.Wallet{AgentID: "payee", Currency: "USD"}
			hold := &store.Hold{
				TenantID: store.DefaultTenant, HoldID: "h_prop", AgentID: "payer",
				AmountCents: amount, Currency: "USD", State: store.HoldActive,
			}
			ops, _, err := SettleOps(payer, payee, hold, released, refunded, at)
			if err != nil {
				return false
			}
			var debits, credits int64
			for _, op := range ops {
				if op.Kind != store.OpLedgerEntryAppend {
					continue
				}
				for _, p := range op.LedgerEntry.Postings {
					switch p.Direction {
					case store.Debit:
						debits += p.AmountCents
					case store.Credit:
						credits += p.AmountCents
					}
				}
			}
			return debits == credits && debits == amount
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(0, 100),
	))
	props.TestingRun(t)
}
