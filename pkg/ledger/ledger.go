// Package ledger implements the double-entry money core: escrow holds over
// agent wallets, balanced posting construction, per-party statements, and
// the month-close aggregate.
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Internal account naming. Every posting lands on one of these.
func AvailableAccount(agentID string) string { return "agent:" + agentID + ":available" }
func EscrowAccount(agentID string) string    { return "agent:" + agentID + ":escrow" }

// PlatformCashAccount is the external money entry point.
const PlatformCashAccount = "platform:cash"

// Service exposes ledger reads and the month-close aggregate.
type Service struct {
	kernel *kernel.Kernel
}

// NewService wires the ledger service.
func NewService(k *kernel.Kernel) *Service {
	return &Service{kernel: k}
}

// ReserveOps moves amountCents of the payer's available balance into escrow
// under a new active hold. The returned ops commit atomically with the
// calling event.
func ReserveOps(payer *store.Wallet, holdID, gateID string, amountCents int64, currency string, at time.Time) ([]store.Op, *store.Hold, error) {
	if payer == nil || payer.AvailableCents < amountCents {
		available := int64(0)
		if payer != nil {
			available = payer.AvailableCents
		}
		return nil, nil, codes.Newf(codes.X402InsufficientFunds, http.StatusConflict,
			"payer has %d cents available, needs %d", available, amountCents).
			WithDetails(map[string]any{"availableCents": available, "requiredCents": amountCents})
	}
	next := *payer
	next.AvailableCents -= amountCents
	next.EscrowLockedCents += amountCents
	next.UpdatedAt = at

	hold := &store.Hold{
		TenantID: payer.TenantID, HoldID: holdID, AgentID: payer.AgentID, GateID: gateID,
		AmountCents: amountCents, Currency: currency, State: store.HoldActive,
		CreatedAt: at, UpdatedAt: at,
	}
	entryID := "le_" + uuid.NewString()
	entry := &store.LedgerEntry{
		TenantID: payer.TenantID, EntryID: entryID, At: at, Memo: "reserve " + holdID,
		Postings: []store.Posting{
			{PostingID: entryID + ":d", AccountID: AvailableAccount(payer.AgentID), Direction: store.Debit, Currency: currency, AmountCents: amountCents,
				PartyRef: &store.PartyRef{PartyID: payer.AgentID, PartyRole: "payer"}},
			{PostingID: entryID + ":c", AccountID: EscrowAccount(payer.AgentID), Direction: store.Credit, Currency: currency, AmountCents: amountCents,
				PartyRef: &store.PartyRef{PartyID: payer.AgentID, PartyRole: "payer"}},
		},
	}
	return []store.Op{
		{Kind: store.OpWalletUpsert, Wallet: &next},
		{Kind: store.OpHoldUpsert, Hold: hold},
		{Kind: store.OpLedgerEntryAppend, LedgerEntry: entry},
	}, hold, nil
}

// SettleOps unwinds an active hold: releasedCents credits the payee's
// available balance, refundedCents returns to the payer. released+refunded
// must equal the hold amount.
func SettleOps(payer, payee *store.Wallet, hold *store.Hold, releasedCents, refundedCents int64, at time.Time) ([]store.Op, string, error) {
	if hold == nil {
		return nil, "", codes.New(codes.HoldNotFound, http.StatusNotFound, "hold not found")
	}
	if hold.State != store.HoldActive {
		return nil, "", codes.Newf(codes.HoldNotActive, http.StatusConflict, "hold %s is %s", hold.HoldID, hold.State)
	}
	if releasedCents < 0 || refundedCents < 0 || releasedCents+refundedCents != hold.AmountCents {
		return nil, "", codes.Newf(codes.HoldAmountExceeded, http.StatusConflict,
			"released %d + refunded %d must equal hold amount %d", releasedCents, refundedCents, hold.AmountCents)
	}
	if payer == nil {
		return nil, "", codes.New(codes.NotFound, http.StatusNotFound, "payer wallet not found")
	}

	nextPayer := *payer
	nextPayer.EscrowLockedCents -= hold.AmountCents
	nextPayer.AvailableCents += refundedCents
	nextPayer.UpdatedAt = at

	entryID := "le_" + uuid.NewString()
	currency := hold.Currency
	postings := []store.Posting{
		{PostingID: entryID + ":d", AccountID: EscrowAccount(payer.AgentID), Direction: store.Debit, Currency: currency, AmountCents: hold.AmountCents,
			PartyRef: &store.PartyRef{PartyID: payer.AgentID, PartyRole: "payer"}},
	}
	var ops []store.Op
	if releasedCents > 0 {
		if payee == nil {
			return nil, "", codes.New(codes.NotFound, http.StatusNotFound, "payee wallet not found")
		}
		nextPayee := *payee
		nextPayee.AvailableCents += releasedCents
		nextPayee.UpdatedAt = at
		ops = append(ops, store.Op{Kind: store.OpWalletUpsert, Wallet: &nextPayee})
		postings = append(postings, store.Posting{
			PostingID: entryID + ":r", AccountID: AvailableAccount(payee.AgentID), Direction: store.Credit, Currency: currency, AmountCents: releasedCents,
			PartyRef: &store.PartyRef{PartyID: payee.AgentID, PartyRole: "payee"}})
	}
	if refundedCents > 0 {
		postings = append(postings, store.Posting{
			PostingID: entryID + ":f", AccountID: AvailableAccount(payer.AgentID), Direction: store.Credit, Currency: currency, AmountCents: refundedCents,
			PartyRef: &store.PartyRef{PartyID: payer.AgentID, PartyRole: "payer"}})
	}

	state := store.HoldReleased
	if releasedCents == 0 {
		state = store.HoldRefunded
	}
	nextHold := *hold
	nextHold.State = state
	nextHold.UpdatedAt = at

	ops = append(ops,
		store.Op{Kind: store.OpWalletUpsert, Wallet: &nextPayer},
		store.Op{Kind: store.OpHoldUpsert, Hold: &nextHold},
		store.Op{Kind: store.OpLedgerEntryAppend, LedgerEntry: &store.LedgerEntry{
			TenantID: hold.TenantID, EntryID: entryID, At: at, Memo: "settle " + hold.HoldID, Postings: postings,
		}},
	)
	return ops, entryID, nil
}

// PartyStatement is the per-party per-period payout summary. The artifact
// form carries the statement hash.
type PartyStatement struct {
	PartyID       string `json:"partyId"`
	Period        string `json:"period"`
	Basis         string `json:"basis"`
	PayoutCents   int64  `json:"payoutCents"`
	Currency      string `json:"currency"`
	StatementHash string `json:"statementHash"`
}

// PeriodBounds parses "YYYY-MM" into its [start, end) window.
func PeriodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "period %q is not YYYY-MM", period)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// ComputePartyStatement sums the party's postings over the period under the
// chosen basis and returns the statement plus its artifact form.
func (s *Service) ComputePartyStatement(ctx context.Context, tenantID, partyID, period, basis string) (*PartyStatement, *store.Artifact, error) {
	if basis == "" {
		basis = "settledAt"
	}
	if basis != "settledAt" {
		return nil, nil, codes.Newf(codes.StatementBasisUnsupported, http.StatusBadRequest, "basis %q is not supported", basis)
	}
	start, end, err := PeriodBounds(period)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.kernel.Store().ListLedgerEntries(ctx, tenantOrDefault(tenantID), start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("list ledger entries: %w", err)
	}

	var payout int64
	currency := ""
	for _, e := range entries {
		for _, p := range e.Postings {
			if p.PartyRef == nil || p.PartyRef.PartyID != partyID {
				continue
			}
			// Escrow movement is internal to the party; statements track the
			// available balance only.
			if p.AccountID == EscrowAccount(partyID) {
				continue
			}
			if currency == "" {
				currency = p.Currency
			}
			switch p.Direction {
			case store.Credit:
				payout += p.AmountCents
			case store.Debit:
				payout -= p.AmountCents
			}
		}
	}

	core := map[string]any{
		"schemaVersion": "PartyStatement.v1",
		"partyId":       partyID,
		"period":        period,
		"basis":         basis,
		"payoutCents":   payout,
		"currency":      currency,
	}
	artifact, err := artifacts.Build(tenantOrDefault(tenantID), "PartyStatement.v1", core, end)
	if err != nil {
		return nil, nil, err
	}
	return &PartyStatement{
		PartyID: partyID, Period: period, Basis: basis,
		PayoutCents: payout, Currency: currency,
		StatementHash: artifact.ArtifactHash,
	}, artifact, nil
}

// partiesInPeriod collects every party with at least one posting in the window.
func (s *Service) partiesInPeriod(ctx context.Context, tenantID string, start, end time.Time) ([]string, error) {
	entries, err := s.kernel.Store().ListLedgerEntries(ctx, tenantOrDefault(tenantID), start, end)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var parties []string
	for _, e := range entries {
		for _, p := range e.Postings {
			if p.PartyRef != nil && !seen[p.PartyRef.PartyID] {
				seen[p.PartyRef.PartyID] = true
				parties = append(parties, p.PartyRef.PartyID)
			}
		}
	}
	return parties, nil
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}
