package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresGetWallet(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT tenant_id, agent_id, available_cents`).
		WithArgs(DefaultTenant, "agent_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "agent_id", "available_cents", "escrow_locked_cents", "currency", "updated_at",
		}).AddRow(DefaultTenant, "agent_1", int64(4600), int64(400), "USD", now))

	s := NewPostgresStore(db)
	w, err := s.GetWallet(context.Background(), DefaultTenant, "agent_1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(4600), w.AvailableCents)
	assert.Equal(t, int64(400), w.EscrowLockedCents)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetWalletMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT tenant_id, agent_id, available_cents`).
		WithArgs(DefaultTenant, "agent_x").
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "agent_id", "available_cents", "escrow_locked_cents", "currency", "updated_at",
		}))

	s := NewPostgresStore(db)
	w, err := s.GetWallet(context.Background(), DefaultTenant, "agent_x")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestPostgresCommitTxRollsBackOnUnbalancedEntry(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	s := NewPostgresStore(db)
	err = s.CommitTx(context.Background(), Tx{Ops: []Op{{
		Kind: OpLedgerEntryAppend,
		LedgerEntry: &LedgerEntry{TenantID: DefaultTenant, EntryID: "le_1", At: time.Now().UTC(),
			Postings: []Posting{
				{PostingID: "p1", AccountID: "a", Direction: Debit, Currency: "USD", AmountCents: 10},
			}},
	}}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
