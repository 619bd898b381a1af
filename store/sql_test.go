package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSQLStore(sqlx.NewDb(db, "postgres")), mock
}

// TestMigrateRunsAllStatements asserts that every migration statement is
// executed in order.
func TestMigrateRunsAllStatements(t *testing.T) {
	t.Parallel()

	db, mock := newMockStore(t)

	for range migrations {
		mock.ExpectExec(".*").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, db.migrate())
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAssociateFundingPaymentTx asserts that payment insert and channel
// stamp run inside one transaction and roll back together.
func TestAssociateFundingPaymentTx(t *testing.T) {
	t.Parallel()

	payment := &chantypes.Payment{
		Hash:       [32]byte{0xaa},
		AmountMsat: 5000,
		Kind:       chantypes.PaymentKindJitFee,
		CreatedAt:  time.Now(),
	}
	txid := chainhash.Hash{1}

	// Happy path: insert, update, commit.
	db, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE channels").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, db.AssociateFundingPayment(payment, txid))
	require.NoError(t, mock.ExpectationsWereMet())

	// No channel with the funding txid: the payment insert must be
	// rolled back too.
	db, mock = newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE channels").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := db.AssociateFundingPayment(payment, txid)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestHasDlcMessage asserts the existence probe maps rows to a boolean.
func TestHasDlcMessage(t *testing.T) {
	t.Parallel()

	db, mock := newMockStore(t)

	hash := [32]byte{0x01}
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(hash[:]).
		WillReturnRows(
			sqlmock.NewRows([]string{"exists"}).AddRow(true),
		)

	seen, err := db.HasDlcMessage(hash)
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestUpsertTransactionPreservesFee asserts the transaction upsert keeps an
// already backfilled fee when the incoming record carries none.
func TestUpsertTransactionPreservesFee(t *testing.T) {
	t.Parallel()

	db, mock := newMockStore(t)

	mock.ExpectExec("COALESCE").
		WithArgs(sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.UpsertTransaction(
		&chantypes.TransactionRecord{
			Txid:      chainhash.Hash{7},
			CreatedAt: time.Now(),
		},
	))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetLastOutboundMessageMissing asserts that a missing row yields a nil
// message rather than an error.
func TestGetLastOutboundMessageMissing(t *testing.T) {
	t.Parallel()

	db, mock := newMockStore(t)
	peer := testPubKey(t)

	mock.ExpectQuery("SELECT message FROM last_outbound_messages").
		WithArgs(peer.SerializeCompressed()).
		WillReturnRows(sqlmock.NewRows([]string{"message"}))

	msg, err := db.GetLastOutboundMessage(peer)
	require.NoError(t, err)
	require.Nil(t, msg)
	require.NoError(t, mock.ExpectationsWereMet())
}
