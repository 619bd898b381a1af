package store

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/stretchr/testify/require"
)

func testPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

// TestChannelLifecycle exercises the shadow channel record from pending to
// funded, including lookup by funding txid.
func TestChannelLifecycle(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	trader := testPubKey(t)

	channel := &chantypes.Channel{
		UserChannelID: chantypes.NewProtocolID(),
		Counterparty:  trader,
		Capacity:      200_000,
		State:         chantypes.ChannelPending,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, db.UpsertChannel(channel))

	_, err := db.GetChannel(chantypes.NewProtocolID())
	require.ErrorIs(t, err, ErrNotFound)

	got, err := db.GetChannel(channel.UserChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.Capacity, got.Capacity)

	// Pending channels are excluded from the sync set.
	channels, err := db.AllNonPendingChannels()
	require.NoError(t, err)
	require.Empty(t, channels)

	txid := chainhash.Hash{1, 2, 3}
	channel.FundingTxid = &txid
	channel.State = chantypes.ChannelOpen
	require.NoError(t, db.UpsertChannel(channel))

	byTxid, err := db.GetChannelByFundingTxid(txid)
	require.NoError(t, err)
	require.Equal(t, channel.UserChannelID, byTxid.UserChannelID)

	channels, err = db.AllNonPendingChannels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
}

// TestAssociateFundingPayment asserts that association records the payment
// and stamps the channel, and that an unknown funding txid surfaces
// ErrNotFound.
func TestAssociateFundingPayment(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	txid := chainhash.Hash{9}

	channel := &chantypes.Channel{
		UserChannelID: chantypes.NewProtocolID(),
		Counterparty:  testPubKey(t),
		FundingTxid:   &txid,
		State:         chantypes.ChannelPending,
	}
	require.NoError(t, db.UpsertChannel(channel))

	payment := &chantypes.Payment{
		Hash:       [32]byte{0xaa},
		AmountMsat: 10_000_000,
		Kind:       chantypes.PaymentKindJitFee,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, db.AssociateFundingPayment(payment, txid))

	got, err := db.GetChannel(channel.UserChannelID)
	require.NoError(t, err)
	require.NotNil(t, got.FundingPaymentHash)
	require.Equal(t, payment.Hash, *got.FundingPaymentHash)

	stored, err := db.GetPayment(payment.Hash)
	require.NoError(t, err)
	require.Equal(t, payment.AmountMsat, stored.AmountMsat)

	// Unknown funding txid.
	other := &chantypes.Payment{Hash: [32]byte{0xbb}}
	err = db.AssociateFundingPayment(other, chainhash.Hash{42})
	require.ErrorIs(t, err, ErrNotFound)

	// Duplicate payment hash.
	err = db.InsertPayment(payment)
	require.Error(t, err)
}

// TestMessageLog covers dedup by content hash and the per-peer last
// outbound message upsert.
func TestMessageLog(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	peer := testPubKey(t)

	msg := &chantypes.DlcMessage{
		Kind:      chantypes.MsgSettleOffer,
		ChannelID: chantypes.ChannelID{1},
		UpdateIdx: 7,
		Body:      []byte("payload"),
	}

	seen, err := db.HasDlcMessage(msg.Hash())
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, db.InsertDlcMessage(&chantypes.DlcMessageRecord{
		Hash:      msg.Hash(),
		Peer:      peer,
		Kind:      msg.Kind,
		Inbound:   true,
		Timestamp: time.Now(),
	}))

	seen, err = db.HasDlcMessage(msg.Hash())
	require.NoError(t, err)
	require.True(t, seen)

	// No last outbound message recorded yet.
	last, err := db.GetLastOutboundMessage(peer)
	require.NoError(t, err)
	require.Nil(t, last)

	first := msg.Serialize()
	require.NoError(t, db.UpsertLastOutboundMessage(peer, first))

	msg.UpdateIdx = 8
	second := msg.Serialize()
	require.NoError(t, db.UpsertLastOutboundMessage(peer, second))

	last, err = db.GetLastOutboundMessage(peer)
	require.NoError(t, err)
	require.Equal(t, second, last)
}

// TestProtocolLifecycle covers create, lookup and terminal transitions.
func TestProtocolLifecycle(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	trader := testPubKey(t)

	record := &chantypes.ProtocolRecord{
		ID:        chantypes.NewProtocolID(),
		ChannelID: chantypes.ChannelID{3},
		Trader:    trader,
		Type:      chantypes.ProtocolOpenPosition,
		State:     chantypes.ProtocolPending,
		Timestamp: time.Now(),
	}
	params := &chantypes.TradeParams{
		ProtocolID:   record.ID,
		Trader:       trader,
		Quantity:     100,
		Leverage:     2,
		AveragePrice: 45_000,
		Long:         true,
		MatchingFee:  300,
	}
	require.NoError(t, db.CreateProtocol(record, params))

	// Same id again must fail.
	require.Error(t, db.CreateProtocol(record, nil))

	got, err := db.GetProtocol(record.ID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolPending, got.State)

	gotParams, err := db.GetTradeParams(record.ID)
	require.NoError(t, err)
	require.Equal(t, params.Quantity, gotParams.Quantity)

	contractID := chantypes.ContractID{0xcc}
	require.NoError(t, db.SetProtocolSuccess(record.ID, &contractID))

	got, err = db.GetProtocol(record.ID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolSuccess, got.State)
	require.Equal(t, contractID, *got.ContractID)

	require.ErrorIs(
		t, db.SetProtocolFailed(chantypes.NewProtocolID()),
		ErrNotFound,
	)
}

// TestPositionTransitions covers state moves, close finalization and its
// idempotence.
func TestPositionTransitions(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	trader := testPubKey(t)

	id, err := db.InsertPosition(&chantypes.Position{
		Trader:       trader,
		State:        chantypes.PositionProposed,
		Quantity:     50,
		AverageEntry: 40_000,
		TraderMargin: 100_000,
		CoordMargin:  100_000,
		UpdatedAt:    time.Now(),
	})
	require.NoError(t, err)

	// Proposed positions are not in the sync set.
	positions, err := db.OpenOrClosingPositions()
	require.NoError(t, err)
	require.Empty(t, positions)

	opened, err := db.UpdatePositionState(
		trader,
		[]chantypes.PositionState{chantypes.PositionProposed},
		chantypes.PositionOpen,
	)
	require.NoError(t, err)
	require.Equal(t, id, opened.ID)

	require.NoError(t, db.SetUnrealizedPnl(id, -1500))

	positions, err = db.OpenOrClosingPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, int64(-1500), *positions[0].UnrealizedPnlSat)

	require.NoError(t, db.SetPositionClosed(id, 2500, 41_000))

	// Closing again leaves the record untouched.
	require.NoError(t, db.SetPositionClosed(id, -999, 1))

	closed, err := db.PositionByTrader(
		trader,
		[]chantypes.PositionState{chantypes.PositionClosed},
	)
	require.NoError(t, err)
	require.Equal(t, int64(2500), *closed.RealizedPnlSat)
	require.Equal(t, float64(41_000), *closed.ClosingPrice)
	require.Nil(t, closed.UnrealizedPnlSat)
}

// TestTransactionFeeBackfill covers the fee backfill queries.
func TestTransactionFeeBackfill(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()

	require.NoError(t, db.UpsertTransaction(
		&chantypes.TransactionRecord{
			Txid:      chainhash.Hash{1},
			CreatedAt: time.Now(),
		},
	))
	require.NoError(t, db.UpsertTransaction(
		&chantypes.TransactionRecord{
			Txid:      chainhash.Hash{2},
			Fee:       420,
			HasFee:    true,
			CreatedAt: time.Now(),
		},
	))

	missing, err := db.TransactionsWithoutFees()
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, chainhash.Hash{1}, missing[0].Txid)

	// Backfill the fee, the record leaves the missing set.
	missing[0].Fee = 123
	missing[0].HasFee = true
	require.NoError(t, db.UpsertTransaction(missing[0]))

	missing, err = db.TransactionsWithoutFees()
	require.NoError(t, err)
	require.Empty(t, missing)

	// A later bare tracking write must not clear a backfilled fee.
	require.NoError(t, db.UpsertTransaction(
		&chantypes.TransactionRecord{
			Txid:      chainhash.Hash{2},
			CreatedAt: time.Now(),
		},
	))

	missing, err = db.TransactionsWithoutFees()
	require.NoError(t, err)
	require.Empty(t, missing)
}

// TestRoutingFees covers the append-only fee log.
func TestRoutingFees(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()

	require.NoError(t, db.InsertRoutingFee(&chantypes.RoutingFee{
		AmountMsat:    1000,
		PrevChannelID: chantypes.ChannelID{1},
		NextChannelID: chantypes.ChannelID{2},
		CreatedAt:     time.Now(),
	}))
	require.NoError(t, db.InsertRoutingFee(&chantypes.RoutingFee{
		AmountMsat: 2000,
		CreatedAt:  time.Now(),
	}))

	fees, err := db.RoutingFees()
	require.NoError(t, err)
	require.Len(t, fees, 2)
	require.Equal(t, uint64(1000), fees[0].AmountMsat)
}
