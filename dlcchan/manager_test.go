package dlcchan

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcstore"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	t *testing.T

	manager *Manager
	engine  *mockEngine
	peers   *mockPeers
	db      *store.MemoryStore
	ntfns   *notifier.NodeNotifier
	events  *subscribe.Client
	clock   *clock.TestClock

	trader *btcec.PublicKey
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ntfns := notifier.New()
	require.NoError(t, ntfns.Start())
	t.Cleanup(ntfns.Stop)

	events, err := ntfns.SubscribeEventsReliable()
	require.NoError(t, err)
	t.Cleanup(events.Cancel)

	h := &testHarness{
		t:      t,
		engine: newMockEngine(),
		peers:  &mockPeers{},
		db:     store.NewMemoryStore(),
		ntfns:  ntfns,
		events: events,
		clock:  clock.NewTestClock(testTime),
		trader: priv.PubKey(),
	}
	h.manager = NewManager(Config{
		Engine:   h.engine,
		Channels: dlcstore.NewStore(dlcstore.NewMemoryProvider()),
		DB:       h.db,
		Notifier: ntfns,
		Peers:    h.peers,
		Clock:    h.clock,
	})

	return h
}

func (h *testHarness) terms() *chantypes.ContractTerms {
	return &chantypes.ContractTerms{
		CollateralOffer:  100_000,
		CollateralAccept: 100_000,
		Expiry:           testTime.Add(24 * time.Hour),
	}
}

// nextOutbound waits for the next peer-directed message event.
func (h *testHarness) nextOutbound() *chantypes.DlcMessage {
	h.t.Helper()

	for {
		select {
		case update := <-h.events.Updates():
			event, ok := update.(notifier.SendDlcMessageEvent)
			if ok {
				return event.Message
			}

		case <-time.After(time.Second):
			h.t.Fatal("timeout waiting for outbound message")
			return nil
		}
	}
}

// nextChannelEvent waits for the next channel state change event.
func (h *testHarness) nextChannelEvent() notifier.DlcChannelEvent {
	h.t.Helper()

	for {
		select {
		case update := <-h.events.Updates():
			if event, ok := update.(notifier.DlcChannelEvent); ok {
				return event
			}

		case <-time.After(time.Second):
			h.t.Fatal("timeout waiting for channel event")
			return notifier.DlcChannelEvent{}
		}
	}
}

// peerMsg builds a message as the peer would send it.
func (h *testHarness) peerMsg(channelID chantypes.ChannelID,
	protocolID chantypes.ProtocolID, kind chantypes.DlcMessageKind,
	idx uint64, body string) *chantypes.DlcMessage {

	return &chantypes.DlcMessage{
		Kind:       kind,
		ChannelID:  channelID,
		ProtocolID: protocolID,
		UpdateIdx:  idx,
		Body:       []byte(body),
	}
}

// establish runs the full offer/accept/sign dance as offerer and returns
// the established channel id.
func (h *testHarness) establish() chantypes.ChannelID {
	h.t.Helper()

	protocolID, channelID, err := h.manager.Propose(
		h.trader, h.terms(), nil,
	)
	require.NoError(h.t, err)

	offer := h.nextOutbound()
	require.Equal(h.t, chantypes.MsgOffer, offer.Kind)

	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgAccept, 1, "accept",
	))
	require.NoError(h.t, err)

	sign := h.nextOutbound()
	require.Equal(h.t, chantypes.MsgSign, sign.Kind)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(h.t, err)
	require.Equal(h.t, dlcstore.ChannelSigned, channel.State)
	require.Equal(h.t, dlcstore.SignedEstablished, channel.SignedState)
	require.EqualValues(h.t, 1, channel.UpdateIdx)
	require.NotNil(h.t, channel.ContractID)

	return channelID
}

// TestProposeValidation covers terms validation and peer reachability.
func TestProposeValidation(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	badTerms := h.terms()
	badTerms.CollateralOffer = 0
	_, _, err := h.manager.Propose(h.trader, badTerms, nil)
	require.ErrorIs(t, err, ErrInvalidTerms)

	expired := h.terms()
	expired.Expiry = testTime.Add(-time.Hour)
	_, _, err = h.manager.Propose(h.trader, expired, nil)
	require.ErrorIs(t, err, ErrInvalidTerms)

	h.peers.setOffline(true)
	_, _, err = h.manager.Propose(h.trader, h.terms(), nil)
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

// TestOfferAcceptSign covers the channel establishment dance and the
// protocol record lifecycle.
func TestOfferAcceptSign(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	protocolID, channelID, err := h.manager.Propose(
		h.trader, h.terms(), nil,
	)
	require.NoError(t, err)

	offer := h.nextOutbound()
	require.Equal(t, chantypes.MsgOffer, offer.Kind)
	require.EqualValues(t, 1, offer.UpdateIdx)

	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgAccept, 1, "accept",
	))
	require.NoError(t, err)
	require.Equal(t, chantypes.MsgSign, h.nextOutbound().Kind)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.True(t, channel.AtRest())
	require.True(t, channel.PendingProtocolID.IsZero())

	// The opening protocol record is marked successful with the derived
	// contract id.
	record, err := h.db.GetProtocol(protocolID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolSuccess, record.State)
	require.Equal(t, *channel.ContractID, *record.ContractID)

	offered, err := h.manager.cfg.Channels.OfferedChannels()
	require.NoError(t, err)
	require.Empty(t, offered)
}

// TestRejectedOffer covers the peer rejecting our offer.
func TestRejectedOffer(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	protocolID, channelID, err := h.manager.Propose(
		h.trader, h.terms(), nil,
	)
	require.NoError(t, err)
	h.nextOutbound()

	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgReject, 1, "",
	))
	require.NoError(t, err)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.ChannelFailedAccept, channel.State)
	require.True(t, channel.Terminal())

	record, err := h.db.GetProtocol(protocolID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolFailed, record.State)
}

// TestRenewRoundTrip runs a full renew round as offerer: the channel ends
// established on a new contract with the update index advanced by one and
// the previous index revoked.
func TestRenewRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	before, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	oldContract := *before.ContractID

	protocolID, err := h.manager.Renew(
		channelID, chantypes.ProtocolRollover, nil,
	)
	require.NoError(t, err)

	offer := h.nextOutbound()
	require.Equal(t, chantypes.MsgRenewOffer, offer.Kind)
	require.EqualValues(t, 2, offer.UpdateIdx)

	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgRenewAccept, 2, "ra",
	))
	require.NoError(t, err)
	require.Equal(t, chantypes.MsgRenewConfirm, h.nextOutbound().Kind)

	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgRenewFinalize, 2, "rf",
	))
	require.NoError(t, err)
	require.Equal(t, chantypes.MsgRenewRevoke, h.nextOutbound().Kind)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.True(t, channel.AtRest())
	require.Equal(t, dlcstore.SignedEstablished, channel.SignedState)
	require.EqualValues(t, 2, channel.UpdateIdx)
	require.EqualValues(t, 1, channel.RevokedIdx)
	require.NotEqual(t, oldContract, *channel.ContractID)

	// The revoke disclosed exactly the previous index's secret.
	require.Equal(t, []uint64{1}, h.engine.revokedIndexes())

	record, err := h.db.GetProtocol(protocolID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolSuccess, record.State)
	require.Equal(t, *channel.ContractID, *record.ContractID)
}

// TestSettleAcceptorFlow covers the coordinator receiving a settle offer:
// it is auto-accepted and the round completes with an index bump.
func TestSettleAcceptorFlow(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	settleID := chantypes.NewProtocolID()
	err := h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, settleID, chantypes.MsgSettleOffer, 2, "so",
	))
	require.NoError(t, err)
	require.Equal(t, chantypes.MsgSettleAccept, h.nextOutbound().Kind)

	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, settleID, chantypes.MsgSettleConfirm, 2, "sc",
	))
	require.NoError(t, err)
	require.Equal(t, chantypes.MsgSettleFinalize, h.nextOutbound().Kind)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.SignedSettled, channel.SignedState)
	require.EqualValues(t, 2, channel.UpdateIdx)
	require.EqualValues(t, 1, channel.RevokedIdx)

	record, err := h.db.GetProtocol(settleID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolSuccess, record.State)
}

// TestSingleInFlightOperation asserts that settle and renew are refused
// while another operation is in flight.
func TestSingleInFlightOperation(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	_, err := h.manager.Renew(channelID, chantypes.ProtocolRollover, nil)
	require.NoError(t, err)
	h.nextOutbound()

	_, err = h.manager.Settle(channelID, nil)
	require.ErrorIs(t, err, ErrPendingOperation)

	_, err = h.manager.Renew(channelID, chantypes.ProtocolRollover, nil)
	require.ErrorIs(t, err, ErrPendingOperation)
}

// TestStaleUpdateRejected asserts that a message carrying an index at or
// below the current one is rejected without mutating state.
func TestStaleUpdateRejected(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	protocolID, err := h.manager.Renew(
		channelID, chantypes.ProtocolRollover, nil,
	)
	require.NoError(t, err)
	h.nextOutbound()

	// Index 1 is the current index: stale.
	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgRenewAccept, 1, "x",
	))
	require.ErrorIs(t, err, ErrStaleUpdate)

	// Index 3 skips ahead.
	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgRenewAccept, 3, "y",
	))
	require.ErrorIs(t, err, ErrUnexpectedMessage)

	// State is untouched by either rejection.
	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.SignedRenewOffered, channel.SignedState)
	require.EqualValues(t, 1, channel.UpdateIdx)
}

// TestVerificationFailureIsPermanent asserts that a message failing
// cryptographic verification does not mutate state.
func TestVerificationFailureIsPermanent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	protocolID, err := h.manager.Renew(
		channelID, chantypes.ProtocolRollover, nil,
	)
	require.NoError(t, err)
	h.nextOutbound()

	h.engine.verifyErr = errVerify
	err = h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, protocolID, chantypes.MsgRenewAccept, 2, "ra",
	))
	require.ErrorIs(t, err, errVerify)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.SignedRenewOffered, channel.SignedState)
}

// TestDuplicateMessageIgnored asserts inbound dedup by content hash: a
// resent message is acknowledged without being re-applied.
func TestDuplicateMessageIgnored(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	settleID := chantypes.NewProtocolID()
	msg := h.peerMsg(
		channelID, settleID, chantypes.MsgSettleOffer, 2, "so",
	)

	require.NoError(t, h.manager.HandleMessage(h.trader, msg))
	h.nextOutbound()

	// The exact same message again: no error, no second accept.
	require.NoError(t, h.manager.HandleMessage(h.trader, msg))

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.SignedSettledAccepted,
		channel.SignedState)
}

// TestForceClose asserts force close is valid from a signed state,
// broadcasts exactly one commitment and tracks the tx for fee backfill.
func TestForceClose(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	require.NoError(t, h.manager.ForceClose(channelID))

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.SignedClosing, channel.SignedState)
	require.Equal(t, 1, h.engine.broadcasts)

	// The commitment tx is tracked without a fee for backfill.
	missing, err := h.db.TransactionsWithoutFees()
	require.NoError(t, err)
	require.Len(t, missing, 1)

	// The published event labels the unilateral close, not a
	// collaborative one.
	event := h.nextChannelEvent()
	for event.Kind != chantypes.MsgForceClose {
		require.NotEqual(t, chantypes.MsgCollaborativeCloseOffer,
			event.Kind)
		event = h.nextChannelEvent()
	}
	require.Equal(t, channelID, event.ChannelID)

	// No further off-chain operation may start.
	_, err = h.manager.Settle(channelID, nil)
	require.ErrorIs(t, err, ErrPendingOperation)
}

// TestCollaborativeCloseAutoAccept asserts that a pending close offer from
// the peer is accepted when the peer reconnects.
func TestCollaborativeCloseAutoAccept(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	channelID := h.establish()

	closeID := chantypes.NewProtocolID()
	err := h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, closeID, chantypes.MsgCollaborativeCloseOffer, 2,
		"cco",
	))
	require.NoError(t, err)

	channel, err := h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.SignedCollaborativeCloseOffered,
		channel.SignedState)

	h.manager.OnPeerConnected(h.trader)

	channel, err = h.manager.GetChannel(channelID)
	require.NoError(t, err)
	require.Equal(t, dlcstore.ChannelCollaborativelyClosed,
		channel.State)
	require.Equal(t, 1, h.engine.closes)

	record, err := h.db.GetProtocol(closeID)
	require.NoError(t, err)
	require.Equal(t, chantypes.ProtocolSuccess, record.State)
}

// TestMonotonicUpdateIndex property-tests that the stored update index is
// strictly increasing under arbitrary interleavings of valid and invalid
// renew messages.
func TestMonotonicUpdateIndex(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		h := newTestHarness(t)
		channelID := h.establish()

		currentIdx := uint64(1)
		rounds := rapid.IntRange(1, 5).Draw(rt, "rounds")
		nonce := 0

		for i := 0; i < rounds; i++ {
			protocolID, err := h.manager.Renew(
				channelID, chantypes.ProtocolRollover, nil,
			)
			require.NoError(rt, err)
			h.nextOutbound()

			// Throw a few adversarial indexes at the channel
			// before the valid one.
			bogus := rapid.IntRange(0, 3).Draw(rt, "bogus")
			for j := 0; j < bogus; j++ {
				idx := rapid.Uint64Range(0, currentIdx+3).
					Filter(func(v uint64) bool {
						return v != currentIdx+1
					}).Draw(rt, "idx")

				nonce++
				err := h.manager.HandleMessage(
					h.trader, h.peerMsg(
						channelID, protocolID,
						chantypes.MsgRenewAccept,
						idx,
						fmt.Sprintf("n%d", nonce),
					),
				)
				require.Error(rt, err)

				channel, err := h.manager.GetChannel(
					channelID,
				)
				require.NoError(rt, err)
				require.Equal(rt, currentIdx,
					channel.UpdateIdx)
			}

			nonce++
			err = h.manager.HandleMessage(h.trader, h.peerMsg(
				channelID, protocolID,
				chantypes.MsgRenewAccept, currentIdx+1,
				fmt.Sprintf("a%d", nonce),
			))
			require.NoError(rt, err)
			h.nextOutbound()

			nonce++
			err = h.manager.HandleMessage(h.trader, h.peerMsg(
				channelID, protocolID,
				chantypes.MsgRenewFinalize, currentIdx+1,
				fmt.Sprintf("f%d", nonce),
			))
			require.NoError(rt, err)
			h.nextOutbound()

			currentIdx++

			channel, err := h.manager.GetChannel(channelID)
			require.NoError(rt, err)
			require.Equal(rt, currentIdx, channel.UpdateIdx)
			require.Equal(rt, currentIdx-1, channel.RevokedIdx)
		}

		// Every completed round revoked exactly its previous index,
		// in order: revocation never goes backwards.
		revoked := h.engine.revokedIndexes()
		require.Len(rt, revoked, rounds)
		for i, idx := range revoked {
			require.Equal(rt, uint64(i+1), idx)
		}
	})
}
