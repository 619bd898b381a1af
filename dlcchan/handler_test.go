package dlcchan

import (
	"errors"
	"testing"
	"time"

	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcstore"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 3 * time.Second

// startHandler wires a Handler to the harness notifier and returns the
// transport it delivers through.
func (h *testHarness) startHandler() (*Handler, *mockTransport) {
	h.t.Helper()

	transport := &mockTransport{}
	handler := NewHandler(HandlerConfig{
		DB:        h.db,
		Notifier:  h.ntfns,
		Manager:   h.manager,
		Transport: transport,
		Clock:     h.clock,
	})
	require.NoError(h.t, handler.Start())
	h.t.Cleanup(handler.Stop)

	return handler, transport
}

func (h *testHarness) waitForSent(transport *mockTransport, n int) [][]byte {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return len(transport.sentMessages()) >= n
	}, eventTimeout, 10*time.Millisecond)

	return transport.sentMessages()
}

// TestHandlerRecordsBeforeSending asserts the outbound path: a published
// message is logged, recorded as the peer's last outbound message and then
// delivered. The recorded bytes equal the delivered bytes.
func TestHandlerRecordsBeforeSending(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	_, transport := h.startHandler()

	msg := &chantypes.DlcMessage{
		Kind:       chantypes.MsgSettleOffer,
		ChannelID:  chantypes.ChannelID{0x01},
		ProtocolID: chantypes.NewProtocolID(),
		UpdateIdx:  7,
		Body:       []byte("settle terms"),
	}
	h.ntfns.NotifySendDlcMessage(h.trader, msg)

	sent := h.waitForSent(transport, 1)
	require.Equal(t, msg.Serialize(), sent[0])

	recorded, err := h.db.GetLastOutboundMessage(h.trader)
	require.NoError(t, err)
	require.Equal(t, sent[0], recorded)

	seen, err := h.db.HasDlcMessage(msg.Hash())
	require.NoError(t, err)
	require.True(t, seen)
}

// TestHandlerStoreOnly asserts a store event records the message without
// putting anything on the wire.
func TestHandlerStoreOnly(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	_, transport := h.startHandler()

	msg := &chantypes.DlcMessage{
		Kind:       chantypes.MsgRenewRevoke,
		ChannelID:  chantypes.ChannelID{0x02},
		ProtocolID: chantypes.NewProtocolID(),
		UpdateIdx:  3,
		Body:       []byte("revoke"),
	}
	h.ntfns.NotifyStoreDlcMessage(h.trader, msg)

	require.Eventually(t, func() bool {
		recorded, err := h.db.GetLastOutboundMessage(h.trader)
		return err == nil && recorded != nil
	}, eventTimeout, 10*time.Millisecond)

	require.Empty(t, transport.sentMessages())

	recorded, err := h.db.GetLastOutboundMessage(h.trader)
	require.NoError(t, err)
	require.Equal(t, msg.Serialize(), recorded)
}

// TestHandlerResendIsVerbatim asserts a resend replays the stored bytes
// untouched rather than regenerating the message.
func TestHandlerResendIsVerbatim(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	handler, transport := h.startHandler()

	msg := &chantypes.DlcMessage{
		Kind:       chantypes.MsgRenewConfirm,
		ChannelID:  chantypes.ChannelID{0x03},
		ProtocolID: chantypes.NewProtocolID(),
		UpdateIdx:  5,
		Body:       []byte("confirm"),
	}
	h.ntfns.NotifySendDlcMessage(h.trader, msg)
	h.waitForSent(transport, 1)

	require.NoError(t, handler.ResendLastMessage(h.trader))

	sent := h.waitForSent(transport, 2)
	require.Equal(t, sent[0], sent[1])

	first, err := chantypes.DeserializeDlcMessage(sent[0])
	require.NoError(t, err)
	second, err := chantypes.DeserializeDlcMessage(sent[1])
	require.NoError(t, err)
	require.Equal(t, first.Hash(), second.Hash())
}

// TestHandlerResendWithoutHistory asserts resending to a peer with no
// recorded message is a no-op.
func TestHandlerResendWithoutHistory(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	handler, transport := h.startHandler()

	require.NoError(t, handler.ResendLastMessage(h.trader))
	require.Empty(t, transport.sentMessages())
}

// TestHandlerSendFailureTolerated asserts a wire failure does not lose the
// message: it stays recorded and goes out on the next resend.
func TestHandlerSendFailureTolerated(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	handler, transport := h.startHandler()
	transport.err = errors.New("peer hung up")

	msg := &chantypes.DlcMessage{
		Kind:       chantypes.MsgSettleConfirm,
		ChannelID:  chantypes.ChannelID{0x04},
		ProtocolID: chantypes.NewProtocolID(),
		UpdateIdx:  2,
		Body:       []byte("confirm"),
	}
	h.ntfns.NotifySendDlcMessage(h.trader, msg)

	require.Eventually(t, func() bool {
		recorded, err := h.db.GetLastOutboundMessage(h.trader)
		return err == nil && recorded != nil
	}, eventTimeout, 10*time.Millisecond)
	require.Empty(t, transport.sentMessages())

	transport.mtx.Lock()
	transport.err = nil
	transport.mtx.Unlock()

	require.NoError(t, handler.ResendLastMessage(h.trader))
	sent := h.waitForSent(transport, 1)
	require.Equal(t, msg.Serialize(), sent[0])
}

// TestHandlerReconnectDuties asserts a peer connection event accepts the
// peer's pending collaborative close offer and resends the last outbound
// message.
func TestHandlerReconnectDuties(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	_, transport := h.startHandler()
	channelID := h.establish()

	// Drain the establishment messages through the handler first.
	h.waitForSent(transport, 2)

	closeID := chantypes.NewProtocolID()
	err := h.manager.HandleMessage(h.trader, h.peerMsg(
		channelID, closeID, chantypes.MsgCollaborativeCloseOffer, 2,
		"cco",
	))
	require.NoError(t, err)

	h.ntfns.NotifyConnected(h.trader)

	require.Eventually(t, func() bool {
		channel, err := h.manager.GetChannel(channelID)
		if err != nil {
			return false
		}
		return channel.State == dlcstore.ChannelCollaborativelyClosed
	}, eventTimeout, 10*time.Millisecond)
	require.Equal(t, 1, h.engine.closes)

	// The reconnect also resent the recorded last outbound message (the
	// sign message from establishment) byte for byte.
	sent := h.waitForSent(transport, 3)
	require.Equal(t, sent[1], sent[2])
}
