package notifier

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/subscribe"
)

// NodeNotifier is the subsystem all node-level events pipe through. The
// interception engine, the funding tracker and the protocol handler publish
// here; fee accounting, shadow sync triggers and push dispatch subscribe.
type NodeNotifier struct {
	started uint32
	stopped uint32

	ntfnServer *subscribe.Server
}

// ConnectedEvent is published when a peer (re)connects.
type ConnectedEvent struct {
	// Peer is the node public key of the connected peer.
	Peer *btcec.PublicKey
}

// SendDlcMessageEvent is published right before a peer-directed protocol
// message goes out on the wire.
type SendDlcMessageEvent struct {
	// Peer is the recipient.
	Peer *btcec.PublicKey

	// Message is the outbound message.
	Message *chantypes.DlcMessage
}

// StoreDlcMessageEvent is published for a message that must be recorded as
// the peer's last outbound message without being sent now. Broadcast-only
// actions from the periodic check never produce this event.
type StoreDlcMessageEvent struct {
	// Peer is the peer the message belongs to.
	Peer *btcec.PublicKey

	// Message is the message to record.
	Message *chantypes.DlcMessage
}

// SendLastDlcMessageEvent is published when the last recorded outbound
// message for a peer should be resent verbatim.
type SendLastDlcMessageEvent struct {
	// Peer is the reconnected peer.
	Peer *btcec.PublicKey
}

// ChannelReadyEvent is published once a channel is confirmed and usable.
type ChannelReadyEvent struct {
	// UserChannelID is the coordinator-minted channel identifier.
	UserChannelID chantypes.ProtocolID

	// ChannelID is the engine-assigned channel id.
	ChannelID chantypes.ChannelID

	// Counterparty is the peer on the other end.
	Counterparty *btcec.PublicKey
}

// PaymentClaimedEvent is published when an inbound invoice is settled.
type PaymentClaimedEvent struct {
	// PaymentHash is the hash of the settled invoice.
	PaymentHash [32]byte

	// AmountMsat is the settled amount.
	AmountMsat uint64

	// Description is the invoice description.
	Description string
}

// PaymentForwardedEvent is published for every successfully forwarded
// payment.
type PaymentForwardedEvent struct {
	// FeeEarnedMsat is the routing fee earned.
	FeeEarnedMsat uint64

	// PrevChannelID is the channel the payment arrived on.
	PrevChannelID chantypes.ChannelID

	// NextChannelID is the channel the payment left on.
	NextChannelID chantypes.ChannelID
}

// SpendableOutputsEvent is published when outputs of a closed channel
// become claimable on chain.
type SpendableOutputsEvent struct {
	// ChannelID is the closed channel.
	ChannelID chantypes.ChannelID

	// Outputs are the claimable outpoints.
	Outputs []wire.OutPoint
}

// DlcChannelEvent is published on every protocol channel state change.
type DlcChannelEvent struct {
	// ChannelID is the affected channel.
	ChannelID chantypes.ChannelID

	// ProtocolID is the protocol execution driving the change, zero for
	// engine-internal transitions.
	ProtocolID chantypes.ProtocolID

	// Kind is the message kind that caused the transition.
	Kind chantypes.DlcMessageKind
}

// New creates a new NodeNotifier.
func New() *NodeNotifier {
	return &NodeNotifier{
		ntfnServer: subscribe.NewServer(),
	}
}

// Start starts the underlying subscription server.
func (n *NodeNotifier) Start() error {
	if !atomic.CompareAndSwapUint32(&n.started, 0, 1) {
		return nil
	}

	return n.ntfnServer.Start()
}

// Stop signals the notifier for a graceful shutdown.
func (n *NodeNotifier) Stop() {
	if !atomic.CompareAndSwapUint32(&n.stopped, 0, 1) {
		return
	}

	n.ntfnServer.Stop()
}

// SubscribeEvents returns a lossy client that will receive node events for
// as long as it keeps up with delivery. Intended for consumers that can
// recompute on their next periodic pass.
func (n *NodeNotifier) SubscribeEvents() (*subscribe.Client, error) {
	return n.ntfnServer.Subscribe()
}

// SubscribeEventsReliable returns a client that receives every event.
// Intended for consumers whose side effects must not be missed, like the
// protocol message handler.
func (n *NodeNotifier) SubscribeEventsReliable() (*subscribe.Client,
	error) {

	return n.ntfnServer.SubscribeReliable()
}

func (n *NodeNotifier) notify(event interface{}) {
	if err := n.ntfnServer.SendUpdate(event); err != nil {
		log.Warnf("Unable to send %T update: %v", event, err)
	}
}

// NotifyConnected publishes a peer connection event.
func (n *NodeNotifier) NotifyConnected(peer *btcec.PublicKey) {
	n.notify(ConnectedEvent{Peer: peer})
}

// NotifySendDlcMessage publishes an outbound protocol message event.
func (n *NodeNotifier) NotifySendDlcMessage(peer *btcec.PublicKey,
	msg *chantypes.DlcMessage) {

	n.notify(SendDlcMessageEvent{Peer: peer, Message: msg})
}

// NotifyStoreDlcMessage publishes a store-only protocol message event.
func (n *NodeNotifier) NotifyStoreDlcMessage(peer *btcec.PublicKey,
	msg *chantypes.DlcMessage) {

	n.notify(StoreDlcMessageEvent{Peer: peer, Message: msg})
}

// NotifySendLastDlcMessage asks the handler to resend the peer's last
// outbound message verbatim.
func (n *NodeNotifier) NotifySendLastDlcMessage(peer *btcec.PublicKey) {
	n.notify(SendLastDlcMessageEvent{Peer: peer})
}

// NotifyChannelReady publishes a channel-ready event.
func (n *NodeNotifier) NotifyChannelReady(userChannelID chantypes.ProtocolID,
	channelID chantypes.ChannelID, counterparty *btcec.PublicKey) {

	n.notify(ChannelReadyEvent{
		UserChannelID: userChannelID,
		ChannelID:     channelID,
		Counterparty:  counterparty,
	})
}

// NotifyPaymentClaimed publishes an invoice settlement event.
func (n *NodeNotifier) NotifyPaymentClaimed(hash [32]byte, amountMsat uint64,
	description string) {

	n.notify(PaymentClaimedEvent{
		PaymentHash: hash,
		AmountMsat:  amountMsat,
		Description: description,
	})
}

// NotifyPaymentForwarded publishes a forwarded payment event.
func (n *NodeNotifier) NotifyPaymentForwarded(feeMsat uint64,
	prev, next chantypes.ChannelID) {

	n.notify(PaymentForwardedEvent{
		FeeEarnedMsat: feeMsat,
		PrevChannelID: prev,
		NextChannelID: next,
	})
}

// NotifySpendableOutputs publishes a spendable-outputs event.
func (n *NodeNotifier) NotifySpendableOutputs(channelID chantypes.ChannelID,
	outputs []wire.OutPoint) {

	n.notify(SpendableOutputsEvent{
		ChannelID: channelID,
		Outputs:   outputs,
	})
}

// NotifyDlcChannelEvent publishes a protocol channel state change.
func (n *NodeNotifier) NotifyDlcChannelEvent(channelID chantypes.ChannelID,
	protocolID chantypes.ProtocolID, kind chantypes.DlcMessageKind) {

	n.notify(DlcChannelEvent{
		ChannelID:  channelID,
		ProtocolID: protocolID,
		Kind:       kind,
	})
}
