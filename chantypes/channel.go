package chantypes

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ChannelState describes the lifecycle of a coordinator-tracked payment
// channel. The coordinator keeps its own shadow record next to the channel
// engine's authoritative state; reconciliation jobs keep the two in sync.
type ChannelState uint8

const (
	// ChannelPending is the state of a channel whose funding intent has
	// been recorded but whose funding transaction is not yet confirmed.
	ChannelPending ChannelState = iota

	// ChannelOpen is a confirmed, usable channel.
	ChannelOpen

	// ChannelClosing is a channel with a cooperative close in flight.
	ChannelClosing

	// ChannelForceClosing is a channel whose latest commitment has been
	// broadcast unilaterally.
	ChannelForceClosing

	// ChannelClosed is a terminal state reached once the closing
	// transaction is sufficiently deep.
	ChannelClosed
)

// String returns a human readable channel state.
func (s ChannelState) String() string {
	switch s {
	case ChannelPending:
		return "Pending"
	case ChannelOpen:
		return "Open"
	case ChannelClosing:
		return "Closing"
	case ChannelForceClosing:
		return "ForceClosing"
	case ChannelClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Channel is the coordinator's shadow record of a payment channel with a
// peer. At most one open channel maps to a given funding txid.
type Channel struct {
	// UserChannelID is the coordinator-minted identifier assigned before
	// the channel engine hands out a real channel id.
	UserChannelID ProtocolID

	// ChannelID is the engine-assigned channel id, set once the channel
	// is pending on-chain.
	ChannelID ChannelID

	// Counterparty is the node public key of the peer.
	Counterparty *btcec.PublicKey

	// FundingTxid is the funding transaction id, nil until broadcast.
	FundingTxid *chainhash.Hash

	// Capacity is the total channel capacity.
	Capacity btcutil.Amount

	// LocalBalance is the coordinator-side balance.
	LocalBalance btcutil.Amount

	// RemoteBalance is the peer-side balance.
	RemoteBalance btcutil.Amount

	// FeeSats is the JIT channel opening fee charged to the peer, zero
	// if the channel was not opened just-in-time.
	FeeSats btcutil.Amount

	// FundingPaymentHash is the payment hash of the opening fee invoice,
	// once the funding tracker has associated it.
	FundingPaymentHash *[32]byte

	// State is the current lifecycle state.
	State ChannelState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsClosed reports whether the channel has reached a terminal state.
func (c *Channel) IsClosed() bool {
	return c.State == ChannelClosed
}
