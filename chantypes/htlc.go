package chantypes

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// HtlcResolution is the final outcome of an intercepted HTLC. Exactly one
// resolution is recorded per interception.
type HtlcResolution uint8

const (
	// HtlcForwarded means the HTLC was forwarded over an existing
	// channel.
	HtlcForwarded HtlcResolution = iota

	// HtlcChannelOpened means a JIT channel was opened and the HTLC was
	// forwarded over it once ready.
	HtlcChannelOpened

	// HtlcFailed means the HTLC was failed back to the sender.
	HtlcFailed

	// HtlcTimedOut means the bounded wait for the recipient expired and
	// the HTLC was failed back.
	HtlcTimedOut
)

// String returns a human readable resolution.
func (r HtlcResolution) String() string {
	switch r {
	case HtlcForwarded:
		return "Forwarded"
	case HtlcChannelOpened:
		return "ChannelOpened"
	case HtlcFailed:
		return "Failed"
	case HtlcTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// InterceptedHtlc is a single forwarded-payment interception event handed to
// the interception engine by the channel engine.
type InterceptedHtlc struct {
	// InterceptID is the engine-assigned handle used to resume, settle
	// or fail the held HTLC.
	InterceptID [32]byte

	// Scid is the fake short channel id alias the sender routed towards,
	// previously registered for a specific recipient.
	Scid uint64

	// PaymentHash is the HTLC payment hash.
	PaymentHash [32]byte

	// IncomingAmountMsat is the amount offered on the incoming link.
	IncomingAmountMsat uint64

	// OutgoingAmountMsat is the amount expected on the outgoing link.
	OutgoingAmountMsat uint64

	// Expiry is the absolute block height at which the HTLC times out.
	Expiry uint32
}

// LiquidityRequest binds a fake SCID to the recipient it was registered for,
// together with the policy the JIT channel must be sized by.
type LiquidityRequest struct {
	// UserChannelID is the shadow channel record the JIT open will
	// materialize.
	UserChannelID ProtocolID

	// Trader is the recipient node.
	Trader *btcec.PublicKey

	// TradeUpToSats caps the position size the recipient asked to be
	// able to trade, driving the channel capacity.
	TradeUpToSats btcutil.Amount

	// MaxDepositSats caps the amount the recipient may route in through
	// the JIT open.
	MaxDepositSats btcutil.Amount

	// FeeSats is the channel opening fee agreed with the recipient.
	FeeSats btcutil.Amount
}
