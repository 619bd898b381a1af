package chantypes

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// ProtocolType classifies what a protocol execution does to the channel and
// the position living inside it.
type ProtocolType uint8

const (
	// ProtocolOpenChannel opens a channel and the first position in it.
	ProtocolOpenChannel ProtocolType = iota

	// ProtocolOpenPosition opens a position in an established channel.
	ProtocolOpenPosition

	// ProtocolResizePosition resizes an open position.
	ProtocolResizePosition

	// ProtocolRollover rolls an open position to a new expiry.
	ProtocolRollover

	// ProtocolSettle settles the current contract without closing the
	// channel.
	ProtocolSettle

	// ProtocolClose collaboratively closes the channel.
	ProtocolClose

	// ProtocolForceClose unilaterally closes the channel.
	ProtocolForceClose
)

// String returns a human readable protocol type.
func (p ProtocolType) String() string {
	switch p {
	case ProtocolOpenChannel:
		return "OpenChannel"
	case ProtocolOpenPosition:
		return "OpenPosition"
	case ProtocolResizePosition:
		return "ResizePosition"
	case ProtocolRollover:
		return "Rollover"
	case ProtocolSettle:
		return "Settle"
	case ProtocolClose:
		return "Close"
	case ProtocolForceClose:
		return "ForceClose"
	default:
		return "Unknown"
	}
}

// ProtocolState is the lifecycle of a protocol execution record.
type ProtocolState uint8

const (
	// ProtocolPending is an execution that has been started but not yet
	// finished.
	ProtocolPending ProtocolState = iota

	// ProtocolSuccess is a finished execution.
	ProtocolSuccess

	// ProtocolFailed is a permanently failed execution.
	ProtocolFailed
)

// String returns a human readable protocol state.
func (p ProtocolState) String() string {
	switch p {
	case ProtocolPending:
		return "Pending"
	case ProtocolSuccess:
		return "Success"
	case ProtocolFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ProtocolRecord correlates a protocol execution with its channel, contract
// and trader across restarts. One record exists per minted ProtocolID.
type ProtocolRecord struct {
	ID         ProtocolID
	PreviousID *ProtocolID
	ChannelID  ChannelID
	ContractID *ContractID
	Trader     *btcec.PublicKey
	Type       ProtocolType
	State      ProtocolState
	Timestamp  time.Time
}

// TradeParams are the business-level parameters a trading protocol
// execution was started with, keyed by protocol id.
type TradeParams struct {
	ProtocolID   ProtocolID
	Trader       *btcec.PublicKey
	Quantity     float64
	Leverage     float64
	AveragePrice float64
	Long         bool
	MatchingFee  btcutil.Amount
	TraderPnlSat *int64
}

// ContractTerms describe the contract a protocol execution establishes or
// renews. The core validates collateral bounds and hands the rest to the
// contract engine untouched.
type ContractTerms struct {
	// CollateralOffer is the collateral put up by the offering party.
	CollateralOffer btcutil.Amount

	// CollateralAccept is the collateral put up by the accepting party.
	CollateralAccept btcutil.Amount

	// Expiry is when the contract expires and becomes oracle-settleable.
	Expiry time.Time

	// OraclePayload is the opaque oracle announcement and payout
	// structure consumed by the contract engine.
	OraclePayload []byte
}
