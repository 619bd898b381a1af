package chantypes

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PaymentKind distinguishes the business purpose of a payment record.
type PaymentKind uint8

const (
	// PaymentKindJitFee is a channel opening fee payment.
	PaymentKindJitFee PaymentKind = iota

	// PaymentKindRouted is an ordinary routed payment.
	PaymentKindRouted
)

// Payment is a payment-hash keyed record of an inbound payment.
type Payment struct {
	Hash        [32]byte
	AmountMsat  uint64
	Kind        PaymentKind
	Description string
	CreatedAt   time.Time
}

// RoutingFee records the fee earned forwarding a single payment between two
// channels. One record is written per PaymentForwarded event.
type RoutingFee struct {
	AmountMsat    uint64
	PrevChannelID ChannelID
	NextChannelID ChannelID
	CreatedAt     time.Time
}

// PositionState tracks the business-level position a protocol execution
// materializes. The core treats positions as correlation data; the states
// below are the subset reconciliation jobs act on.
type PositionState uint8

const (
	// PositionProposed is a position whose opening protocol is pending.
	PositionProposed PositionState = iota

	// PositionOpen is a live position.
	PositionOpen

	// PositionClosing is a position whose settle protocol is in flight.
	PositionClosing

	// PositionClosed is terminal.
	PositionClosed
)

// Position is the coordinator's record of a trader position, keyed by the
// protocol id that opened it.
type Position struct {
	ID               int64
	Trader           *btcec.PublicKey
	ContractID       *ContractID
	State            PositionState
	Quantity         float64
	AverageEntry     float64
	TraderMargin     btcutil.Amount
	CoordMargin      btcutil.Amount
	RealizedPnlSat   *int64
	UnrealizedPnlSat *int64
	ClosingPrice     *float64
	UpdatedAt        time.Time
}

// Trade is one executed trade against a position.
type Trade struct {
	PositionID     int64
	Trader         *btcec.PublicKey
	Quantity       float64
	Leverage       float64
	AveragePrice   float64
	MatchingFee    btcutil.Amount
	RealizedPnlSat *int64
	CreatedAt      time.Time
}

// TransactionRecord is an on-chain transaction tracked by the coordinator,
// whose fee may be unknown until the wallet can compute it.
type TransactionRecord struct {
	Txid      chainhash.Hash
	Fee       btcutil.Amount
	HasFee    bool
	CreatedAt time.Time
}
