package store

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ChannelStore persists the coordinator's shadow channel records.
type ChannelStore interface {
	// UpsertChannel inserts or replaces the shadow record, keyed by the
	// user channel id.
	UpsertChannel(channel *chantypes.Channel) error

	// GetChannel returns the shadow record with the given user channel
	// id.
	GetChannel(id chantypes.ProtocolID) (*chantypes.Channel, error)

	// GetChannelByFundingTxid returns the shadow record whose funding
	// transaction matches.
	GetChannelByFundingTxid(txid chainhash.Hash) (*chantypes.Channel,
		error)

	// SetChannelPaymentHash stamps the channel located by funding txid
	// with the opening fee payment hash.
	SetChannelPaymentHash(txid chainhash.Hash, hash [32]byte) error

	// AllNonPendingChannels lists every channel that made it past the
	// Pending state.
	AllNonPendingChannels() ([]*chantypes.Channel, error)
}

// PaymentStore persists payment-hash keyed payment records.
type PaymentStore interface {
	// InsertPayment records a payment. Inserting the same hash twice is
	// an error.
	InsertPayment(payment *chantypes.Payment) error

	// GetPayment returns the payment with the given hash.
	GetPayment(hash [32]byte) (*chantypes.Payment, error)

	// AssociateFundingPayment records the opening fee payment and stamps
	// the channel located by funding txid with the payment hash, as a
	// single logical unit.
	AssociateFundingPayment(payment *chantypes.Payment,
		fundingTxid chainhash.Hash) error
}

// MessageStore persists the protocol message log and the per-peer last
// outbound message.
type MessageStore interface {
	// InsertDlcMessage appends a message to the log.
	InsertDlcMessage(record *chantypes.DlcMessageRecord) error

	// HasDlcMessage reports whether a message with the given content
	// hash is already in the log.
	HasDlcMessage(hash [32]byte) (bool, error)

	// UpsertLastOutboundMessage replaces the single last outbound
	// message row for the peer with the verbatim serialization given.
	UpsertLastOutboundMessage(peer *btcec.PublicKey,
		serialized []byte) error

	// GetLastOutboundMessage returns the verbatim serialization of the
	// last outbound message for the peer, or nil if none was recorded.
	GetLastOutboundMessage(peer *btcec.PublicKey) ([]byte, error)
}

// ProtocolStore persists protocol execution records and their trade
// parameters.
type ProtocolStore interface {
	// CreateProtocol records a new pending execution together with its
	// trade parameters (which may be nil for close protocols), as a
	// single logical unit.
	CreateProtocol(record *chantypes.ProtocolRecord,
		params *chantypes.TradeParams) error

	// GetProtocol returns the execution record with the given id.
	GetProtocol(id chantypes.ProtocolID) (*chantypes.ProtocolRecord,
		error)

	// GetTradeParams returns the trade parameters stored for the given
	// protocol id.
	GetTradeParams(id chantypes.ProtocolID) (*chantypes.TradeParams,
		error)

	// SetProtocolSuccess marks the execution finished, recording the
	// final contract id if the protocol produced one.
	SetProtocolSuccess(id chantypes.ProtocolID,
		contractID *chantypes.ContractID) error

	// SetProtocolFailed marks the execution permanently failed.
	SetProtocolFailed(id chantypes.ProtocolID) error
}

// PositionStore persists positions and trades.
type PositionStore interface {
	// InsertPosition records a new position and returns its id.
	InsertPosition(position *chantypes.Position) (int64, error)

	// OpenOrClosingPositions lists positions the closed-position sync
	// job must look at.
	OpenOrClosingPositions() ([]*chantypes.Position, error)

	// PositionByTrader returns the trader's position in one of the given
	// states, or ErrNotFound.
	PositionByTrader(trader *btcec.PublicKey,
		states []chantypes.PositionState) (*chantypes.Position, error)

	// UpdatePositionState moves the trader's position from one of the
	// given states to the new state and returns the updated record.
	UpdatePositionState(trader *btcec.PublicKey,
		from []chantypes.PositionState,
		to chantypes.PositionState) (*chantypes.Position, error)

	// SetPositionClosed finalizes a position with its realized PnL.
	// Already-closed positions are left untouched.
	SetPositionClosed(id int64, pnlSat int64, closingPrice float64) error

	// SetUnrealizedPnl updates the cached unrealized PnL of an open
	// position.
	SetUnrealizedPnl(id int64, pnlSat int64) error

	// InsertTrade appends an executed trade.
	InsertTrade(trade *chantypes.Trade) error
}

// FeeStore persists routing fee records.
type FeeStore interface {
	// InsertRoutingFee appends one routing fee record.
	InsertRoutingFee(fee *chantypes.RoutingFee) error

	// RoutingFees lists all recorded routing fees.
	RoutingFees() ([]*chantypes.RoutingFee, error)
}

// TransactionStore persists on-chain transactions tracked for fee
// bookkeeping.
type TransactionStore interface {
	// UpsertTransaction inserts or replaces a transaction record.
	UpsertTransaction(record *chantypes.TransactionRecord) error

	// TransactionsWithoutFees lists transactions whose fee is still
	// unknown.
	TransactionsWithoutFees() ([]*chantypes.TransactionRecord, error)
}

// Store is the full persistence collaborator the coordinator composes at
// startup.
type Store interface {
	ChannelStore
	PaymentStore
	MessageStore
	ProtocolStore
	PositionStore
	FeeStore
	TransactionStore
}
