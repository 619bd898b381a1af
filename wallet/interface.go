package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrTxNotFound is returned when the wallet does not know the requested
// transaction.
var ErrTxNotFound = errors.New("wallet: transaction not found")

// Utxo is a spendable output under wallet control.
type Utxo struct {
	// OutPoint identifies the output on chain.
	OutPoint wire.OutPoint

	// Value is the output value.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Confirmations is the current confirmation depth, zero for
	// unconfirmed outputs.
	Confirmations int64
}

// TransactionDetail describes a wallet-relevant transaction.
type TransactionDetail struct {
	// Txid is the transaction id.
	Txid chainhash.Hash

	// Fee is the total fee paid, zero when the wallet cannot compute it
	// because it does not own all inputs.
	Fee btcutil.Amount

	// HasFee reports whether Fee is meaningful.
	HasFee bool

	// NumConfirmations is the confirmation depth.
	NumConfirmations int32

	// RawTx is the serialized transaction.
	RawTx []byte
}

// Controller is the on-chain wallet surface the coordinator depends on. The
// funding tracker and the reconciliation jobs consume it; a production
// deployment backs it with the node's wallet RPC.
type Controller interface {
	// NewAddress returns a fresh receive address.
	NewAddress() (btcutil.Address, error)

	// PublishTransaction broadcasts a signed transaction to the
	// network. Rebroadcasting an already confirmed transaction is not
	// an error.
	PublishTransaction(tx *wire.MsgTx, label string) error

	// GetTransaction looks up a wallet transaction by id.
	GetTransaction(txid chainhash.Hash) (*TransactionDetail, error)

	// ListUnspent returns spendable outputs with at least minConfs
	// confirmations.
	ListUnspent(minConfs int32) ([]*Utxo, error)

	// Sync triggers a rescan of the wallet against the current chain
	// tip and blocks until it completes.
	Sync() error
}
