package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Mock is an in-memory Controller for tests.
type Mock struct {
	mtx sync.Mutex

	// Transactions is the set of known transactions keyed by txid.
	Transactions map[chainhash.Hash]*TransactionDetail

	// Utxos is returned verbatim from ListUnspent.
	Utxos []*Utxo

	// Published records every broadcast transaction in order.
	Published []*wire.MsgTx

	// SyncCount counts completed Sync calls.
	SyncCount int

	// SyncErr, if set, is returned from Sync.
	SyncErr error
}

var _ Controller = (*Mock)(nil)

// NewMock returns an empty mock wallet.
func NewMock() *Mock {
	return &Mock{
		Transactions: make(map[chainhash.Hash]*TransactionDetail),
	}
}

// NewAddress returns a fixed regtest address.
func (m *Mock) NewAddress() (btcutil.Address, error) {
	var hash [20]byte
	return btcutil.NewAddressWitnessPubKeyHash(
		hash[:], &chaincfg.RegressionNetParams,
	)
}

// PublishTransaction records the broadcast.
func (m *Mock) PublishTransaction(tx *wire.MsgTx, label string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.Published = append(m.Published, tx)

	return nil
}

// GetTransaction looks up a transaction by id.
func (m *Mock) GetTransaction(txid chainhash.Hash) (*TransactionDetail,
	error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	detail, ok := m.Transactions[txid]
	if !ok {
		return nil, ErrTxNotFound
	}

	return detail, nil
}

// ListUnspent filters the configured utxo set by confirmation depth.
func (m *Mock) ListUnspent(minConfs int32) ([]*Utxo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var utxos []*Utxo
	for _, utxo := range m.Utxos {
		if utxo.Confirmations >= int64(minConfs) {
			utxos = append(utxos, utxo)
		}
	}

	return utxos, nil
}

// Synced returns the number of completed Sync calls.
func (m *Mock) Synced() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.SyncCount
}

// Sync counts the call and returns the configured error.
func (m *Mock) Sync() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.SyncErr != nil {
		return m.SyncErr
	}
	m.SyncCount++

	return nil
}
