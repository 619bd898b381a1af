package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
)

// MemoryStore is a Store backed by in-process maps. It is used by unit
// tests and by the coordinator when no database DSN is configured.
type MemoryStore struct {
	mtx sync.RWMutex

	channels     map[chantypes.ProtocolID]*chantypes.Channel
	payments     map[[32]byte]*chantypes.Payment
	messages     map[[32]byte]*chantypes.DlcMessageRecord
	lastOutbound map[[33]byte][]byte
	protocols    map[chantypes.ProtocolID]*chantypes.ProtocolRecord
	tradeParams  map[chantypes.ProtocolID]*chantypes.TradeParams
	positions    map[int64]*chantypes.Position
	trades       []*chantypes.Trade
	routingFees  []*chantypes.RoutingFee
	transactions map[chainhash.Hash]*chantypes.TransactionRecord

	nextPositionID int64
}

// A compile time check to ensure MemoryStore implements the Store
// interface.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:     make(map[chantypes.ProtocolID]*chantypes.Channel),
		payments:     make(map[[32]byte]*chantypes.Payment),
		messages:     make(map[[32]byte]*chantypes.DlcMessageRecord),
		lastOutbound: make(map[[33]byte][]byte),
		protocols: make(
			map[chantypes.ProtocolID]*chantypes.ProtocolRecord,
		),
		tradeParams: make(
			map[chantypes.ProtocolID]*chantypes.TradeParams,
		),
		positions: make(map[int64]*chantypes.Position),
		transactions: make(
			map[chainhash.Hash]*chantypes.TransactionRecord,
		),
		nextPositionID: 1,
	}
}

func peerKey(peer *btcec.PublicKey) [33]byte {
	var key [33]byte
	copy(key[:], peer.SerializeCompressed())
	return key
}

func copyChannel(c *chantypes.Channel) *chantypes.Channel {
	cp := *c
	if c.FundingTxid != nil {
		txid := *c.FundingTxid
		cp.FundingTxid = &txid
	}
	if c.FundingPaymentHash != nil {
		hash := *c.FundingPaymentHash
		cp.FundingPaymentHash = &hash
	}
	return &cp
}

func copyPosition(p *chantypes.Position) *chantypes.Position {
	cp := *p
	if p.ContractID != nil {
		id := *p.ContractID
		cp.ContractID = &id
	}
	if p.RealizedPnlSat != nil {
		v := *p.RealizedPnlSat
		cp.RealizedPnlSat = &v
	}
	if p.UnrealizedPnlSat != nil {
		v := *p.UnrealizedPnlSat
		cp.UnrealizedPnlSat = &v
	}
	if p.ClosingPrice != nil {
		v := *p.ClosingPrice
		cp.ClosingPrice = &v
	}
	return &cp
}

// UpsertChannel inserts or replaces the shadow record.
func (m *MemoryStore) UpsertChannel(channel *chantypes.Channel) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.channels[channel.UserChannelID] = copyChannel(channel)

	return nil
}

// GetChannel returns the shadow record with the given user channel id.
func (m *MemoryStore) GetChannel(id chantypes.ProtocolID) (
	*chantypes.Channel, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	channel, ok := m.channels[id]
	if !ok {
		return nil, ErrNotFound
	}

	return copyChannel(channel), nil
}

// GetChannelByFundingTxid returns the shadow record whose funding
// transaction matches.
func (m *MemoryStore) GetChannelByFundingTxid(txid chainhash.Hash) (
	*chantypes.Channel, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	for _, channel := range m.channels {
		if channel.FundingTxid != nil &&
			*channel.FundingTxid == txid {

			return copyChannel(channel), nil
		}
	}

	return nil, ErrNotFound
}

// SetChannelPaymentHash stamps the channel located by funding txid with the
// opening fee payment hash.
func (m *MemoryStore) SetChannelPaymentHash(txid chainhash.Hash,
	hash [32]byte) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.setChannelPaymentHash(txid, hash)
}

func (m *MemoryStore) setChannelPaymentHash(txid chainhash.Hash,
	hash [32]byte) error {

	for _, channel := range m.channels {
		if channel.FundingTxid != nil &&
			*channel.FundingTxid == txid {

			paymentHash := hash
			channel.FundingPaymentHash = &paymentHash
			channel.UpdatedAt = time.Now()

			return nil
		}
	}

	return ErrNotFound
}

// AllNonPendingChannels lists every channel past the Pending state.
func (m *MemoryStore) AllNonPendingChannels() ([]*chantypes.Channel,
	error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var channels []*chantypes.Channel
	for _, channel := range m.channels {
		if channel.State == chantypes.ChannelPending {
			continue
		}
		channels = append(channels, copyChannel(channel))
	}

	return channels, nil
}

// InsertPayment records a payment, rejecting duplicate hashes.
func (m *MemoryStore) InsertPayment(payment *chantypes.Payment) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.insertPayment(payment)
}

func (m *MemoryStore) insertPayment(payment *chantypes.Payment) error {
	if _, ok := m.payments[payment.Hash]; ok {
		return fmt.Errorf("payment %x already recorded",
			payment.Hash)
	}

	cp := *payment
	m.payments[payment.Hash] = &cp

	return nil
}

// GetPayment returns the payment with the given hash.
func (m *MemoryStore) GetPayment(hash [32]byte) (*chantypes.Payment,
	error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	payment, ok := m.payments[hash]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *payment
	return &cp, nil
}

// AssociateFundingPayment records the opening fee payment and stamps the
// matching channel, atomically with respect to other store calls.
func (m *MemoryStore) AssociateFundingPayment(payment *chantypes.Payment,
	fundingTxid chainhash.Hash) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.insertPayment(payment); err != nil {
		return err
	}

	return m.setChannelPaymentHash(fundingTxid, payment.Hash)
}

// InsertDlcMessage appends a message to the log.
func (m *MemoryStore) InsertDlcMessage(
	record *chantypes.DlcMessageRecord) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *record
	m.messages[record.Hash] = &cp

	return nil
}

// HasDlcMessage reports whether the content hash is already logged.
func (m *MemoryStore) HasDlcMessage(hash [32]byte) (bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	_, ok := m.messages[hash]
	return ok, nil
}

// UpsertLastOutboundMessage replaces the peer's last outbound message.
func (m *MemoryStore) UpsertLastOutboundMessage(peer *btcec.PublicKey,
	serialized []byte) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := make([]byte, len(serialized))
	copy(cp, serialized)
	m.lastOutbound[peerKey(peer)] = cp

	return nil
}

// GetLastOutboundMessage returns the peer's last outbound message, or nil.
func (m *MemoryStore) GetLastOutboundMessage(peer *btcec.PublicKey) (
	[]byte, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	serialized, ok := m.lastOutbound[peerKey(peer)]
	if !ok {
		return nil, nil
	}

	cp := make([]byte, len(serialized))
	copy(cp, serialized)

	return cp, nil
}

// CreateProtocol records a new pending execution with its trade params.
func (m *MemoryStore) CreateProtocol(record *chantypes.ProtocolRecord,
	params *chantypes.TradeParams) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.protocols[record.ID]; ok {
		return fmt.Errorf("protocol %v already exists", record.ID)
	}

	cp := *record
	if record.PreviousID != nil {
		prev := *record.PreviousID
		cp.PreviousID = &prev
	}
	if record.ContractID != nil {
		contract := *record.ContractID
		cp.ContractID = &contract
	}
	m.protocols[record.ID] = &cp

	if params != nil {
		paramsCopy := *params
		if params.TraderPnlSat != nil {
			pnl := *params.TraderPnlSat
			paramsCopy.TraderPnlSat = &pnl
		}
		m.tradeParams[record.ID] = &paramsCopy
	}

	return nil
}

// GetProtocol returns the execution record with the given id.
func (m *MemoryStore) GetProtocol(id chantypes.ProtocolID) (
	*chantypes.ProtocolRecord, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	record, ok := m.protocols[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *record
	return &cp, nil
}

// GetTradeParams returns the trade parameters for the protocol id.
func (m *MemoryStore) GetTradeParams(id chantypes.ProtocolID) (
	*chantypes.TradeParams, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	params, ok := m.tradeParams[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *params
	return &cp, nil
}

// SetProtocolSuccess marks the execution finished.
func (m *MemoryStore) SetProtocolSuccess(id chantypes.ProtocolID,
	contractID *chantypes.ContractID) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	record, ok := m.protocols[id]
	if !ok {
		return ErrNotFound
	}

	record.State = chantypes.ProtocolSuccess
	if contractID != nil {
		contract := *contractID
		record.ContractID = &contract
	}

	return nil
}

// SetProtocolFailed marks the execution permanently failed.
func (m *MemoryStore) SetProtocolFailed(id chantypes.ProtocolID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	record, ok := m.protocols[id]
	if !ok {
		return ErrNotFound
	}

	record.State = chantypes.ProtocolFailed

	return nil
}

// InsertPosition records a new position and returns its id.
func (m *MemoryStore) InsertPosition(position *chantypes.Position) (int64,
	error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := copyPosition(position)
	cp.ID = m.nextPositionID
	m.nextPositionID++
	m.positions[cp.ID] = cp

	return cp.ID, nil
}

// OpenOrClosingPositions lists positions the sync jobs must look at.
func (m *MemoryStore) OpenOrClosingPositions() ([]*chantypes.Position,
	error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var positions []*chantypes.Position
	for _, position := range m.positions {
		switch position.State {
		case chantypes.PositionOpen, chantypes.PositionClosing:
			positions = append(positions, copyPosition(position))
		}
	}

	return positions, nil
}

// PositionByTrader returns the trader's position in one of the given
// states.
func (m *MemoryStore) PositionByTrader(trader *btcec.PublicKey,
	states []chantypes.PositionState) (*chantypes.Position, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	position := m.positionByTrader(trader, states)
	if position == nil {
		return nil, ErrNotFound
	}

	return copyPosition(position), nil
}

func (m *MemoryStore) positionByTrader(trader *btcec.PublicKey,
	states []chantypes.PositionState) *chantypes.Position {

	for _, position := range m.positions {
		if !position.Trader.IsEqual(trader) {
			continue
		}
		for _, state := range states {
			if position.State == state {
				return position
			}
		}
	}

	return nil
}

// UpdatePositionState moves the trader's position to the new state.
func (m *MemoryStore) UpdatePositionState(trader *btcec.PublicKey,
	from []chantypes.PositionState, to chantypes.PositionState) (
	*chantypes.Position, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	position := m.positionByTrader(trader, from)
	if position == nil {
		return nil, ErrNotFound
	}

	position.State = to
	position.UpdatedAt = time.Now()

	return copyPosition(position), nil
}

// SetPositionClosed finalizes a position with its realized PnL.
func (m *MemoryStore) SetPositionClosed(id int64, pnlSat int64,
	closingPrice float64) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	position, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	if position.State == chantypes.PositionClosed {
		return nil
	}

	position.State = chantypes.PositionClosed
	position.RealizedPnlSat = &pnlSat
	position.UnrealizedPnlSat = nil
	position.ClosingPrice = &closingPrice
	position.UpdatedAt = time.Now()

	return nil
}

// SetUnrealizedPnl updates the cached unrealized PnL of a position.
func (m *MemoryStore) SetUnrealizedPnl(id int64, pnlSat int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	position, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}

	position.UnrealizedPnlSat = &pnlSat
	position.UpdatedAt = time.Now()

	return nil
}

// InsertTrade appends an executed trade.
func (m *MemoryStore) InsertTrade(trade *chantypes.Trade) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *trade
	if trade.RealizedPnlSat != nil {
		pnl := *trade.RealizedPnlSat
		cp.RealizedPnlSat = &pnl
	}
	m.trades = append(m.trades, &cp)

	return nil
}

// InsertRoutingFee appends one routing fee record.
func (m *MemoryStore) InsertRoutingFee(fee *chantypes.RoutingFee) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *fee
	m.routingFees = append(m.routingFees, &cp)

	return nil
}

// RoutingFees lists all recorded routing fees.
func (m *MemoryStore) RoutingFees() ([]*chantypes.RoutingFee, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	fees := make([]*chantypes.RoutingFee, 0, len(m.routingFees))
	for _, fee := range m.routingFees {
		cp := *fee
		fees = append(fees, &cp)
	}

	return fees, nil
}

// UpsertTransaction inserts or updates a transaction record. A tracking
// write without a fee never clears an already backfilled fee.
func (m *MemoryStore) UpsertTransaction(
	record *chantypes.TransactionRecord) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *record
	existing, ok := m.transactions[record.Txid]
	if ok && existing.HasFee && !cp.HasFee {
		cp.Fee = existing.Fee
		cp.HasFee = true
	}
	m.transactions[record.Txid] = &cp

	return nil
}

// TransactionsWithoutFees lists transactions whose fee is still unknown.
func (m *MemoryStore) TransactionsWithoutFees() (
	[]*chantypes.TransactionRecord, error) {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var records []*chantypes.TransactionRecord
	for _, record := range m.transactions {
		if record.HasFee {
			continue
		}
		cp := *record
		records = append(records, &cp)
	}

	return records, nil
}
