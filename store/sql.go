package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/jmoiron/sqlx"

	// Register the postgres driver.
	_ "github.com/lib/pq"
)

// migrations are applied in order at open time. Statements must stay
// idempotent since every startup replays the full list.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		user_channel_id BYTEA PRIMARY KEY,
		channel_id BYTEA NOT NULL,
		counterparty BYTEA NOT NULL,
		funding_txid BYTEA,
		capacity_sat BIGINT NOT NULL,
		local_balance_sat BIGINT NOT NULL,
		remote_balance_sat BIGINT NOT NULL,
		fee_sat BIGINT NOT NULL,
		funding_payment_hash BYTEA,
		state SMALLINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS channels_funding_txid_idx
		ON channels (funding_txid)`,

	`CREATE TABLE IF NOT EXISTS payments (
		payment_hash BYTEA PRIMARY KEY,
		amount_msat BIGINT NOT NULL,
		kind SMALLINT NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dlc_messages (
		message_hash BYTEA PRIMARY KEY,
		peer BYTEA NOT NULL,
		kind SMALLINT NOT NULL,
		inbound BOOLEAN NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS last_outbound_messages (
		peer BYTEA PRIMARY KEY,
		message BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS protocols (
		protocol_id BYTEA PRIMARY KEY,
		previous_id BYTEA,
		channel_id BYTEA NOT NULL,
		contract_id BYTEA,
		trader BYTEA NOT NULL,
		protocol_type SMALLINT NOT NULL,
		state SMALLINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS trade_params (
		protocol_id BYTEA PRIMARY KEY
			REFERENCES protocols (protocol_id),
		trader BYTEA NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL,
		average_price DOUBLE PRECISION NOT NULL,
		long BOOLEAN NOT NULL,
		matching_fee_sat BIGINT NOT NULL,
		trader_pnl_sat BIGINT
	)`,

	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		trader BYTEA NOT NULL,
		contract_id BYTEA,
		state SMALLINT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		average_entry DOUBLE PRECISION NOT NULL,
		trader_margin_sat BIGINT NOT NULL,
		coord_margin_sat BIGINT NOT NULL,
		realized_pnl_sat BIGINT,
		unrealized_pnl_sat BIGINT,
		closing_price DOUBLE PRECISION,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		position_id BIGINT NOT NULL REFERENCES positions (id),
		trader BYTEA NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL,
		average_price DOUBLE PRECISION NOT NULL,
		matching_fee_sat BIGINT NOT NULL,
		realized_pnl_sat BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS routing_fees (
		id BIGSERIAL PRIMARY KEY,
		amount_msat BIGINT NOT NULL,
		prev_channel_id BYTEA NOT NULL,
		next_channel_id BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		txid BYTEA PRIMARY KEY,
		fee_sat BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// SQLStore is a Store backed by PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore connects to the database, applies migrations and returns a
// ready store.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w",
			err)
	}

	store := NewSQLStore(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewSQLStore wraps an existing database handle without running
// migrations.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Debugf("Applied %d schema migrations", len(migrations))

	return nil
}

func parsePubKey(raw []byte) (*btcec.PublicKey, error) {
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid stored public key: %w", err)
	}
	return key, nil
}

// dbChannel mirrors one row of the channels table.
type dbChannel struct {
	UserChannelID      []byte    `db:"user_channel_id"`
	ChannelID          []byte    `db:"channel_id"`
	Counterparty       []byte    `db:"counterparty"`
	FundingTxid        []byte    `db:"funding_txid"`
	CapacitySat        int64     `db:"capacity_sat"`
	LocalBalanceSat    int64     `db:"local_balance_sat"`
	RemoteBalanceSat   int64     `db:"remote_balance_sat"`
	FeeSat             int64     `db:"fee_sat"`
	FundingPaymentHash []byte    `db:"funding_payment_hash"`
	State              int16     `db:"state"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (c *dbChannel) decode() (*chantypes.Channel, error) {
	counterparty, err := parsePubKey(c.Counterparty)
	if err != nil {
		return nil, err
	}

	userChannelID, err := chantypes.ProtocolIDFromBytes(
		c.UserChannelID,
	)
	if err != nil {
		return nil, err
	}

	channel := &chantypes.Channel{
		UserChannelID: userChannelID,
		Counterparty:  counterparty,
		Capacity:      btcutil.Amount(c.CapacitySat),
		LocalBalance:  btcutil.Amount(c.LocalBalanceSat),
		RemoteBalance: btcutil.Amount(c.RemoteBalanceSat),
		FeeSats:       btcutil.Amount(c.FeeSat),
		State:         chantypes.ChannelState(c.State),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	copy(channel.ChannelID[:], c.ChannelID)

	if len(c.FundingTxid) != 0 {
		txid, err := chainhash.NewHash(c.FundingTxid)
		if err != nil {
			return nil, err
		}
		channel.FundingTxid = txid
	}
	if len(c.FundingPaymentHash) == 32 {
		var hash [32]byte
		copy(hash[:], c.FundingPaymentHash)
		channel.FundingPaymentHash = &hash
	}

	return channel, nil
}

// UpsertChannel inserts or replaces the shadow record.
func (s *SQLStore) UpsertChannel(channel *chantypes.Channel) error {
	var fundingTxid []byte
	if channel.FundingTxid != nil {
		fundingTxid = channel.FundingTxid[:]
	}
	var paymentHash []byte
	if channel.FundingPaymentHash != nil {
		paymentHash = channel.FundingPaymentHash[:]
	}

	_, err := s.db.Exec(`
		INSERT INTO channels (user_channel_id, channel_id,
			counterparty, funding_txid, capacity_sat,
			local_balance_sat, remote_balance_sat, fee_sat,
			funding_payment_hash, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_channel_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			funding_txid = EXCLUDED.funding_txid,
			capacity_sat = EXCLUDED.capacity_sat,
			local_balance_sat = EXCLUDED.local_balance_sat,
			remote_balance_sat = EXCLUDED.remote_balance_sat,
			fee_sat = EXCLUDED.fee_sat,
			funding_payment_hash = EXCLUDED.funding_payment_hash,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		channel.UserChannelID[:], channel.ChannelID[:],
		channel.Counterparty.SerializeCompressed(), fundingTxid,
		int64(channel.Capacity), int64(channel.LocalBalance),
		int64(channel.RemoteBalance), int64(channel.FeeSats),
		paymentHash, int16(channel.State), channel.CreatedAt,
		channel.UpdatedAt,
	)

	return err
}

// GetChannel returns the shadow record with the given user channel id.
func (s *SQLStore) GetChannel(id chantypes.ProtocolID) (
	*chantypes.Channel, error) {

	var row dbChannel
	err := s.db.Get(&row, `
		SELECT * FROM channels WHERE user_channel_id = $1`, id[:],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.decode()
}

// GetChannelByFundingTxid returns the shadow record whose funding
// transaction matches.
func (s *SQLStore) GetChannelByFundingTxid(txid chainhash.Hash) (
	*chantypes.Channel, error) {

	var row dbChannel
	err := s.db.Get(&row, `
		SELECT * FROM channels WHERE funding_txid = $1`, txid[:],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.decode()
}

// SetChannelPaymentHash stamps the channel located by funding txid with the
// opening fee payment hash.
func (s *SQLStore) SetChannelPaymentHash(txid chainhash.Hash,
	hash [32]byte) error {

	return s.setChannelPaymentHash(s.db, txid, hash)
}

func (s *SQLStore) setChannelPaymentHash(e sqlx.Execer,
	txid chainhash.Hash, hash [32]byte) error {

	res, err := e.Exec(`
		UPDATE channels
		SET funding_payment_hash = $2, updated_at = $3
		WHERE funding_txid = $1`,
		txid[:], hash[:], time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	return nil
}

// AllNonPendingChannels lists every channel past the Pending state.
func (s *SQLStore) AllNonPendingChannels() ([]*chantypes.Channel, error) {
	var rows []dbChannel
	err := s.db.Select(&rows, `
		SELECT * FROM channels WHERE state != $1
		ORDER BY created_at`,
		int16(chantypes.ChannelPending),
	)
	if err != nil {
		return nil, err
	}

	channels := make([]*chantypes.Channel, 0, len(rows))
	for _, row := range rows {
		channel, err := row.decode()
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	return channels, nil
}

// InsertPayment records a payment, rejecting duplicate hashes.
func (s *SQLStore) InsertPayment(payment *chantypes.Payment) error {
	return s.insertPayment(s.db, payment)
}

func (s *SQLStore) insertPayment(e sqlx.Execer,
	payment *chantypes.Payment) error {

	_, err := e.Exec(`
		INSERT INTO payments (payment_hash, amount_msat, kind,
			description, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		payment.Hash[:], int64(payment.AmountMsat),
		int16(payment.Kind), payment.Description,
		payment.CreatedAt,
	)

	return err
}

// GetPayment returns the payment with the given hash.
func (s *SQLStore) GetPayment(hash [32]byte) (*chantypes.Payment, error) {
	var row struct {
		Hash        []byte    `db:"payment_hash"`
		AmountMsat  int64     `db:"amount_msat"`
		Kind        int16     `db:"kind"`
		Description string    `db:"description"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := s.db.Get(&row, `
		SELECT * FROM payments WHERE payment_hash = $1`, hash[:],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	payment := &chantypes.Payment{
		AmountMsat:  uint64(row.AmountMsat),
		Kind:        chantypes.PaymentKind(row.Kind),
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
	}
	copy(payment.Hash[:], row.Hash)

	return payment, nil
}

// AssociateFundingPayment records the opening fee payment and stamps the
// matching channel in a single transaction.
func (s *SQLStore) AssociateFundingPayment(payment *chantypes.Payment,
	fundingTxid chainhash.Hash) error {

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.insertPayment(tx, payment); err != nil {
		return err
	}
	err = s.setChannelPaymentHash(tx, fundingTxid, payment.Hash)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// InsertDlcMessage appends a message to the log.
func (s *SQLStore) InsertDlcMessage(
	record *chantypes.DlcMessageRecord) error {

	_, err := s.db.Exec(`
		INSERT INTO dlc_messages (message_hash, peer, kind, inbound,
			received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_hash) DO NOTHING`,
		record.Hash[:], record.Peer.SerializeCompressed(),
		int16(record.Kind), record.Inbound, record.Timestamp,
	)

	return err
}

// HasDlcMessage reports whether the content hash is already logged.
func (s *SQLStore) HasDlcMessage(hash [32]byte) (bool, error) {
	var exists bool
	err := s.db.Get(&exists, `
		SELECT EXISTS (
			SELECT 1 FROM dlc_messages WHERE message_hash = $1
		)`, hash[:],
	)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// UpsertLastOutboundMessage replaces the peer's last outbound message.
func (s *SQLStore) UpsertLastOutboundMessage(peer *btcec.PublicKey,
	serialized []byte) error {

	_, err := s.db.Exec(`
		INSERT INTO last_outbound_messages (peer, message,
			updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (peer) DO UPDATE SET
			message = EXCLUDED.message,
			updated_at = EXCLUDED.updated_at`,
		peer.SerializeCompressed(), serialized, time.Now().UTC(),
	)

	return err
}

// GetLastOutboundMessage returns the peer's last outbound message, or nil.
func (s *SQLStore) GetLastOutboundMessage(peer *btcec.PublicKey) ([]byte,
	error) {

	var message []byte
	err := s.db.Get(&message, `
		SELECT message FROM last_outbound_messages
		WHERE peer = $1`,
		peer.SerializeCompressed(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return message, nil
}

// CreateProtocol records a new pending execution with its trade params in
// a single transaction.
func (s *SQLStore) CreateProtocol(record *chantypes.ProtocolRecord,
	params *chantypes.TradeParams) error {

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var previousID, contractID []byte
	if record.PreviousID != nil {
		previousID = record.PreviousID[:]
	}
	if record.ContractID != nil {
		contractID = record.ContractID[:]
	}

	_, err = tx.Exec(`
		INSERT INTO protocols (protocol_id, previous_id, channel_id,
			contract_id, trader, protocol_type, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID[:], previousID, record.ChannelID[:], contractID,
		record.Trader.SerializeCompressed(), int16(record.Type),
		int16(record.State), record.Timestamp,
	)
	if err != nil {
		return err
	}

	if params != nil {
		_, err = tx.Exec(`
			INSERT INTO trade_params (protocol_id, trader,
				quantity, leverage, average_price, long,
				matching_fee_sat, trader_pnl_sat)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			params.ProtocolID[:],
			params.Trader.SerializeCompressed(),
			params.Quantity, params.Leverage,
			params.AveragePrice, params.Long,
			int64(params.MatchingFee), params.TraderPnlSat,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetProtocol returns the execution record with the given id.
func (s *SQLStore) GetProtocol(id chantypes.ProtocolID) (
	*chantypes.ProtocolRecord, error) {

	var row struct {
		ProtocolID   []byte    `db:"protocol_id"`
		PreviousID   []byte    `db:"previous_id"`
		ChannelID    []byte    `db:"channel_id"`
		ContractID   []byte    `db:"contract_id"`
		Trader       []byte    `db:"trader"`
		ProtocolType int16     `db:"protocol_type"`
		State        int16     `db:"state"`
		CreatedAt    time.Time `db:"created_at"`
	}
	err := s.db.Get(&row, `
		SELECT * FROM protocols WHERE protocol_id = $1`, id[:],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	trader, err := parsePubKey(row.Trader)
	if err != nil {
		return nil, err
	}

	record := &chantypes.ProtocolRecord{
		Trader:    trader,
		Type:      chantypes.ProtocolType(row.ProtocolType),
		State:     chantypes.ProtocolState(row.State),
		Timestamp: row.CreatedAt,
	}
	copy(record.ID[:], row.ProtocolID)
	copy(record.ChannelID[:], row.ChannelID)

	if len(row.PreviousID) != 0 {
		previousID, err := chantypes.ProtocolIDFromBytes(
			row.PreviousID,
		)
		if err != nil {
			return nil, err
		}
		record.PreviousID = &previousID
	}
	if len(row.ContractID) != 0 {
		var contractID chantypes.ContractID
		copy(contractID[:], row.ContractID)
		record.ContractID = &contractID
	}

	return record, nil
}

// GetTradeParams returns the trade parameters for the protocol id.
func (s *SQLStore) GetTradeParams(id chantypes.ProtocolID) (
	*chantypes.TradeParams, error) {

	var row struct {
		ProtocolID     []byte  `db:"protocol_id"`
		Trader         []byte  `db:"trader"`
		Quantity       float64 `db:"quantity"`
		Leverage       float64 `db:"leverage"`
		AveragePrice   float64 `db:"average_price"`
		Long           bool    `db:"long"`
		MatchingFeeSat int64   `db:"matching_fee_sat"`
		TraderPnlSat   *int64  `db:"trader_pnl_sat"`
	}
	err := s.db.Get(&row, `
		SELECT * FROM trade_params WHERE protocol_id = $1`, id[:],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	trader, err := parsePubKey(row.Trader)
	if err != nil {
		return nil, err
	}

	params := &chantypes.TradeParams{
		Trader:       trader,
		Quantity:     row.Quantity,
		Leverage:     row.Leverage,
		AveragePrice: row.AveragePrice,
		Long:         row.Long,
		MatchingFee:  btcutil.Amount(row.MatchingFeeSat),
		TraderPnlSat: row.TraderPnlSat,
	}
	copy(params.ProtocolID[:], row.ProtocolID)

	return params, nil
}

// SetProtocolSuccess marks the execution finished.
func (s *SQLStore) SetProtocolSuccess(id chantypes.ProtocolID,
	contractID *chantypes.ContractID) error {

	var contract []byte
	if contractID != nil {
		contract = contractID[:]
	}

	res, err := s.db.Exec(`
		UPDATE protocols
		SET state = $2, contract_id = COALESCE($3, contract_id)
		WHERE protocol_id = $1`,
		id[:], int16(chantypes.ProtocolSuccess), contract,
	)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SetProtocolFailed marks the execution permanently failed.
func (s *SQLStore) SetProtocolFailed(id chantypes.ProtocolID) error {
	res, err := s.db.Exec(`
		UPDATE protocols SET state = $2 WHERE protocol_id = $1`,
		id[:], int16(chantypes.ProtocolFailed),
	)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	return nil
}

// dbPosition mirrors one row of the positions table.
type dbPosition struct {
	ID               int64     `db:"id"`
	Trader           []byte    `db:"trader"`
	ContractID       []byte    `db:"contract_id"`
	State            int16     `db:"state"`
	Quantity         float64   `db:"quantity"`
	AverageEntry     float64   `db:"average_entry"`
	TraderMarginSat  int64     `db:"trader_margin_sat"`
	CoordMarginSat   int64     `db:"coord_margin_sat"`
	RealizedPnlSat   *int64    `db:"realized_pnl_sat"`
	UnrealizedPnlSat *int64    `db:"unrealized_pnl_sat"`
	ClosingPrice     *float64  `db:"closing_price"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (p *dbPosition) decode() (*chantypes.Position, error) {
	trader, err := parsePubKey(p.Trader)
	if err != nil {
		return nil, err
	}

	position := &chantypes.Position{
		ID:               p.ID,
		Trader:           trader,
		State:            chantypes.PositionState(p.State),
		Quantity:         p.Quantity,
		AverageEntry:     p.AverageEntry,
		TraderMargin:     btcutil.Amount(p.TraderMarginSat),
		CoordMargin:      btcutil.Amount(p.CoordMarginSat),
		RealizedPnlSat:   p.RealizedPnlSat,
		UnrealizedPnlSat: p.UnrealizedPnlSat,
		ClosingPrice:     p.ClosingPrice,
		UpdatedAt:        p.UpdatedAt,
	}
	if len(p.ContractID) != 0 {
		var contractID chantypes.ContractID
		copy(contractID[:], p.ContractID)
		position.ContractID = &contractID
	}

	return position, nil
}

func statesToInt16(states []chantypes.PositionState) []int16 {
	out := make([]int16, len(states))
	for i, state := range states {
		out[i] = int16(state)
	}
	return out
}

// InsertPosition records a new position and returns its id.
func (s *SQLStore) InsertPosition(position *chantypes.Position) (int64,
	error) {

	var contractID []byte
	if position.ContractID != nil {
		contractID = position.ContractID[:]
	}

	var id int64
	err := s.db.Get(&id, `
		INSERT INTO positions (trader, contract_id, state, quantity,
			average_entry, trader_margin_sat, coord_margin_sat,
			realized_pnl_sat, unrealized_pnl_sat, closing_price,
			updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		position.Trader.SerializeCompressed(), contractID,
		int16(position.State), position.Quantity,
		position.AverageEntry, int64(position.TraderMargin),
		int64(position.CoordMargin), position.RealizedPnlSat,
		position.UnrealizedPnlSat, position.ClosingPrice,
		position.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}

	return id, nil
}

// OpenOrClosingPositions lists positions the sync jobs must look at.
func (s *SQLStore) OpenOrClosingPositions() ([]*chantypes.Position,
	error) {

	query, args, err := sqlx.In(`
		SELECT * FROM positions WHERE state IN (?) ORDER BY id`,
		statesToInt16([]chantypes.PositionState{
			chantypes.PositionOpen,
			chantypes.PositionClosing,
		}),
	)
	if err != nil {
		return nil, err
	}

	var rows []dbPosition
	err = s.db.Select(&rows, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}

	positions := make([]*chantypes.Position, 0, len(rows))
	for _, row := range rows {
		position, err := row.decode()
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}

	return positions, nil
}

// PositionByTrader returns the trader's position in one of the given
// states.
func (s *SQLStore) PositionByTrader(trader *btcec.PublicKey,
	states []chantypes.PositionState) (*chantypes.Position, error) {

	query, args, err := sqlx.In(`
		SELECT * FROM positions
		WHERE trader = ? AND state IN (?)
		ORDER BY id DESC LIMIT 1`,
		trader.SerializeCompressed(), statesToInt16(states),
	)
	if err != nil {
		return nil, err
	}

	var row dbPosition
	err = s.db.Get(&row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.decode()
}

// UpdatePositionState moves the trader's position to the new state.
func (s *SQLStore) UpdatePositionState(trader *btcec.PublicKey,
	from []chantypes.PositionState, to chantypes.PositionState) (
	*chantypes.Position, error) {

	query, args, err := sqlx.In(`
		UPDATE positions
		SET state = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM positions
			WHERE trader = ? AND state IN (?)
			ORDER BY id DESC LIMIT 1
		)
		RETURNING *`,
		int16(to), time.Now().UTC(),
		trader.SerializeCompressed(), statesToInt16(from),
	)
	if err != nil {
		return nil, err
	}

	var row dbPosition
	err = s.db.Get(&row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.decode()
}

// SetPositionClosed finalizes a position with its realized PnL. A position
// that is already closed is left untouched.
func (s *SQLStore) SetPositionClosed(id int64, pnlSat int64,
	closingPrice float64) error {

	_, err := s.db.Exec(`
		UPDATE positions
		SET state = $2, realized_pnl_sat = $3,
			unrealized_pnl_sat = NULL, closing_price = $4,
			updated_at = $5
		WHERE id = $1 AND state != $2`,
		id, int16(chantypes.PositionClosed), pnlSat, closingPrice,
		time.Now().UTC(),
	)

	return err
}

// SetUnrealizedPnl updates the cached unrealized PnL of a position.
func (s *SQLStore) SetUnrealizedPnl(id int64, pnlSat int64) error {
	res, err := s.db.Exec(`
		UPDATE positions
		SET unrealized_pnl_sat = $2, updated_at = $3
		WHERE id = $1`,
		id, pnlSat, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	return nil
}

// InsertTrade appends an executed trade.
func (s *SQLStore) InsertTrade(trade *chantypes.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (position_id, trader, quantity, leverage,
			average_price, matching_fee_sat, realized_pnl_sat,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		trade.PositionID, trade.Trader.SerializeCompressed(),
		trade.Quantity, trade.Leverage, trade.AveragePrice,
		int64(trade.MatchingFee), trade.RealizedPnlSat,
		trade.CreatedAt,
	)

	return err
}

// InsertRoutingFee appends one routing fee record.
func (s *SQLStore) InsertRoutingFee(fee *chantypes.RoutingFee) error {
	_, err := s.db.Exec(`
		INSERT INTO routing_fees (amount_msat, prev_channel_id,
			next_channel_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		int64(fee.AmountMsat), fee.PrevChannelID[:],
		fee.NextChannelID[:], fee.CreatedAt,
	)

	return err
}

// RoutingFees lists all recorded routing fees.
func (s *SQLStore) RoutingFees() ([]*chantypes.RoutingFee, error) {
	var rows []struct {
		ID            int64     `db:"id"`
		AmountMsat    int64     `db:"amount_msat"`
		PrevChannelID []byte    `db:"prev_channel_id"`
		NextChannelID []byte    `db:"next_channel_id"`
		CreatedAt     time.Time `db:"created_at"`
	}
	err := s.db.Select(&rows, `
		SELECT * FROM routing_fees ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}

	fees := make([]*chantypes.RoutingFee, 0, len(rows))
	for _, row := range rows {
		fee := &chantypes.RoutingFee{
			AmountMsat: uint64(row.AmountMsat),
			CreatedAt:  row.CreatedAt,
		}
		copy(fee.PrevChannelID[:], row.PrevChannelID)
		copy(fee.NextChannelID[:], row.NextChannelID)
		fees = append(fees, fee)
	}

	return fees, nil
}

// UpsertTransaction inserts or updates a transaction record. A tracking
// write without a fee never clears an already backfilled fee.
func (s *SQLStore) UpsertTransaction(
	record *chantypes.TransactionRecord) error {

	var fee *int64
	if record.HasFee {
		feeSat := int64(record.Fee)
		fee = &feeSat
	}

	_, err := s.db.Exec(`
		INSERT INTO transactions (txid, fee_sat, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (txid) DO UPDATE SET
			fee_sat = COALESCE(EXCLUDED.fee_sat,
				transactions.fee_sat)`,
		record.Txid[:], fee, record.CreatedAt,
	)

	return err
}

// TransactionsWithoutFees lists transactions whose fee is still unknown.
func (s *SQLStore) TransactionsWithoutFees() (
	[]*chantypes.TransactionRecord, error) {

	var rows []struct {
		Txid      []byte    `db:"txid"`
		FeeSat    *int64    `db:"fee_sat"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.Select(&rows, `
		SELECT * FROM transactions WHERE fee_sat IS NULL
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}

	records := make([]*chantypes.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		record := &chantypes.TransactionRecord{
			CreatedAt: row.CreatedAt,
		}
		copy(record.Txid[:], row.Txid)
		records = append(records, record)
	}

	return records, nil
}
