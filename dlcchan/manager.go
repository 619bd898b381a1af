package dlcchan

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcstore"
	"github.com/dlcnode/coordinator/multimutex"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/lightningnetwork/lnd/clock"
)

// PeerRegistry reports peer connectivity.
type PeerRegistry interface {
	// IsConnected returns true if a transport to the peer is up.
	IsConnected(peer *btcec.PublicKey) bool
}

// Config assembles the dependencies of the Manager.
type Config struct {
	// Engine is the DLC crypto engine.
	Engine Engine

	// Channels is the prefix-framed channel store shared with the
	// engine.
	Channels *dlcstore.Store

	// DB is the coordinator persistence collaborator, used for protocol
	// records and transaction bookkeeping.
	DB store.Store

	// Notifier publishes outbound messages and channel events.
	Notifier *notifier.NodeNotifier

	// Peers reports connectivity.
	Peers PeerRegistry

	// Clock is the time source, mockable in tests.
	Clock clock.Clock
}

// Manager drives every bilateral contract channel through its lifecycle. It
// guarantees at most one in-flight transition per channel and strictly
// increasing update indexes; the heavy lifting of signatures and on-chain
// publication is delegated to the Engine.
type Manager struct {
	cfg Config

	// chanMtx serializes all work per channel id. No lock is held
	// across a network call; sending happens through the notifier after
	// state is persisted.
	chanMtx *multimutex.ChanMutex
}

// NewManager creates a Manager from the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		chanMtx: multimutex.NewChanMutex(),
	}
}

// GetChannel loads the sub-channel with the given id.
func (m *Manager) GetChannel(id chantypes.ChannelID) (*SubChannel, error) {
	m.chanMtx.Lock(id)
	defer m.chanMtx.Unlock(id)

	return m.getChannel(id)
}

func (m *Manager) getChannel(id chantypes.ChannelID) (*SubChannel, error) {
	rec, err := m.cfg.Channels.GetChannel(id)
	if err == dlcstore.ErrNotFound {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}

	channel, err := deserializeSubChannel(id, rec.Payload)
	if err != nil {
		return nil, err
	}
	channel.State = rec.Prefix
	channel.SignedState = rec.Signed

	return channel, nil
}

func (m *Manager) putChannel(c *SubChannel) error {
	return m.cfg.Channels.PutChannel(dlcstore.ChannelRecord{
		ID:      c.ID,
		Prefix:  c.State,
		Signed:  c.SignedState,
		Payload: c.serialize(),
	})
}

func validateTerms(terms *chantypes.ContractTerms, now time.Time) error {
	if terms.CollateralOffer <= 0 || terms.CollateralAccept <= 0 {
		return fmt.Errorf("%w: non-positive collateral",
			ErrInvalidTerms)
	}
	if !terms.Expiry.After(now) {
		return fmt.Errorf("%w: expiry %v in the past", ErrInvalidTerms,
			terms.Expiry)
	}

	return nil
}

// Propose offers a new contract channel to the counterparty. On success the
// offer message is published for delivery and the minted protocol id is
// returned.
func (m *Manager) Propose(counterparty *btcec.PublicKey,
	terms *chantypes.ContractTerms, params *chantypes.TradeParams) (
	chantypes.ProtocolID, chantypes.ChannelID, error) {

	var zeroID chantypes.ProtocolID

	if err := validateTerms(terms, m.cfg.Clock.Now()); err != nil {
		return zeroID, chantypes.ChannelID{}, err
	}
	if !m.cfg.Peers.IsConnected(counterparty) {
		return zeroID, chantypes.ChannelID{}, ErrPeerUnreachable
	}

	channelID, payload, err := m.cfg.Engine.NewChannelOffer(
		counterparty.SerializeCompressed(), terms,
	)
	if err != nil {
		return zeroID, chantypes.ChannelID{}, fmt.Errorf("unable to "+
			"build offer: %w", err)
	}

	m.chanMtx.Lock(channelID)
	defer m.chanMtx.Unlock(channelID)

	protocolID := chantypes.NewProtocolID()
	if params != nil {
		params.ProtocolID = protocolID
	}

	channel := &SubChannel{
		ID:                channelID,
		Counterparty:      counterparty,
		State:             dlcstore.ChannelOffered,
		PendingProtocolID: protocolID,
		IsOfferer:         true,
		Payload:           payload,
	}
	if err := m.putChannel(channel); err != nil {
		return zeroID, chantypes.ChannelID{}, err
	}

	err = m.cfg.DB.CreateProtocol(&chantypes.ProtocolRecord{
		ID:        protocolID,
		ChannelID: channelID,
		Trader:    counterparty,
		Type:      chantypes.ProtocolOpenChannel,
		State:     chantypes.ProtocolPending,
		Timestamp: m.cfg.Clock.Now(),
	}, params)
	if err != nil {
		return zeroID, chantypes.ChannelID{}, err
	}

	msg := &chantypes.DlcMessage{
		Kind:       chantypes.MsgOffer,
		ChannelID:  channelID,
		ProtocolID: protocolID,
		UpdateIdx:  1,
		Body:       payload,
	}
	m.cfg.Notifier.NotifySendDlcMessage(counterparty, msg)
	m.cfg.Notifier.NotifyDlcChannelEvent(
		channelID, protocolID, chantypes.MsgOffer,
	)

	log.Infof("Proposed channel %v to peer %x (protocol %v)", channelID,
		counterparty.SerializeCompressed(), protocolID)

	return protocolID, channelID, nil
}

// Accept accepts a received channel offer.
func (m *Manager) Accept(channelID chantypes.ChannelID) error {
	m.chanMtx.Lock(channelID)
	defer m.chanMtx.Unlock(channelID)

	channel, err := m.getChannel(channelID)
	if err != nil {
		return err
	}
	if channel.State != dlcstore.ChannelOffered || channel.IsOfferer {
		return ErrUnexpectedMessage
	}

	body, err := m.cfg.Engine.BuildMessage(
		channel.Payload, chantypes.MsgAccept, 1,
	)
	if err != nil {
		return fmt.Errorf("unable to build accept: %w", err)
	}

	channel.State = dlcstore.ChannelAccepted
	if err := m.putChannel(channel); err != nil {
		return err
	}

	m.sendMessage(channel, chantypes.MsgAccept, 1, body)

	return nil
}

// Reject rejects a received channel offer and marks the protocol failed.
func (m *Manager) Reject(channelID chantypes.ChannelID) error {
	m.chanMtx.Lock(channelID)
	defer m.chanMtx.Unlock(channelID)

	channel, err := m.getChannel(channelID)
	if err != nil {
		return err
	}
	if channel.State != dlcstore.ChannelOffered || channel.IsOfferer {
		return ErrUnexpectedMessage
	}

	channel.State = dlcstore.ChannelFailedAccept
	if err := m.putChannel(channel); err != nil {
		return err
	}

	if err := m.failProtocol(channel); err != nil {
		return err
	}

	m.sendMessage(channel, chantypes.MsgReject, 1, nil)

	return nil
}

// Settle starts closing the current contract without closing the channel.
// Only valid while the channel is at rest.
func (m *Manager) Settle(channelID chantypes.ChannelID,
	params *chantypes.TradeParams) (chantypes.ProtocolID, error) {

	return m.startTransition(
		channelID, chantypes.MsgSettleOffer,
		dlcstore.SignedSettledOffered, chantypes.ProtocolSettle,
		params,
	)
}

// Renew starts rolling the channel's position to a new contract. Only valid
// while the channel is at rest.
func (m *Manager) Renew(channelID chantypes.ChannelID,
	protocolType chantypes.ProtocolType,
	params *chantypes.TradeParams) (chantypes.ProtocolID, error) {

	return m.startTransition(
		channelID, chantypes.MsgRenewOffer,
		dlcstore.SignedRenewOffered, protocolType, params,
	)
}

// ProposeCollaborativeClose offers to close the channel cooperatively.
func (m *Manager) ProposeCollaborativeClose(
	channelID chantypes.ChannelID) (chantypes.ProtocolID, error) {

	return m.startTransition(
		channelID, chantypes.MsgCollaborativeCloseOffer,
		dlcstore.SignedCollaborativeCloseOffered,
		chantypes.ProtocolClose, nil,
	)
}

// startTransition begins a new offerer-side protocol round from a channel
// at rest.
func (m *Manager) startTransition(channelID chantypes.ChannelID,
	kind chantypes.DlcMessageKind, next dlcstore.SignedPrefix,
	protocolType chantypes.ProtocolType,
	params *chantypes.TradeParams) (chantypes.ProtocolID, error) {

	var zeroID chantypes.ProtocolID

	m.chanMtx.Lock(channelID)
	defer m.chanMtx.Unlock(channelID)

	channel, err := m.getChannel(channelID)
	if err != nil {
		return zeroID, err
	}
	if !channel.Signed() {
		return zeroID, ErrChannelNotReady
	}
	if !channel.AtRest() {
		return zeroID, ErrPendingOperation
	}
	if !m.cfg.Peers.IsConnected(channel.Counterparty) {
		return zeroID, ErrPeerUnreachable
	}

	nextIdx := channel.UpdateIdx + 1
	body, err := m.cfg.Engine.BuildMessage(channel.Payload, kind, nextIdx)
	if err != nil {
		return zeroID, fmt.Errorf("unable to build %v: %w", kind, err)
	}

	protocolID := chantypes.NewProtocolID()
	if params != nil {
		params.ProtocolID = protocolID
	}

	channel.SignedState = next
	channel.PendingProtocolID = protocolID
	channel.IsOfferer = true
	if err := m.putChannel(channel); err != nil {
		return zeroID, err
	}

	err = m.cfg.DB.CreateProtocol(&chantypes.ProtocolRecord{
		ID:         protocolID,
		ChannelID:  channelID,
		ContractID: channel.ContractID,
		Trader:     channel.Counterparty,
		Type:       protocolType,
		State:      chantypes.ProtocolPending,
		Timestamp:  m.cfg.Clock.Now(),
	}, params)
	if err != nil {
		return zeroID, err
	}

	m.sendMessage(channel, kind, nextIdx, body)

	return protocolID, nil
}

// ForceClose unilaterally closes the channel by broadcasting the latest
// commitment. Valid from any signed state. No further off-chain messages
// are scheduled for the channel afterwards.
func (m *Manager) ForceClose(channelID chantypes.ChannelID) error {
	m.chanMtx.Lock(channelID)
	defer m.chanMtx.Unlock(channelID)

	channel, err := m.getChannel(channelID)
	if err != nil {
		return err
	}
	if !channel.Signed() {
		return ErrChannelNotReady
	}

	txid, err := m.cfg.Engine.BroadcastLatestCommitment(channel.Payload)
	if err != nil {
		return fmt.Errorf("unable to broadcast commitment: %w", err)
	}

	channel.SignedState = dlcstore.SignedClosing
	channel.PendingProtocolID = chantypes.NewProtocolID()
	if err := m.putChannel(channel); err != nil {
		return err
	}

	err = m.cfg.DB.CreateProtocol(&chantypes.ProtocolRecord{
		ID:         channel.PendingProtocolID,
		ChannelID:  channelID,
		ContractID: channel.ContractID,
		Trader:     channel.Counterparty,
		Type:       chantypes.ProtocolForceClose,
		State:      chantypes.ProtocolPending,
		Timestamp:  m.cfg.Clock.Now(),
	}, nil)
	if err != nil {
		return err
	}

	// Track the commitment tx so the fee backfill job can pick its fee
	// up once the wallet sees it.
	err = m.cfg.DB.UpsertTransaction(&chantypes.TransactionRecord{
		Txid:      *txid,
		CreatedAt: m.cfg.Clock.Now(),
	})
	if err != nil {
		log.Warnf("Unable to track force close tx %v: %v", txid, err)
	}

	m.cfg.Notifier.NotifyDlcChannelEvent(
		channelID, channel.PendingProtocolID, chantypes.MsgForceClose,
	)

	log.Infof("Force closed channel %v with commitment tx %v", channelID,
		txid)

	return nil
}

// AcceptCollaborativeClose finalizes a pending collaborative close offer
// received from the peer.
func (m *Manager) AcceptCollaborativeClose(
	channelID chantypes.ChannelID) error {

	m.chanMtx.Lock(channelID)
	defer m.chanMtx.Unlock(channelID)

	channel, err := m.getChannel(channelID)
	if err != nil {
		return err
	}
	isPendingClose := channel.Signed() &&
		channel.SignedState == dlcstore.SignedCollaborativeCloseOffered
	if !isPendingClose || channel.IsOfferer {
		return ErrUnexpectedMessage
	}

	txid, err := m.cfg.Engine.FinalizeCollaborativeClose(channel.Payload)
	if err != nil {
		return fmt.Errorf("unable to finalize close: %w", err)
	}

	channel.State = dlcstore.ChannelCollaborativelyClosed
	if err := m.putChannel(channel); err != nil {
		return err
	}

	if err := m.succeedProtocol(channel, nil); err != nil {
		return err
	}

	err = m.cfg.DB.UpsertTransaction(&chantypes.TransactionRecord{
		Txid:      *txid,
		CreatedAt: m.cfg.Clock.Now(),
	})
	if err != nil {
		log.Warnf("Unable to track close tx %v: %v", txid, err)
	}

	log.Infof("Collaboratively closed channel %v with tx %v", channelID,
		txid)

	return nil
}

// OnPeerConnected runs the reconnect duties for a peer: any collaborative
// close offer the peer made that is still pending is accepted before the
// message handler resends the last outbound message.
func (m *Manager) OnPeerConnected(peer *btcec.PublicKey) {
	filter := dlcstore.SignedCollaborativeCloseOffered
	recs, err := m.cfg.Channels.SignedChannels(&filter)
	if err != nil {
		log.Errorf("Unable to list pending close offers: %v", err)
		return
	}

	for _, rec := range recs {
		channel, err := deserializeSubChannel(rec.ID, rec.Payload)
		if err != nil {
			log.Errorf("Skipping undecodable channel %v: %v",
				rec.ID, err)
			continue
		}
		if !channel.Counterparty.IsEqual(peer) || channel.IsOfferer {
			continue
		}

		if err := m.AcceptCollaborativeClose(rec.ID); err != nil {
			log.Errorf("Unable to accept pending close on "+
				"channel %v: %v", rec.ID, err)
		}
	}
}

// sendMessage publishes an outbound peer-directed message. The message
// handler persists it and records it as the peer's last outbound message
// before putting it on the wire.
func (m *Manager) sendMessage(c *SubChannel, kind chantypes.DlcMessageKind,
	updateIdx uint64, body []byte) {

	msg := &chantypes.DlcMessage{
		Kind:       kind,
		ChannelID:  c.ID,
		ProtocolID: c.PendingProtocolID,
		UpdateIdx:  updateIdx,
		Body:       body,
	}

	m.cfg.Notifier.NotifySendDlcMessage(c.Counterparty, msg)
	m.cfg.Notifier.NotifyDlcChannelEvent(c.ID, c.PendingProtocolID, kind)
}

func (m *Manager) succeedProtocol(c *SubChannel,
	contractID *chantypes.ContractID) error {

	if c.PendingProtocolID.IsZero() {
		return nil
	}

	err := m.cfg.DB.SetProtocolSuccess(c.PendingProtocolID, contractID)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	return nil
}

func (m *Manager) failProtocol(c *SubChannel) error {
	if c.PendingProtocolID.IsZero() {
		return nil
	}

	err := m.cfg.DB.SetProtocolFailed(c.PendingProtocolID)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	return nil
}
