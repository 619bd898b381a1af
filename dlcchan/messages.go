package dlcchan

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcstore"
)

// HandleMessage applies a single inbound protocol message from a peer.
// Messages already present in the message log are acknowledged without
// being re-applied. Verification failures and out-of-order indexes are
// permanent protocol errors; the message is never retried.
func (m *Manager) HandleMessage(peer *btcec.PublicKey,
	msg *chantypes.DlcMessage) error {

	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: kind %d", ErrUnexpectedMessage,
			byte(msg.Kind))
	}

	// Dedup on content hash: a peer resending its last message after a
	// reconnect must be a no-op on our side.
	seen, err := m.cfg.DB.HasDlcMessage(msg.Hash())
	if err != nil {
		return err
	}
	if seen {
		log.Debugf("Ignoring duplicate %v message on channel %v",
			msg.Kind, msg.ChannelID)
		return nil
	}

	m.chanMtx.Lock(msg.ChannelID)
	defer m.chanMtx.Unlock(msg.ChannelID)

	if msg.Kind == chantypes.MsgOffer {
		return m.handleOffer(peer, msg)
	}

	channel, err := m.getChannel(msg.ChannelID)
	if err != nil {
		return err
	}
	if channel.Terminal() {
		return fmt.Errorf("%w: channel %v is terminal",
			ErrUnexpectedMessage, msg.ChannelID)
	}
	if !channel.Counterparty.IsEqual(peer) {
		return fmt.Errorf("%w: message from wrong peer",
			ErrUnexpectedMessage)
	}

	err = m.cfg.Engine.VerifyMessage(channel.Payload, msg)
	if err != nil {
		return fmt.Errorf("invalid %v message on channel %v: %w",
			msg.Kind, msg.ChannelID, err)
	}

	// Every state-advancing message must target the next update index.
	// A stale index is rejected without touching state so an old
	// revocation secret can never roll the channel back.
	if msg.Kind != chantypes.MsgReject {
		switch {
		case msg.UpdateIdx <= channel.UpdateIdx:
			return fmt.Errorf("%w: got %d, have %d",
				ErrStaleUpdate, msg.UpdateIdx,
				channel.UpdateIdx)

		case msg.UpdateIdx != channel.UpdateIdx+1:
			return fmt.Errorf("%w: index %d skips ahead of %d",
				ErrUnexpectedMessage, msg.UpdateIdx,
				channel.UpdateIdx)
		}
	}

	payload, err := m.cfg.Engine.ApplyMessage(channel.Payload, msg)
	if err != nil {
		return fmt.Errorf("unable to apply %v message: %w", msg.Kind,
			err)
	}
	channel.Payload = payload

	if err := m.transition(channel, msg); err != nil {
		return err
	}

	if err := m.putChannel(channel); err != nil {
		return err
	}

	err = m.cfg.DB.InsertDlcMessage(&chantypes.DlcMessageRecord{
		Hash:      msg.Hash(),
		Peer:      peer,
		Kind:      msg.Kind,
		Inbound:   true,
		Timestamp: m.cfg.Clock.Now(),
	})
	if err != nil {
		log.Warnf("Unable to log inbound %v message: %v", msg.Kind,
			err)
	}

	m.cfg.Notifier.NotifyDlcChannelEvent(
		channel.ID, msg.ProtocolID, msg.Kind,
	)

	return nil
}

// handleOffer registers a freshly received channel offer. Accepting or
// rejecting it is a separate caller decision.
func (m *Manager) handleOffer(peer *btcec.PublicKey,
	msg *chantypes.DlcMessage) error {

	if _, err := m.getChannel(msg.ChannelID); err == nil {
		return fmt.Errorf("%w: offer for existing channel %v",
			ErrUnexpectedMessage, msg.ChannelID)
	}

	payload, err := m.cfg.Engine.ApplyMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("unable to apply offer: %w", err)
	}

	channel := &SubChannel{
		ID:                msg.ChannelID,
		Counterparty:      peer,
		State:             dlcstore.ChannelOffered,
		PendingProtocolID: msg.ProtocolID,
		Payload:           payload,
	}
	if err := m.putChannel(channel); err != nil {
		return err
	}

	err = m.cfg.DB.CreateProtocol(&chantypes.ProtocolRecord{
		ID:        msg.ProtocolID,
		ChannelID: msg.ChannelID,
		Trader:    peer,
		Type:      chantypes.ProtocolOpenChannel,
		State:     chantypes.ProtocolPending,
		Timestamp: m.cfg.Clock.Now(),
	}, nil)
	if err != nil {
		log.Warnf("Unable to record protocol for offer %v: %v",
			msg.ProtocolID, err)
	}

	err = m.cfg.DB.InsertDlcMessage(&chantypes.DlcMessageRecord{
		Hash:      msg.Hash(),
		Peer:      peer,
		Kind:      msg.Kind,
		Inbound:   true,
		Timestamp: m.cfg.Clock.Now(),
	})
	if err != nil {
		log.Warnf("Unable to log inbound offer: %v", err)
	}

	m.cfg.Notifier.NotifyDlcChannelEvent(
		msg.ChannelID, msg.ProtocolID, msg.Kind,
	)

	log.Infof("Received channel offer %v from peer %x", msg.ChannelID,
		peer.SerializeCompressed())

	return nil
}

// transition applies one valid, verified message to the state machine and
// queues any response. The revoke step that completes a settle or renew
// round is the one step that must never be skipped or reordered: it
// discloses the previous per-update secret, making the prior contract
// state unpublishable.
func (m *Manager) transition(c *SubChannel,
	msg *chantypes.DlcMessage) error {

	switch {
	// Offerer side: our channel offer was accepted. Sign and consider
	// the channel established.
	case c.State == dlcstore.ChannelOffered && c.IsOfferer &&
		msg.Kind == chantypes.MsgAccept:

		body, err := m.buildResponse(c, chantypes.MsgSign,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		m.sendMessage(c, chantypes.MsgSign, msg.UpdateIdx, body)

		return m.establish(c, msg)

	// Acceptor side: the offerer signed. The channel is established.
	case c.State == dlcstore.ChannelAccepted && !c.IsOfferer &&
		msg.Kind == chantypes.MsgSign:

		return m.establish(c, msg)

	// Our offer was rejected.
	case c.State == dlcstore.ChannelOffered && c.IsOfferer &&
		msg.Kind == chantypes.MsgReject:

		c.State = dlcstore.ChannelFailedAccept
		return m.failProtocol(c)

	// The peer wants to settle the current contract. Coordinator policy
	// is to accept settlements driven by the trader's position close.
	case c.AtRest() && msg.Kind == chantypes.MsgSettleOffer:
		c.SignedState = dlcstore.SignedSettledAccepted
		c.PendingProtocolID = msg.ProtocolID
		c.IsOfferer = false

		err := m.recordInboundProtocol(
			c, msg, chantypes.ProtocolSettle,
		)
		if err != nil {
			return err
		}

		body, err := m.buildResponse(c, chantypes.MsgSettleAccept,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		m.sendMessage(c, chantypes.MsgSettleAccept, msg.UpdateIdx,
			body)

		return nil

	// Offerer side settle: the peer accepted, confirm.
	case c.inFlight(dlcstore.SignedSettledOffered, true) &&
		msg.Kind == chantypes.MsgSettleAccept:

		body, err := m.buildResponse(c, chantypes.MsgSettleConfirm,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedSettledConfirmed
		m.sendMessage(c, chantypes.MsgSettleConfirm, msg.UpdateIdx,
			body)

		return nil

	// Acceptor side settle: the offerer confirmed. Finalize, revoking
	// the previous state.
	case c.inFlight(dlcstore.SignedSettledAccepted, false) &&
		msg.Kind == chantypes.MsgSettleConfirm:

		body, err := m.buildResponse(c, chantypes.MsgSettleFinalize,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		if err := m.completeRound(c, msg); err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedSettled
		m.sendMessage(c, chantypes.MsgSettleFinalize, msg.UpdateIdx,
			body)

		return m.succeedAndClear(c, nil)

	// Offerer side settle: the acceptor finalized. Revoke and rest.
	case c.inFlight(dlcstore.SignedSettledConfirmed, true) &&
		msg.Kind == chantypes.MsgSettleFinalize:

		if err := m.completeRound(c, msg); err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedSettled

		return m.succeedAndClear(c, nil)

	// The peer offered a renewal: opening a position on a settled
	// channel or rolling an established one.
	case c.AtRest() && msg.Kind == chantypes.MsgRenewOffer:
		protocolType := chantypes.ProtocolRollover
		if c.SignedState == dlcstore.SignedSettled {
			protocolType = chantypes.ProtocolOpenPosition
		}

		c.SignedState = dlcstore.SignedRenewAccepted
		c.PendingProtocolID = msg.ProtocolID
		c.IsOfferer = false

		if err := m.recordInboundProtocol(c, msg, protocolType); err != nil {
			return err
		}

		body, err := m.buildResponse(c, chantypes.MsgRenewAccept,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		m.sendMessage(c, chantypes.MsgRenewAccept, msg.UpdateIdx,
			body)

		return nil

	// Offerer side renew: the peer accepted, confirm.
	case c.inFlight(dlcstore.SignedRenewOffered, true) &&
		msg.Kind == chantypes.MsgRenewAccept:

		body, err := m.buildResponse(c, chantypes.MsgRenewConfirm,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedRenewConfirmed
		m.sendMessage(c, chantypes.MsgRenewConfirm, msg.UpdateIdx,
			body)

		return nil

	// Acceptor side renew: the offerer confirmed. Finalize and wait for
	// the offerer's revoke.
	case c.inFlight(dlcstore.SignedRenewAccepted, false) &&
		msg.Kind == chantypes.MsgRenewConfirm:

		body, err := m.buildResponse(c, chantypes.MsgRenewFinalize,
			msg.UpdateIdx)
		if err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedRenewFinalized
		m.sendMessage(c, chantypes.MsgRenewFinalize, msg.UpdateIdx,
			body)

		return nil

	// Offerer side renew: the acceptor finalized. Send our revoke,
	// complete the round and establish the new contract.
	case c.inFlight(dlcstore.SignedRenewConfirmed, true) &&
		msg.Kind == chantypes.MsgRenewFinalize:

		body, err := m.buildResponse(c, chantypes.MsgRenewRevoke,
			msg.UpdateIdx)
		if err != nil {
			return err
		}

		contractID, err := m.renewContract(c, msg)
		if err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedEstablished
		m.sendMessage(c, chantypes.MsgRenewRevoke, msg.UpdateIdx,
			body)

		return m.succeedAndClear(c, contractID)

	// Acceptor side renew: the offerer revoked. Complete the round and
	// establish the new contract.
	case c.inFlight(dlcstore.SignedRenewFinalized, false) &&
		msg.Kind == chantypes.MsgRenewRevoke:

		contractID, err := m.renewContract(c, msg)
		if err != nil {
			return err
		}
		c.SignedState = dlcstore.SignedEstablished

		return m.succeedAndClear(c, contractID)

	// The peer offered to close the channel cooperatively. The offer is
	// accepted explicitly, or automatically on the peer's next
	// reconnect.
	case c.AtRest() && msg.Kind == chantypes.MsgCollaborativeCloseOffer:
		c.SignedState = dlcstore.SignedCollaborativeCloseOffered
		c.PendingProtocolID = msg.ProtocolID
		c.IsOfferer = false

		return m.recordInboundProtocol(c, msg, chantypes.ProtocolClose)
	}

	return fmt.Errorf("%w: %v in state %v/%v", ErrUnexpectedMessage,
		msg.Kind, c.State, c.SignedState)
}

// inFlight reports whether the channel is mid-transition in the given
// signed sub-state with the given role.
func (c *SubChannel) inFlight(state dlcstore.SignedPrefix,
	offerer bool) bool {

	return c.State == dlcstore.ChannelSigned && c.SignedState == state &&
		c.IsOfferer == offerer
}

func (m *Manager) buildResponse(c *SubChannel, kind chantypes.DlcMessageKind,
	updateIdx uint64) ([]byte, error) {

	body, err := m.cfg.Engine.BuildMessage(c.Payload, kind, updateIdx)
	if err != nil {
		return nil, fmt.Errorf("unable to build %v: %w", kind, err)
	}

	return body, nil
}

// establish moves a channel out of the offer dance into its first signed
// state.
func (m *Manager) establish(c *SubChannel,
	msg *chantypes.DlcMessage) error {

	contractID, err := m.cfg.Engine.ContractID(
		c.Payload, c.PendingProtocolID,
	)
	if err != nil {
		return fmt.Errorf("unable to derive contract id: %w", err)
	}

	c.State = dlcstore.ChannelSigned
	c.SignedState = dlcstore.SignedEstablished
	c.UpdateIdx = msg.UpdateIdx
	c.ContractID = &contractID

	log.Infof("Channel %v established with contract %v", c.ID,
		contractID)

	return m.succeedAndClear(c, &contractID)
}

// completeRound performs the revoke step that finishes a settle or renew
// round: the secret for the previous update index is disclosed and the
// index advances.
func (m *Manager) completeRound(c *SubChannel,
	msg *chantypes.DlcMessage) error {

	_, err := m.cfg.Engine.RevocationSecret(c.Payload, c.UpdateIdx)
	if err != nil {
		return fmt.Errorf("unable to revoke update %d: %w",
			c.UpdateIdx, err)
	}

	c.RevokedIdx = c.UpdateIdx
	c.UpdateIdx = msg.UpdateIdx

	log.Debugf("Channel %v advanced to update index %d (revoked %d)",
		c.ID, c.UpdateIdx, c.RevokedIdx)

	return nil
}

// renewContract completes a renew round and derives the new contract id.
func (m *Manager) renewContract(c *SubChannel, msg *chantypes.DlcMessage) (
	*chantypes.ContractID, error) {

	if err := m.completeRound(c, msg); err != nil {
		return nil, err
	}

	contractID, err := m.cfg.Engine.ContractID(
		c.Payload, c.PendingProtocolID,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to derive contract id: %w",
			err)
	}
	c.ContractID = &contractID

	return &contractID, nil
}

// succeedAndClear marks the pending protocol finished and returns the
// channel to rest.
func (m *Manager) succeedAndClear(c *SubChannel,
	contractID *chantypes.ContractID) error {

	if err := m.succeedProtocol(c, contractID); err != nil {
		return err
	}
	c.PendingProtocolID = chantypes.ProtocolID{}
	c.IsOfferer = false

	return nil
}

func (m *Manager) recordInboundProtocol(c *SubChannel,
	msg *chantypes.DlcMessage,
	protocolType chantypes.ProtocolType) error {

	err := m.cfg.DB.CreateProtocol(&chantypes.ProtocolRecord{
		ID:         msg.ProtocolID,
		ChannelID:  c.ID,
		ContractID: c.ContractID,
		Trader:     c.Counterparty,
		Type:       protocolType,
		State:      chantypes.ProtocolPending,
		Timestamp:  m.cfg.Clock.Now(),
	}, nil)
	if err != nil {
		log.Warnf("Unable to record protocol %v: %v", msg.ProtocolID,
			err)
	}

	return nil
}
