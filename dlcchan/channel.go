package dlcchan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcstore"
)

// SubChannel is the coordinator's record of one bilateral contract channel.
// The engine's cryptographic material lives in the opaque Payload; the
// fields below drive the protocol state machine.
type SubChannel struct {
	// ID is the channel id, temporary until the funding transaction is
	// known.
	ID chantypes.ChannelID

	// Counterparty is the peer on the other end.
	Counterparty *btcec.PublicKey

	// ContractID is the currently established contract, nil before the
	// first sign round completes.
	ContractID *chantypes.ContractID

	// State is the top-level channel state.
	State dlcstore.ChannelPrefix

	// SignedState is the sub-state while State is ChannelSigned.
	SignedState dlcstore.SignedPrefix

	// UpdateIdx increases by one for every completed settle or renew
	// round. It never decreases.
	UpdateIdx uint64

	// RevokedIdx is the highest update index whose per-update secret has
	// been disclosed. Commitments at or below this index are
	// unpublishable.
	RevokedIdx uint64

	// PendingProtocolID is the protocol execution currently in flight on
	// this channel, zero when the channel is at rest.
	PendingProtocolID chantypes.ProtocolID

	// IsOfferer is true if this side initiated the transition currently
	// in flight. It decides which side of the offer/accept/confirm/
	// finalize dance we play.
	IsOfferer bool

	// Payload is the engine's opaque serialized channel material.
	Payload []byte
}

// AtRest reports whether the channel is signed with no transition in
// flight. Settle and renew may only start from a channel at rest.
func (c *SubChannel) AtRest() bool {
	if c.State != dlcstore.ChannelSigned {
		return false
	}

	switch c.SignedState {
	case dlcstore.SignedEstablished, dlcstore.SignedSettled:
		return true
	default:
		return false
	}
}

// Signed reports whether the channel is in any signed state.
func (c *SubChannel) Signed() bool {
	return c.State == dlcstore.ChannelSigned
}

// Terminal reports whether the channel has reached a terminal state.
func (c *SubChannel) Terminal() bool {
	switch c.State {
	case dlcstore.ChannelClosed, dlcstore.ChannelCounterClosed,
		dlcstore.ChannelClosedPunished,
		dlcstore.ChannelCollaborativelyClosed,
		dlcstore.ChannelFailedAccept, dlcstore.ChannelFailedSign:

		return true
	default:
		return false
	}
}

// serialize encodes the coordinator-side fields followed by the engine
// payload. The state prefixes are NOT part of this encoding; the dlcstore
// framing owns those.
func (c *SubChannel) serialize() []byte {
	var buf bytes.Buffer

	buf.Write(c.Counterparty.SerializeCompressed())

	if c.ContractID != nil {
		buf.WriteByte(1)
		buf.Write(c.ContractID[:])
	} else {
		buf.WriteByte(0)
	}

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], c.UpdateIdx)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], c.RevokedIdx)
	buf.Write(scratch[:])

	buf.Write(c.PendingProtocolID[:])

	if c.IsOfferer {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(c.Payload)

	return buf.Bytes()
}

// deserializeSubChannel decodes a record previously produced by serialize.
// State prefixes are restored from the dlcstore record by the caller.
func deserializeSubChannel(id chantypes.ChannelID, b []byte) (*SubChannel,
	error) {

	r := bytes.NewReader(b)

	var rawKey [33]byte
	if _, err := io.ReadFull(r, rawKey[:]); err != nil {
		return nil, fmt.Errorf("unable to read counterparty: %w", err)
	}
	counterparty, err := btcec.ParsePubKey(rawKey[:])
	if err != nil {
		return nil, fmt.Errorf("invalid counterparty key: %w", err)
	}

	channel := &SubChannel{
		ID:           id,
		Counterparty: counterparty,
	}

	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, fmt.Errorf("unable to read contract flag: %w", err)
	}
	if flag[0] == 1 {
		var contractID chantypes.ContractID
		if _, err := io.ReadFull(r, contractID[:]); err != nil {
			return nil, fmt.Errorf("unable to read contract id: "+
				"%w", err)
		}
		channel.ContractID = &contractID
	}

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, fmt.Errorf("unable to read update index: %w", err)
	}
	channel.UpdateIdx = binary.BigEndian.Uint64(scratch[:])

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, fmt.Errorf("unable to read revoked index: %w", err)
	}
	channel.RevokedIdx = binary.BigEndian.Uint64(scratch[:])

	if _, err := io.ReadFull(r, channel.PendingProtocolID[:]); err != nil {
		return nil, fmt.Errorf("unable to read protocol id: %w", err)
	}

	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, fmt.Errorf("unable to read offerer flag: %w", err)
	}
	channel.IsOfferer = flag[0] == 1

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read payload: %w", err)
	}
	if len(payload) > 0 {
		channel.Payload = payload
	}

	return channel, nil
}
