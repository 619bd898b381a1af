package chantypes

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// DlcMessageKind enumerates the channel protocol messages exchanged with a
// peer. The numbering is part of the persisted encoding.
type DlcMessageKind uint8

const (
	MsgOffer DlcMessageKind = iota + 1
	MsgAccept
	MsgSign
	MsgSettleOffer
	MsgSettleAccept
	MsgSettleConfirm
	MsgSettleFinalize
	MsgRenewOffer
	MsgRenewAccept
	MsgRenewConfirm
	MsgRenewFinalize
	MsgRenewRevoke
	MsgCollaborativeCloseOffer
	MsgReject

	// MsgForceClose never goes over the wire; it labels the unilateral
	// commitment broadcast on the event bus.
	MsgForceClose
)

// String returns a human readable message kind.
func (k DlcMessageKind) String() string {
	switch k {
	case MsgOffer:
		return "Offer"
	case MsgAccept:
		return "Accept"
	case MsgSign:
		return "Sign"
	case MsgSettleOffer:
		return "SettleOffer"
	case MsgSettleAccept:
		return "SettleAccept"
	case MsgSettleConfirm:
		return "SettleConfirm"
	case MsgSettleFinalize:
		return "SettleFinalize"
	case MsgRenewOffer:
		return "RenewOffer"
	case MsgRenewAccept:
		return "RenewAccept"
	case MsgRenewConfirm:
		return "RenewConfirm"
	case MsgRenewFinalize:
		return "RenewFinalize"
	case MsgRenewRevoke:
		return "RenewRevoke"
	case MsgCollaborativeCloseOffer:
		return "CollaborativeCloseOffer"
	case MsgReject:
		return "Reject"
	case MsgForceClose:
		return "ForceClose"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Valid reports whether the kind is a known protocol message.
func (k DlcMessageKind) Valid() bool {
	return k >= MsgOffer && k <= MsgReject
}

// DlcMessage is a single protocol message addressed to (or received from) a
// peer. The Body is the engine-produced signed payload; the coordinator
// treats it as opaque and must resend it byte for byte.
type DlcMessage struct {
	// Kind is the protocol message kind.
	Kind DlcMessageKind

	// ChannelID is the channel the message applies to.
	ChannelID ChannelID

	// ProtocolID correlates the message with the protocol execution that
	// produced it.
	ProtocolID ProtocolID

	// UpdateIdx is the channel update index the message is valid for.
	UpdateIdx uint64

	// Body is the opaque signed payload.
	Body []byte
}

// Hash returns the content hash of the message. Two messages with the same
// hash are the same message; resend-after-reconnect relies on this.
func (m *DlcMessage) Hash() [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(m.Kind)})
	h.Write(m.ChannelID[:])
	h.Write(m.ProtocolID[:])

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], m.UpdateIdx)
	h.Write(idx[:])
	h.Write(m.Body)

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
}

// Serialize encodes the message for verbatim storage. The encoding is
// deterministic so that a decoded-and-reencoded message hashes identically.
func (m *DlcMessage) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind))
	buf.Write(m.ChannelID[:])
	buf.Write(m.ProtocolID[:])

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], m.UpdateIdx)
	buf.Write(idx[:])
	buf.Write(m.Body)

	return buf.Bytes()
}

// DeserializeDlcMessage decodes a message previously produced by Serialize.
func DeserializeDlcMessage(b []byte) (*DlcMessage, error) {
	r := bytes.NewReader(b)

	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return nil, fmt.Errorf("unable to read message kind: %w", err)
	}

	msg := &DlcMessage{
		Kind: DlcMessageKind(kind[0]),
	}
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("unknown message kind %d", kind[0])
	}

	if _, err := io.ReadFull(r, msg.ChannelID[:]); err != nil {
		return nil, fmt.Errorf("unable to read channel id: %w", err)
	}
	if _, err := io.ReadFull(r, msg.ProtocolID[:]); err != nil {
		return nil, fmt.Errorf("unable to read protocol id: %w", err)
	}

	var idx [8]byte
	if _, err := io.ReadFull(r, idx[:]); err != nil {
		return nil, fmt.Errorf("unable to read update index: %w", err)
	}
	msg.UpdateIdx = binary.BigEndian.Uint64(idx[:])

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read body: %w", err)
	}
	if len(body) > 0 {
		msg.Body = body
	}

	return msg, nil
}

// DlcMessageRecord is the persisted log entry for a message that was sent
// or received. Inbound dedup checks this log by hash.
type DlcMessageRecord struct {
	Hash      [32]byte
	Peer      *btcec.PublicKey
	Kind      DlcMessageKind
	Inbound   bool
	Timestamp time.Time
}
