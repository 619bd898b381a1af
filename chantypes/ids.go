package chantypes

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ChannelID is the 32-byte identifier of a channel. Before the funding
// transaction is known this holds the temporary id assigned at offer time.
type ChannelID [32]byte

// NewChannelIDFromBytes constructs a ChannelID from a raw byte slice.
func NewChannelIDFromBytes(b []byte) (ChannelID, error) {
	var id ChannelID
	if len(b) != 32 {
		return id, fmt.Errorf("invalid channel id length %d", len(b))
	}
	copy(id[:], b)

	return id, nil
}

// String returns the hex encoding of the channel id.
func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero returns true if the channel id is all zeroes.
func (c ChannelID) IsZero() bool {
	return c == ChannelID{}
}

// ContractID identifies a single contract living inside a channel. A channel
// goes through many contracts over its lifetime, one per completed protocol.
type ContractID [32]byte

// String returns the hex encoding of the contract id.
func (c ContractID) String() string {
	return hex.EncodeToString(c[:])
}

// ProtocolID is minted by the coordinator for every protocol execution
// (open, renew, settle, close) and correlates trade parameters, persisted
// messages and on-chain outcomes across restarts. It is immutable once
// minted.
type ProtocolID [16]byte

// NewProtocolID mints a fresh protocol id.
func NewProtocolID() ProtocolID {
	return ProtocolID(uuid.New())
}

// ProtocolIDFromBytes parses a protocol id from its raw representation.
func ProtocolIDFromBytes(b []byte) (ProtocolID, error) {
	var id ProtocolID
	if len(b) != 16 {
		return id, fmt.Errorf("invalid protocol id length %d", len(b))
	}
	copy(id[:], b)

	return id, nil
}

// String returns the canonical UUID form of the protocol id.
func (p ProtocolID) String() string {
	return uuid.UUID(p).String()
}

// IsZero returns true if the protocol id is unset.
func (p ProtocolID) IsZero() bool {
	return p == ProtocolID{}
}
