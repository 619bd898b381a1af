package dlcstore

import (
	"errors"
	"fmt"

	"github.com/dlcnode/coordinator/chantypes"
)

// The DLC engine's persisted state is partitioned by a single kind byte.
// Peers re-derive protocol state from these records across restarts, so the
// on-disk layout below must not change.
const (
	// KindContract holds serialized contracts keyed by contract id.
	KindContract byte = 1

	// KindChannel holds serialized channels keyed by channel id.
	KindChannel byte = 2

	// KindChainMonitor holds the single serialized chain monitor.
	KindChainMonitor byte = 3

	// KindUtxo holds wallet utxos keyed by outpoint.
	KindUtxo byte = 5

	// KindKeyPair holds key pairs keyed by public key.
	KindKeyPair byte = 6

	// KindSubChannel holds serialized sub-channels keyed by channel id.
	KindSubChannel byte = 7

	// KindAddress holds address private keys keyed by address.
	KindAddress byte = 8

	// KindAction holds the pending sub-channel action queue.
	KindAction byte = 9
)

// ChannelPrefix is the first byte of a serialized channel record and encodes
// the channel's top-level state.
type ChannelPrefix byte

const (
	ChannelOffered ChannelPrefix = iota + 1
	ChannelAccepted
	ChannelSigned
	ChannelClosing
	ChannelClosed
	ChannelCounterClosed
	ChannelClosedPunished
	ChannelCollaborativelyClosed
	ChannelFailedAccept
	ChannelFailedSign
)

// SignedPrefix is the second byte of a serialized channel record in the
// Signed state and encodes the signed sub-state.
type SignedPrefix byte

const (
	SignedEstablished SignedPrefix = iota + 1
	SignedSettledOffered
	SignedSettledReceived
	SignedSettledAccepted
	SignedSettledConfirmed
	SignedSettled
	SignedClosing
	SignedCollaborativeCloseOffered
	SignedRenewAccepted
	SignedRenewOffered
	SignedRenewConfirmed
	SignedRenewFinalized
)

// ErrNotFound is returned when a record with the requested key does not
// exist.
var ErrNotFound = errors.New("dlcstore: record not found")

// KeyValue is a single raw record.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Provider is the capability interface over the underlying key-value store:
// read, write and delete by kind and optional key. A nil key addresses every
// record of the kind. Implementations must be safe for concurrent use.
type Provider interface {
	// Read returns the records of the given kind. If key is non-nil only
	// the record with that key is returned.
	Read(kind byte, key []byte) ([]KeyValue, error)

	// Write stores a record of the given kind under the given key,
	// overwriting any previous value.
	Write(kind byte, key, value []byte) error

	// Delete removes the record of the given kind with the given key, or
	// every record of the kind if key is nil. Deleting a missing record
	// is not an error.
	Delete(kind byte, key []byte) error
}

// ChannelRecord is a channel blob together with its decoded state prefixes.
type ChannelRecord struct {
	ID      chantypes.ChannelID
	Prefix  ChannelPrefix
	Signed  SignedPrefix
	Payload []byte
}

// Store layers the prefix-byte channel encoding on top of a Provider. The
// engine hands us opaque serialized payloads; we own the prefix framing.
type Store struct {
	p Provider
}

// NewStore wraps the given provider.
func NewStore(p Provider) *Store {
	return &Store{p: p}
}

// PutChannel writes a channel record. For channels in the Signed state the
// signed sub-state prefix is written after the channel prefix, matching the
// layout peers rely on.
func (s *Store) PutChannel(rec ChannelRecord) error {
	buf := make([]byte, 0, len(rec.Payload)+2)
	buf = append(buf, byte(rec.Prefix))
	if rec.Prefix == ChannelSigned {
		buf = append(buf, byte(rec.Signed))
	}
	buf = append(buf, rec.Payload...)

	return s.p.Write(KindChannel, rec.ID[:], buf)
}

// GetChannel returns the channel record stored under the given id.
func (s *Store) GetChannel(id chantypes.ChannelID) (*ChannelRecord, error) {
	kvs, err := s.p.Read(KindChannel, id[:])
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, ErrNotFound
	}

	return decodeChannel(id, kvs[0].Value)
}

// DeleteChannel removes the channel record stored under the given id.
func (s *Store) DeleteChannel(id chantypes.ChannelID) error {
	return s.p.Delete(KindChannel, id[:])
}

// SignedChannels returns all channels in the Signed state. If filter is
// non-nil, only channels in that signed sub-state are returned.
func (s *Store) SignedChannels(filter *SignedPrefix) ([]*ChannelRecord,
	error) {

	kvs, err := s.p.Read(KindChannel, nil)
	if err != nil {
		return nil, err
	}

	var recs []*ChannelRecord
	for _, kv := range kvs {
		id, err := chantypes.NewChannelIDFromBytes(kv.Key)
		if err != nil {
			return nil, err
		}

		rec, err := decodeChannel(id, kv.Value)
		if err != nil {
			log.Errorf("Skipping undecodable channel record %x: "+
				"%v", kv.Key, err)
			continue
		}

		if rec.Prefix != ChannelSigned {
			continue
		}
		if filter != nil && rec.Signed != *filter {
			continue
		}

		recs = append(recs, rec)
	}

	return recs, nil
}

// OfferedChannels returns all channels in the Offered state.
func (s *Store) OfferedChannels() ([]*ChannelRecord, error) {
	kvs, err := s.p.Read(KindChannel, nil)
	if err != nil {
		return nil, err
	}

	var recs []*ChannelRecord
	for _, kv := range kvs {
		id, err := chantypes.NewChannelIDFromBytes(kv.Key)
		if err != nil {
			return nil, err
		}

		rec, err := decodeChannel(id, kv.Value)
		if err != nil {
			log.Errorf("Skipping undecodable channel record %x: "+
				"%v", kv.Key, err)
			continue
		}

		if rec.Prefix == ChannelOffered {
			recs = append(recs, rec)
		}
	}

	return recs, nil
}

// actionKey is the fixed key the pending action queue is stored under.
var actionKey = []byte("action")

// PutActions persists the pending sub-channel action queue as a single
// record, replacing any previous queue.
func (s *Store) PutActions(serialized []byte) error {
	return s.p.Write(KindAction, actionKey, serialized)
}

// Actions returns the pending sub-channel action queue, or nil if none is
// stored.
func (s *Store) Actions() ([]byte, error) {
	kvs, err := s.p.Read(KindAction, nil)
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}

	return kvs[0].Value, nil
}

// chainMonitorKey is the fixed key the chain monitor is stored under.
var chainMonitorKey = []byte("chain_monitor")

// PersistChainMonitor stores the serialized chain monitor.
func (s *Store) PersistChainMonitor(serialized []byte) error {
	return s.p.Write(KindChainMonitor, chainMonitorKey, serialized)
}

// ChainMonitor returns the serialized chain monitor, or nil if none has
// been persisted yet.
func (s *Store) ChainMonitor() ([]byte, error) {
	kvs, err := s.p.Read(KindChainMonitor, nil)
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}

	return kvs[0].Value, nil
}

func decodeChannel(id chantypes.ChannelID, buf []byte) (*ChannelRecord,
	error) {

	if len(buf) < 1 {
		return nil, fmt.Errorf("channel record too short")
	}

	rec := &ChannelRecord{
		ID:     id,
		Prefix: ChannelPrefix(buf[0]),
	}
	if rec.Prefix < ChannelOffered || rec.Prefix > ChannelFailedSign {
		return nil, fmt.Errorf("unknown channel prefix %d", buf[0])
	}

	payload := buf[1:]
	if rec.Prefix == ChannelSigned {
		if len(payload) < 1 {
			return nil, fmt.Errorf("signed channel record " +
				"missing state prefix")
		}

		rec.Signed = SignedPrefix(payload[0])
		if rec.Signed < SignedEstablished ||
			rec.Signed > SignedRenewFinalized {

			return nil, fmt.Errorf("unknown signed channel "+
				"prefix %d", payload[0])
		}

		payload = payload[1:]
	}

	rec.Payload = payload

	return rec, nil
}
