package dlcstore

import (
	"path/filepath"
	"testing"

	"github.com/dlcnode/coordinator/chantypes"
	"github.com/stretchr/testify/require"
)

// testProviders returns one provider per backend so every test runs against
// both implementations.
func testProviders(t *testing.T) map[string]Provider {
	t.Helper()

	bolt, err := OpenBoltProvider(
		filepath.Join(t.TempDir(), "dlc.db"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bolt.Close())
	})

	return map[string]Provider{
		"memory": NewMemoryProvider(),
		"bolt":   bolt,
	}
}

// TestChannelRoundTrip asserts that a signed channel record keeps its state
// prefix bytes across a write/read cycle.
func TestChannelRoundTrip(t *testing.T) {
	t.Parallel()

	for name, provider := range testProviders(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(provider)

			rec := ChannelRecord{
				ID:      chantypes.ChannelID{1, 2, 3},
				Prefix:  ChannelSigned,
				Signed:  SignedRenewOffered,
				Payload: []byte{0xde, 0xad, 0xbe, 0xef},
			}
			require.NoError(t, store.PutChannel(rec))

			got, err := store.GetChannel(rec.ID)
			require.NoError(t, err)
			require.Equal(t, rec.Prefix, got.Prefix)
			require.Equal(t, rec.Signed, got.Signed)
			require.Equal(t, rec.Payload, got.Payload)
		})
	}
}

// TestChannelWireLayout pins the exact on-disk byte layout: kind bucket,
// channel prefix byte, signed sub-state byte, then the opaque payload.
func TestChannelWireLayout(t *testing.T) {
	t.Parallel()

	provider := NewMemoryProvider()
	store := NewStore(provider)

	id := chantypes.ChannelID{7}
	require.NoError(t, store.PutChannel(ChannelRecord{
		ID:      id,
		Prefix:  ChannelSigned,
		Signed:  SignedEstablished,
		Payload: []byte{0xaa},
	}))

	kvs, err := provider.Read(KindChannel, id[:])
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.Equal(t, []byte{0x03, 0x01, 0xaa}, kvs[0].Value)

	// Non-signed records carry a single prefix byte.
	require.NoError(t, store.PutChannel(ChannelRecord{
		ID:      id,
		Prefix:  ChannelOffered,
		Payload: []byte{0xbb},
	}))

	kvs, err = provider.Read(KindChannel, id[:])
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0xbb}, kvs[0].Value)
}

// TestSignedChannelFilter asserts state filtering over mixed records.
func TestSignedChannelFilter(t *testing.T) {
	t.Parallel()

	for name, provider := range testProviders(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(provider)

			require.NoError(t, store.PutChannel(ChannelRecord{
				ID:     chantypes.ChannelID{1},
				Prefix: ChannelOffered,
			}))
			require.NoError(t, store.PutChannel(ChannelRecord{
				ID:     chantypes.ChannelID{2},
				Prefix: ChannelSigned,
				Signed: SignedEstablished,
			}))
			require.NoError(t, store.PutChannel(ChannelRecord{
				ID:     chantypes.ChannelID{3},
				Prefix: ChannelSigned,
				Signed: SignedSettled,
			}))

			all, err := store.SignedChannels(nil)
			require.NoError(t, err)
			require.Len(t, all, 2)

			filter := SignedEstablished
			established, err := store.SignedChannels(&filter)
			require.NoError(t, err)
			require.Len(t, established, 1)
			require.Equal(t, chantypes.ChannelID{2},
				established[0].ID)

			offered, err := store.OfferedChannels()
			require.NoError(t, err)
			require.Len(t, offered, 1)
			require.Equal(t, chantypes.ChannelID{1},
				offered[0].ID)
		})
	}
}

// TestDeleteByKind asserts that deleting with a nil key drops every record
// of the kind and nothing else.
func TestDeleteByKind(t *testing.T) {
	t.Parallel()

	for name, provider := range testProviders(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, provider.Write(
				KindContract, []byte("a"), []byte{1},
			))
			require.NoError(t, provider.Write(
				KindContract, []byte("b"), []byte{2},
			))
			require.NoError(t, provider.Write(
				KindUtxo, []byte("c"), []byte{3},
			))

			require.NoError(t, provider.Delete(KindContract, nil))

			contracts, err := provider.Read(KindContract, nil)
			require.NoError(t, err)
			require.Empty(t, contracts)

			utxos, err := provider.Read(KindUtxo, nil)
			require.NoError(t, err)
			require.Len(t, utxos, 1)
		})
	}
}

// TestActionsAndChainMonitor covers the fixed-key records.
func TestActionsAndChainMonitor(t *testing.T) {
	t.Parallel()

	store := NewStore(NewMemoryProvider())

	actions, err := store.Actions()
	require.NoError(t, err)
	require.Nil(t, actions)

	require.NoError(t, store.PutActions([]byte{1, 2, 3}))
	actions, err = store.Actions()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, actions)

	require.NoError(t, store.PersistChainMonitor([]byte{9}))
	monitor, err := store.ChainMonitor()
	require.NoError(t, err)
	require.Equal(t, []byte{9}, monitor)
}
