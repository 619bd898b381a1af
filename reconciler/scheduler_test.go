package reconciler

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/store"
	"github.com/stretchr/testify/require"
)

type pushRecord struct {
	recipient *btcec.PublicKey
	title     string
}

type recordingSender struct {
	mtx  sync.Mutex
	sent []pushRecord
}

func (s *recordingSender) Send(recipient *btcec.PublicKey, title,
	body string) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.sent = append(s.sent, pushRecord{recipient: recipient, title: title})

	return nil
}

// TestRemindRollover asserts one reminder per open position and none for
// positions mid-close.
func TestRemindRollover(t *testing.T) {
	t.Parallel()

	db := store.NewMemoryStore()

	openPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	closingPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = db.InsertPosition(&chantypes.Position{
		Trader:       openPriv.PubKey(),
		State:        chantypes.PositionOpen,
		Quantity:     100,
		AverageEntry: 50_000,
	})
	require.NoError(t, err)
	_, err = db.InsertPosition(&chantypes.Position{
		Trader:       closingPriv.PubKey(),
		State:        chantypes.PositionClosing,
		Quantity:     50,
		AverageEntry: 51_000,
	})
	require.NoError(t, err)

	sender := &recordingSender{}
	scheduler := NewScheduler(db, sender, "")
	scheduler.RemindRollover()

	require.Len(t, sender.sent, 1)
	require.True(t, sender.sent[0].recipient.IsEqual(openPriv.PubKey()))
	require.Equal(t, "Rollover", sender.sent[0].title)
}

// TestSchedulerLifecycle asserts the cron spec is validated at start.
func TestSchedulerLifecycle(t *testing.T) {
	t.Parallel()

	db := store.NewMemoryStore()

	bad := NewScheduler(db, &recordingSender{}, "not a cron spec")
	require.Error(t, bad.Start())

	good := NewScheduler(db, &recordingSender{}, DefaultRolloverSpec)
	require.NoError(t, good.Start())
	good.Stop()
}
