package dlcchan

import (
	"testing"
	"time"

	"github.com/dlcnode/coordinator/chantypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// TestPeriodicCheckRunsOnTick asserts the checker drives the engine on
// every tick and that the messages the check produces never reach a peer
// or the message bookkeeping: they are broadcast-only engine actions.
func TestPeriodicCheckRunsOnTick(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.checkMsgs = []*chantypes.DlcMessage{
		{
			Kind:      chantypes.MsgSettleFinalize,
			ChannelID: chantypes.ChannelID{0x07},
			UpdateIdx: 4,
		},
	}

	force := ticker.NewForce(DefaultCheckInterval)
	checker := NewPeriodicChecker(engine, force)
	require.NoError(t, checker.Start())
	defer checker.Stop()

	force.Force <- time.Now()
	force.Force <- time.Now()

	require.Eventually(t, func() bool {
		return engine.checkCount() >= 2
	}, eventTimeout, 10*time.Millisecond)
}
