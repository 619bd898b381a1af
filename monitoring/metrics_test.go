package monitoring

import (
	"testing"
	"time"

	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordHtlcResolution(t *testing.T) {
	t.Parallel()

	metrics := New(notifier.New())

	metrics.RecordHtlcResolution(chantypes.HtlcForwarded)
	metrics.RecordHtlcResolution(chantypes.HtlcForwarded)
	metrics.RecordHtlcResolution(chantypes.HtlcTimedOut)

	forwarded := metrics.htlcResolutions.WithLabelValues(
		chantypes.HtlcForwarded.String(),
	)
	require.Equal(t, float64(2), testutil.ToFloat64(forwarded))

	timedOut := metrics.htlcResolutions.WithLabelValues(
		chantypes.HtlcTimedOut.String(),
	)
	require.Equal(t, float64(1), testutil.ToFloat64(timedOut))
}

func TestRecordJitOpen(t *testing.T) {
	t.Parallel()

	metrics := New(notifier.New())
	metrics.RecordJitOpen(50_000)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.jitOpens))
}

// TestEventCounters asserts protocol events and forwarded payments feed the
// counters through the event bus.
func TestEventCounters(t *testing.T) {
	t.Parallel()

	ntfns := notifier.New()
	require.NoError(t, ntfns.Start())
	t.Cleanup(ntfns.Stop)

	metrics := New(ntfns)
	require.NoError(t, metrics.Start())
	t.Cleanup(metrics.Stop)

	ntfns.NotifyDlcChannelEvent(
		chantypes.ChannelID{0x01}, chantypes.NewProtocolID(),
		chantypes.MsgOffer,
	)
	ntfns.NotifyPaymentForwarded(1_500, chantypes.ChannelID{0x01},
		chantypes.ChannelID{0x02})

	offers := metrics.dlcMessages.WithLabelValues(
		chantypes.MsgOffer.String(),
	)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(offers) == 1 &&
			testutil.ToFloat64(metrics.feesEarnedMsat) == 1_500
	}, 3*time.Second, 10*time.Millisecond)
}
