package monitoring

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/subscribe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes interception and protocol flow counters on a dedicated
// registry.
type Metrics struct {
	started uint32
	stopped uint32

	registry *prometheus.Registry

	htlcResolutions *prometheus.CounterVec
	jitOpens        prometheus.Counter
	jitCapacitySats prometheus.Histogram
	dlcMessages     *prometheus.CounterVec
	feesEarnedMsat  prometheus.Counter

	ntfns *notifier.NodeNotifier

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates the metric set and registers it on a fresh registry.
func New(ntfns *notifier.NodeNotifier) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		htlcResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_htlc_resolutions_total",
				Help: "Finalized HTLC interceptions by " +
					"outcome.",
			},
			[]string{"outcome"},
		),
		jitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_jit_channel_opens_total",
			Help: "Initiated just-in-time channel opens.",
		}),
		jitCapacitySats: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "coordinator_jit_channel_capacity_sats",
				Help: "Capacity of opened JIT channels.",
				Buckets: prometheus.ExponentialBuckets(
					1_000, 4, 10,
				),
			},
		),
		dlcMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_dlc_channel_events_total",
				Help: "Protocol channel events by message " +
					"kind.",
			},
			[]string{"kind"},
		),
		feesEarnedMsat: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_routing_fees_earned_msat_total",
			Help: "Cumulative routing fees earned.",
		}),
		ntfns: ntfns,
		quit:  make(chan struct{}),
	}

	m.registry.MustRegister(
		m.htlcResolutions, m.jitOpens, m.jitCapacitySats,
		m.dlcMessages, m.feesEarnedMsat,
	)

	return m
}

// Start subscribes to node events to count protocol flows. The subscription
// is lossy on purpose: a missed event skews a counter, it never stalls the
// publisher.
func (m *Metrics) Start() error {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return nil
	}

	client, err := m.ntfns.SubscribeEvents()
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go m.eventLoop(client)

	return nil
}

// Stop signals the metric collector for a graceful shutdown.
func (m *Metrics) Stop() {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return
	}

	close(m.quit)
	m.wg.Wait()
}

func (m *Metrics) eventLoop(client *subscribe.Client) {
	defer m.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}

			switch event := update.(type) {
			case notifier.DlcChannelEvent:
				m.dlcMessages.WithLabelValues(
					event.Kind.String(),
				).Inc()

			case notifier.PaymentForwardedEvent:
				m.feesEarnedMsat.Add(
					float64(event.FeeEarnedMsat),
				)
			}

		case <-client.Quit():
			return

		case <-m.quit:
			return
		}
	}
}

// RecordHtlcResolution counts one finalized interception.
func (m *Metrics) RecordHtlcResolution(res chantypes.HtlcResolution) {
	m.htlcResolutions.WithLabelValues(res.String()).Inc()
}

// RecordJitOpen counts one initiated JIT channel open.
func (m *Metrics) RecordJitOpen(capacity btcutil.Amount) {
	m.jitOpens.Inc()
	m.jitCapacitySats.Observe(float64(capacity))
}

// Handler returns the scrape endpoint for the metric registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{},
	})
}

// promLogger adapts the package logger to promhttp's error logger.
type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	log.Errorf("Metrics handler error: %v", v)
}
