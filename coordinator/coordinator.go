package coordinator

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcnode/coordinator/chanfunding"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcchan"
	"github.com/dlcnode/coordinator/dlcstore"
	"github.com/dlcnode/coordinator/intercept"
	"github.com/dlcnode/coordinator/monitoring"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/reconciler"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// LightningEngine is the full Lightning node surface the coordinator
// consumes, composed from the per-subsystem capability interfaces.
type LightningEngine interface {
	intercept.Engine
	intercept.PeerRegistry
	chanfunding.InvoiceCreator
	reconciler.ChannelSource
	dlcchan.Transport
}

// Config assembles every collaborator and policy knob of the coordinator.
// All collaborators are required unless noted otherwise.
type Config struct {
	// Wallet is the on-chain wallet collaborator.
	Wallet wallet.Controller

	// Lightning is the payment channel engine collaborator.
	Lightning LightningEngine

	// DlcEngine is the contract engine collaborator.
	DlcEngine dlcchan.Engine

	// Contracts reports contract closes, usually the same component as
	// DlcEngine.
	Contracts dlcchan.ContractReader

	// DB is the persistence collaborator.
	DB store.Store

	// Channels is the prefix-framed channel store shared with the
	// contract engine.
	Channels *dlcstore.Store

	// Push delivers fire-and-forget notifications. May be nil; a nop
	// sender is used then.
	Push notifier.Sender

	// Prices quotes the mark price for unrealized PnL. May be nil.
	Prices reconciler.PriceSource

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// LiquidityMultiplier sizes JIT channels, zero for the default.
	LiquidityMultiplier uint64

	// FeeRateBasisPoints is the JIT opening fee rate, zero for the
	// default.
	FeeRateBasisPoints uint64

	// OfflineTimeout bounds the JIT wait for an offline recipient.
	OfflineTimeout time.Duration

	// SyncInterval is the reconciliation interval, zero for the default.
	SyncInterval time.Duration

	// CheckInterval is the contract engine periodic check interval, zero
	// for the default.
	CheckInterval time.Duration

	// RolloverSpec is the cron spec of the rollover reminder, empty for
	// the default.
	RolloverSpec string
}

// Coordinator wires every subsystem together and owns their lifecycle. The
// embedding node runtime feeds external events in through the On* methods;
// everything else flows through the internal event bus.
type Coordinator struct {
	started uint32
	stopped uint32

	cfg Config

	ntfns       *notifier.NodeNotifier
	manager     *dlcchan.Manager
	handler     *dlcchan.Handler
	checker     *dlcchan.PeriodicChecker
	interceptor *intercept.Interceptor
	funding     *chanfunding.Tracker
	recon       *reconciler.Reconciler
	scheduler   *reconciler.Scheduler
	metrics     *monitoring.Metrics
	feeRecorder *notifier.FeeRecorder
	pushDisp    *notifier.PushDispatcher
}

// New composes a Coordinator from the given config.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Wallet == nil:
		return nil, fmt.Errorf("wallet required")
	case cfg.Lightning == nil:
		return nil, fmt.Errorf("lightning engine required")
	case cfg.DlcEngine == nil:
		return nil, fmt.Errorf("dlc engine required")
	case cfg.Contracts == nil:
		return nil, fmt.Errorf("contract reader required")
	case cfg.DB == nil:
		return nil, fmt.Errorf("store required")
	case cfg.Channels == nil:
		return nil, fmt.Errorf("channel store required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Push == nil {
		cfg.Push = notifier.NopSender{}
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = reconciler.DefaultSyncInterval
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = dlcchan.DefaultCheckInterval
	}

	c := &Coordinator{cfg: cfg}

	c.ntfns = notifier.New()
	c.metrics = monitoring.New(c.ntfns)

	c.manager = dlcchan.NewManager(dlcchan.Config{
		Engine:   cfg.DlcEngine,
		Channels: cfg.Channels,
		DB:       cfg.DB,
		Notifier: c.ntfns,
		Peers:    cfg.Lightning,
		Clock:    cfg.Clock,
	})
	c.handler = dlcchan.NewHandler(dlcchan.HandlerConfig{
		DB:        cfg.DB,
		Notifier:  c.ntfns,
		Manager:   c.manager,
		Transport: cfg.Lightning,
		Clock:     cfg.Clock,
	})
	c.checker = dlcchan.NewPeriodicChecker(
		cfg.DlcEngine, ticker.New(cfg.CheckInterval),
	)

	c.funding = chanfunding.NewTracker(chanfunding.TrackerConfig{
		Invoices: cfg.Lightning,
		DB:       cfg.DB,
		Notifier: c.ntfns,
		Clock:    cfg.Clock,
	})

	c.interceptor = intercept.New(intercept.Config{
		Engine:              cfg.Lightning,
		Funding:             c.funding,
		DB:                  cfg.DB,
		Notifier:            c.ntfns,
		Peers:               cfg.Lightning,
		Clock:               cfg.Clock,
		Metrics:             c.metrics,
		LiquidityMultiplier: cfg.LiquidityMultiplier,
		FeeRateBasisPoints:  cfg.FeeRateBasisPoints,
		OfflineTimeout:      cfg.OfflineTimeout,
	})

	c.recon = reconciler.New(reconciler.Config{
		DB:        cfg.DB,
		Wallet:    cfg.Wallet,
		Channels:  cfg.Lightning,
		Contracts: cfg.Contracts,
		Prices:    cfg.Prices,
		Notifier:  c.ntfns,
		Clock:     cfg.Clock,
		Tick:      ticker.New(cfg.SyncInterval),
	})
	c.scheduler = reconciler.NewScheduler(cfg.DB, cfg.Push, cfg.RolloverSpec)

	c.feeRecorder = notifier.NewFeeRecorder(c.ntfns, cfg.DB)
	c.pushDisp = notifier.NewPushDispatcher(c.ntfns, cfg.Push)

	return c, nil
}

// Start brings every subsystem up, event consumers before producers so no
// early event is lost.
func (c *Coordinator) Start() error {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return nil
	}

	log.Infof("Coordinator starting")

	if err := c.ntfns.Start(); err != nil {
		return fmt.Errorf("unable to start notifier: %w", err)
	}
	if err := c.metrics.Start(); err != nil {
		return fmt.Errorf("unable to start metrics: %w", err)
	}
	if err := c.feeRecorder.Start(); err != nil {
		return fmt.Errorf("unable to start fee recorder: %w", err)
	}
	if err := c.pushDisp.Start(); err != nil {
		return fmt.Errorf("unable to start push dispatcher: %w", err)
	}
	if err := c.handler.Start(); err != nil {
		return fmt.Errorf("unable to start message handler: %w", err)
	}
	if err := c.funding.Start(); err != nil {
		return fmt.Errorf("unable to start funding tracker: %w", err)
	}
	if err := c.interceptor.Start(); err != nil {
		return fmt.Errorf("unable to start interceptor: %w", err)
	}
	if err := c.recon.Start(); err != nil {
		return fmt.Errorf("unable to start reconciler: %w", err)
	}
	if err := c.scheduler.Start(); err != nil {
		return fmt.Errorf("unable to start scheduler: %w", err)
	}
	if err := c.checker.Start(); err != nil {
		return fmt.Errorf("unable to start periodic checker: %w", err)
	}

	log.Infof("Coordinator started")

	return nil
}

// Stop tears the subsystems down in reverse start order.
func (c *Coordinator) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}

	log.Infof("Coordinator shutting down")

	c.checker.Stop()
	c.scheduler.Stop()
	c.recon.Stop()
	c.interceptor.Stop()
	c.funding.Stop()
	c.handler.Stop()
	c.pushDisp.Stop()
	c.feeRecorder.Stop()
	c.metrics.Stop()
	c.ntfns.Stop()

	log.Infof("Coordinator shutdown complete")
}

// Channels exposes the contract channel manager for caller-driven
// operations (propose, settle, renew, close).
func (c *Coordinator) Channels() *dlcchan.Manager {
	return c.manager
}

// Interceptor exposes the interception engine for SCID registration.
func (c *Coordinator) Interceptor() *intercept.Interceptor {
	return c.interceptor
}

// Notifier exposes the internal event bus.
func (c *Coordinator) Notifier() *notifier.NodeNotifier {
	return c.ntfns
}

// Metrics exposes the metric set for the scrape endpoint.
func (c *Coordinator) Metrics() *monitoring.Metrics {
	return c.metrics
}

// Reconciler exposes the reconciliation jobs for on-demand passes.
func (c *Coordinator) Reconciler() *reconciler.Reconciler {
	return c.recon
}

// EmergencyKit exposes the operator-only recovery actions.
func (c *Coordinator) EmergencyKit() *EmergencyKit {
	return &EmergencyKit{
		handler: c.handler,
		db:      c.cfg.DB,
	}
}

// OnPeerConnected feeds a peer connection event in. Reconnect duties
// (pending close acceptance, last-message resend) run on the event bus.
func (c *Coordinator) OnPeerConnected(peer *btcec.PublicKey) {
	c.ntfns.NotifyConnected(peer)
}

// OnHtlcIntercepted feeds one intercepted HTLC into the interception
// engine.
func (c *Coordinator) OnHtlcIntercepted(htlc chantypes.InterceptedHtlc) {
	c.interceptor.OnHtlcIntercepted(htlc)
}

// OnChannelReady feeds a channel-ready event in.
func (c *Coordinator) OnChannelReady(userChannelID chantypes.ProtocolID,
	channelID chantypes.ChannelID, counterparty *btcec.PublicKey) {

	c.ntfns.NotifyChannelReady(userChannelID, channelID, counterparty)
}

// OnPaymentClaimed feeds an invoice settlement in.
func (c *Coordinator) OnPaymentClaimed(hash [32]byte, amountMsat uint64,
	description string) {

	c.ntfns.NotifyPaymentClaimed(hash, amountMsat, description)
}

// OnPaymentForwarded feeds a forwarded payment in.
func (c *Coordinator) OnPaymentForwarded(feeMsat uint64,
	prev, next chantypes.ChannelID) {

	c.ntfns.NotifyPaymentForwarded(feeMsat, prev, next)
}

// OnSpendableOutputs feeds a spendable-outputs event in.
func (c *Coordinator) OnSpendableOutputs(channelID chantypes.ChannelID,
	outputs []wire.OutPoint) {

	c.ntfns.NotifySpendableOutputs(channelID, outputs)
}

// OnDlcMessage applies one raw inbound protocol message from a peer.
func (c *Coordinator) OnDlcMessage(peer *btcec.PublicKey, raw []byte) error {
	msg, err := chantypes.DeserializeDlcMessage(raw)
	if err != nil {
		return fmt.Errorf("undecodable message from %x: %w",
			peer.SerializeCompressed(), err)
	}

	return c.manager.HandleMessage(peer, msg)
}
