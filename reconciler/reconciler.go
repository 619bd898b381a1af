package reconciler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcchan"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/subscribe"
	"github.com/dlcnode/coordinator/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// DefaultSyncInterval is how often the reconciliation jobs run.
const DefaultSyncInterval = 5 * time.Minute

// ChannelDetails is the live view of a channel as reported by the channel
// engine.
type ChannelDetails struct {
	ChannelID     chantypes.ChannelID
	Capacity      btcutil.Amount
	LocalBalance  btcutil.Amount
	RemoteBalance btcutil.Amount
}

// ChannelSource reports live channel state.
type ChannelSource interface {
	// ChannelDetails returns the live details of the channel, or nil if
	// the engine no longer knows it.
	ChannelDetails(id chantypes.ChannelID) (*ChannelDetails, error)
}

// PriceSource quotes the current mark price used for unrealized PnL.
type PriceSource interface {
	LatestPrice() (float64, error)
}

// Config assembles the dependencies of the Reconciler.
type Config struct {
	// DB is the shadow state being reconciled.
	DB store.Store

	// Wallet computes transaction fees for the backfill job.
	Wallet wallet.Controller

	// Channels reports live channel state for the shadow sync job.
	Channels ChannelSource

	// Contracts reports contract closes for the position sync job.
	Contracts dlcchan.ContractReader

	// Prices quotes the mark price for the unrealized PnL job. May be
	// nil, disabling that job.
	Prices PriceSource

	// Notifier is the event source for spendable output events.
	Notifier *notifier.NodeNotifier

	// Clock is the time source.
	Clock clock.Clock

	// Tick drives the periodic runs.
	Tick ticker.Ticker
}

// Reconciler periodically re-derives shadow state from the authoritative
// wallet, channel engine and contract engine views. Every job is idempotent
// and tolerates per-item failure: one bad row is logged and skipped, never
// aborting the batch.
type Reconciler struct {
	started uint32
	stopped uint32

	cfg Config

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Reconciler from the given config.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the periodic run loop and the spendable output listener.
func (r *Reconciler) Start() error {
	if !atomic.CompareAndSwapUint32(&r.started, 0, 1) {
		return nil
	}

	client, err := r.cfg.Notifier.SubscribeEventsReliable()
	if err != nil {
		return err
	}

	r.cfg.Tick.Resume()

	r.wg.Add(2)
	go r.runLoop()
	go r.eventLoop(client)

	return nil
}

// Stop signals the reconciler for a graceful shutdown.
func (r *Reconciler) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}

	r.cfg.Tick.Stop()
	close(r.quit)
	r.wg.Wait()
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.cfg.Tick.Ticks():
			r.RunOnce(context.Background())

		case <-r.quit:
			return
		}
	}
}

func (r *Reconciler) eventLoop(client *subscribe.Client) {
	defer r.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}
			event, ok := update.(notifier.SpendableOutputsEvent)
			if ok {
				r.onSpendableOutputs(event)
			}

		case <-client.Quit():
			return

		case <-r.quit:
			return
		}
	}
}

// RunOnce runs every reconciliation job once, fanned out concurrently. Also
// the operator entry point for an on-demand pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)

	g.Go(r.syncChannels)
	g.Go(r.backfillTransactionFees)
	g.Go(r.syncClosedPositions)
	g.Go(r.syncUnrealizedPnl)

	if err := g.Wait(); err != nil {
		log.Errorf("Reconciliation pass failed: %v", err)
	}
}

// syncChannels refreshes the persisted liquidity snapshot of every live
// channel from the channel engine.
func (r *Reconciler) syncChannels() error {
	channels, err := r.cfg.DB.AllNonPendingChannels()
	if err != nil {
		return err
	}

	for _, channel := range channels {
		if channel.IsClosed() {
			continue
		}

		details, err := r.cfg.Channels.ChannelDetails(channel.ChannelID)
		if err != nil {
			log.Warnf("Unable to fetch details of channel %v: %v",
				channel.ChannelID, err)
			continue
		}
		if details == nil {
			log.Debugf("Channel %v no longer known to the engine",
				channel.ChannelID)
			continue
		}

		unchanged := channel.Capacity == details.Capacity &&
			channel.LocalBalance == details.LocalBalance &&
			channel.RemoteBalance == details.RemoteBalance
		if unchanged {
			continue
		}

		channel.Capacity = details.Capacity
		channel.LocalBalance = details.LocalBalance
		channel.RemoteBalance = details.RemoteBalance
		channel.UpdatedAt = r.cfg.Clock.Now()

		if err := r.cfg.DB.UpsertChannel(channel); err != nil {
			log.Warnf("Unable to sync channel %v: %v",
				channel.ChannelID, err)
		}
	}

	return nil
}

// backfillTransactionFees computes the fee of every tracked transaction the
// wallet can now see.
func (r *Reconciler) backfillTransactionFees() error {
	records, err := r.cfg.DB.TransactionsWithoutFees()
	if err != nil {
		return err
	}

	for _, record := range records {
		detail, err := r.cfg.Wallet.GetTransaction(record.Txid)
		if err == wallet.ErrTxNotFound {
			continue
		}
		if err != nil {
			log.Warnf("Unable to look up tx %v: %v", record.Txid,
				err)
			continue
		}
		if !detail.HasFee {
			continue
		}

		record.Fee = detail.Fee
		record.HasFee = true
		if err := r.cfg.DB.UpsertTransaction(record); err != nil {
			log.Warnf("Unable to backfill fee of tx %v: %v",
				record.Txid, err)
			continue
		}

		log.Debugf("Backfilled fee %v for tx %v", detail.Fee,
			record.Txid)
	}

	return nil
}

// syncClosedPositions finalizes every position whose contract the contract
// engine reports closed.
func (r *Reconciler) syncClosedPositions() error {
	positions, err := r.cfg.DB.OpenOrClosingPositions()
	if err != nil {
		return err
	}

	for _, position := range positions {
		if position.ContractID == nil {
			continue
		}

		info, err := r.cfg.Contracts.ClosedContract(*position.ContractID)
		if err != nil {
			log.Warnf("Unable to check contract %v of position "+
				"%d: %v", position.ContractID, position.ID,
				err)
			continue
		}
		if info == nil {
			continue
		}

		err = r.cfg.DB.SetPositionClosed(
			position.ID, info.PnlSat, info.ClosingPrice,
		)
		if err != nil {
			log.Warnf("Unable to close position %d: %v",
				position.ID, err)
			continue
		}

		log.Infof("Closed position %d with realized PnL %d sats "+
			"(contract %v)", position.ID, info.PnlSat,
			position.ContractID)
	}

	return nil
}

// syncUnrealizedPnl refreshes the cached unrealized PnL of every open
// position against the current mark price.
func (r *Reconciler) syncUnrealizedPnl() error {
	if r.cfg.Prices == nil {
		return nil
	}

	price, err := r.cfg.Prices.LatestPrice()
	if err != nil {
		log.Warnf("Unable to fetch mark price: %v", err)
		return nil
	}

	positions, err := r.cfg.DB.OpenOrClosingPositions()
	if err != nil {
		return err
	}

	for _, position := range positions {
		if position.State != chantypes.PositionOpen {
			continue
		}

		pnl := unrealizedPnlSat(
			position.Quantity, position.AverageEntry, price,
		)
		if position.UnrealizedPnlSat != nil &&
			*position.UnrealizedPnlSat == pnl {

			continue
		}

		err := r.cfg.DB.SetUnrealizedPnl(position.ID, pnl)
		if err != nil {
			log.Warnf("Unable to update unrealized PnL of "+
				"position %d: %v", position.ID, err)
		}
	}

	return nil
}

// unrealizedPnlSat values an inverse contract position at the given mark
// price. Quantity is in contract units (USD), negative for shorts.
func unrealizedPnlSat(quantity, entryPrice, markPrice float64) int64 {
	if entryPrice <= 0 || markPrice <= 0 {
		return 0
	}

	return int64(math.Round(
		quantity * (1/entryPrice - 1/markPrice) * btcutil.SatoshiPerBitcoin,
	))
}

// onSpendableOutputs surfaces funds recoverable after a channel close: the
// wallet is resynced and each output's transaction is tracked for fee
// backfill.
func (r *Reconciler) onSpendableOutputs(event notifier.SpendableOutputsEvent) {
	log.Infof("Channel %v released %d spendable outputs", event.ChannelID,
		len(event.Outputs))

	if err := r.cfg.Wallet.Sync(); err != nil {
		log.Warnf("Unable to sync wallet: %v", err)
	}

	for _, outpoint := range event.Outputs {
		err := r.cfg.DB.UpsertTransaction(&chantypes.TransactionRecord{
			Txid:      outpoint.Hash,
			CreatedAt: r.cfg.Clock.Now(),
		})
		if err != nil {
			log.Warnf("Unable to track spendable output %v: %v",
				outpoint, err)
		}
	}
}
