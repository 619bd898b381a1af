package intercept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/subscribe"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultLiquidityMultiplier sizes a JIT channel as a multiple of the
	// intercepted amount, leaving the recipient room to route more in
	// later.
	DefaultLiquidityMultiplier = 2

	// DefaultFeeRateBasisPoints is the opening fee rate applied to the
	// intercepted amount.
	DefaultFeeRateBasisPoints = 50

	// DefaultOfflineTimeout bounds how long an HTLC is held waiting for
	// an offline recipient. A mobile recipient woken by a push
	// notification needs a moment to come online.
	DefaultOfflineTimeout = 30 * time.Second

	// DefaultPollInterval is how often the bounded wait re-checks peer
	// connectivity.
	DefaultPollInterval = 2 * time.Second

	// DefaultInvoiceExpiry is the lifetime of the opening fee invoice.
	DefaultInvoiceExpiry = 10 * time.Minute
)

// Engine is the Lightning engine surface the interceptor drives: held HTLC
// resolution and just-in-time channel opens.
type Engine interface {
	// UsableChannel returns the id of an open channel to the trader with
	// at least the given spare inbound capacity, or nil if none exists.
	UsableChannel(trader *btcec.PublicKey, inboundMsat uint64) (
		*chantypes.ChannelID, error)

	// OpenJitChannel opens a coordinator-funded channel to the trader and
	// returns the funding txid. The engine reports the open completing
	// through a ChannelReady event carrying the user channel id.
	OpenJitChannel(trader *btcec.PublicKey,
		userChannelID chantypes.ProtocolID,
		capacity btcutil.Amount) (*chainhash.Hash, error)

	// ResumeHtlc releases the held HTLC, forwarding the given amount on
	// the outgoing link.
	ResumeHtlc(interceptID [32]byte, outgoingAmountMsat uint64) error

	// FailHtlc fails the held HTLC back to the sender.
	FailHtlc(interceptID [32]byte) error
}

// InvoiceIssuer issues the channel opening fee invoice, embedding the
// funding txid in the invoice description for later correlation.
type InvoiceIssuer interface {
	IssueFundingInvoice(amount btcutil.Amount, fundingTxid chainhash.Hash,
		expiry time.Duration) (string, error)
}

// PeerRegistry reports peer connectivity.
type PeerRegistry interface {
	IsConnected(peer *btcec.PublicKey) bool
}

// Metrics receives interception outcomes. May be nil.
type Metrics interface {
	// RecordHtlcResolution counts one finalized interception.
	RecordHtlcResolution(res chantypes.HtlcResolution)

	// RecordJitOpen counts one initiated JIT channel open.
	RecordJitOpen(capacity btcutil.Amount)
}

// Config assembles the dependencies and policy of the Interceptor.
type Config struct {
	// Engine is the Lightning engine collaborator.
	Engine Engine

	// Funding issues the opening fee invoice.
	Funding InvoiceIssuer

	// DB persists the shadow channel records.
	DB store.Store

	// Notifier is the event source for channel ready events.
	Notifier *notifier.NodeNotifier

	// Peers reports recipient connectivity.
	Peers PeerRegistry

	// Clock is the time source.
	Clock clock.Clock

	// Metrics receives interception outcomes, may be nil.
	Metrics Metrics

	// LiquidityMultiplier scales the intercepted amount into the JIT
	// channel capacity.
	LiquidityMultiplier uint64

	// FeeRateBasisPoints is the opening fee rate in basis points, applied
	// to the intercepted amount and truncated toward zero.
	FeeRateBasisPoints uint64

	// OfflineTimeout bounds the wait for an offline recipient.
	OfflineTimeout time.Duration

	// PollInterval is the connectivity re-check interval during the
	// bounded wait.
	PollInterval time.Duration

	// InvoiceExpiry is the lifetime of the opening fee invoice.
	InvoiceExpiry time.Duration
}

// pendingKey identifies one in-flight JIT open. Redelivered interception
// events for the same key must not open a second channel.
type pendingKey struct {
	trader [33]byte
	scid   uint64
}

// heldHtlc is an intercepted HTLC awaiting its single resolution.
type heldHtlc struct {
	resolved uint32

	htlc chantypes.InterceptedHtlc
}

// pendingOpen is a JIT channel open in flight, holding the HTLC that
// triggered it until the channel is ready. The entry is inserted as a
// reservation before the engine is asked to open anything; fundingTxid and
// feeMsat are filled in as the open progresses.
type pendingOpen struct {
	key           pendingKey
	userChannelID chantypes.ProtocolID
	fundingTxid   chainhash.Hash
	feeMsat       uint64
	held          *heldHtlc
}

// Interceptor decides the fate of every intercepted HTLC: forward over an
// existing channel, open a just-in-time channel funded by the coordinator
// and forward once ready, or fail the HTLC back. Every held HTLC is
// resolved exactly once; holding one indefinitely would stall the upstream
// payer's channel.
type Interceptor struct {
	started uint32
	stopped uint32

	cfg Config

	mtx      sync.Mutex
	requests map[uint64]*chantypes.LiquidityRequest
	pending  map[pendingKey]*pendingOpen

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates an Interceptor, filling unset policy fields with defaults.
func New(cfg Config) *Interceptor {
	if cfg.LiquidityMultiplier == 0 {
		cfg.LiquidityMultiplier = DefaultLiquidityMultiplier
	}
	if cfg.FeeRateBasisPoints == 0 {
		cfg.FeeRateBasisPoints = DefaultFeeRateBasisPoints
	}
	if cfg.OfflineTimeout == 0 {
		cfg.OfflineTimeout = DefaultOfflineTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InvoiceExpiry == 0 {
		cfg.InvoiceExpiry = DefaultInvoiceExpiry
	}

	return &Interceptor{
		cfg:      cfg,
		requests: make(map[uint64]*chantypes.LiquidityRequest),
		pending:  make(map[pendingKey]*pendingOpen),
		quit:     make(chan struct{}),
	}
}

// Start subscribes to channel ready events and launches the event loop.
func (i *Interceptor) Start() error {
	if !atomic.CompareAndSwapUint32(&i.started, 0, 1) {
		return nil
	}

	client, err := i.cfg.Notifier.SubscribeEventsReliable()
	if err != nil {
		return err
	}

	i.wg.Add(1)
	go i.eventLoop(client)

	return nil
}

// Stop signals the interceptor for a graceful shutdown. Held HTLCs whose
// bounded wait is interrupted are failed back.
func (i *Interceptor) Stop() {
	if !atomic.CompareAndSwapUint32(&i.stopped, 0, 1) {
		return
	}

	close(i.quit)
	i.wg.Wait()
}

func (i *Interceptor) eventLoop(client *subscribe.Client) {
	defer i.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}
			if event, ok := update.(notifier.ChannelReadyEvent); ok {
				i.onChannelReady(event)
			}

		case <-client.Quit():
			return

		case <-i.quit:
			return
		}
	}
}

// RegisterLiquidityRequest binds a fake SCID to a recipient and the policy
// its JIT channel must be sized by. A later registration for the same SCID
// replaces the earlier one.
func (i *Interceptor) RegisterLiquidityRequest(scid uint64,
	req *chantypes.LiquidityRequest) {

	i.mtx.Lock()
	defer i.mtx.Unlock()

	i.requests[scid] = req

	log.Debugf("Registered liquidity request for scid %d (trader %x, "+
		"fee %v)", scid, req.Trader.SerializeCompressed(), req.FeeSats)
}

// DeregisterScid removes a fake SCID binding.
func (i *Interceptor) DeregisterScid(scid uint64) {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	delete(i.requests, scid)
}

// OnHtlcIntercepted hands one intercepted HTLC to the engine. The decision
// runs in its own goroutine so a bounded offline wait never blocks the
// caller's event stream.
func (i *Interceptor) OnHtlcIntercepted(htlc chantypes.InterceptedHtlc) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.handleIntercept(htlc)
	}()
}

func (i *Interceptor) handleIntercept(htlc chantypes.InterceptedHtlc) {
	held := &heldHtlc{htlc: htlc}

	i.mtx.Lock()
	req, ok := i.requests[htlc.Scid]
	i.mtx.Unlock()
	if !ok {
		i.failHtlc(held, chantypes.HtlcFailed, ErrNoLiquidityRequest)
		return
	}

	key := pendingKey{scid: htlc.Scid}
	copy(key.trader[:], req.Trader.SerializeCompressed())

	// Redelivery of the interception event while an open is already in
	// flight must not open a second channel. The open in flight adopts
	// the fresh intercept handle; channel ready resolves it. The key is
	// reserved before the engine is asked to open anything, so two
	// concurrent deliveries of the same HTLC cannot both take the open
	// path.
	i.mtx.Lock()
	if open, ok := i.pending[key]; ok {
		if open.held.htlc.PaymentHash == htlc.PaymentHash {
			open.held = held
			i.mtx.Unlock()

			log.Debugf("Adopted redelivered HTLC %x into pending "+
				"open for scid %d", htlc.PaymentHash,
				htlc.Scid)
			return
		}
		i.mtx.Unlock()

		// A different payment cannot ride the same pending open.
		i.failHtlc(held, chantypes.HtlcFailed, fmt.Errorf("open "+
			"already pending for scid %d", htlc.Scid))
		return
	}
	open := &pendingOpen{
		key:           key,
		userChannelID: req.UserChannelID,
		held:          held,
	}
	i.pending[key] = open
	i.mtx.Unlock()

	// A crash between the open and the forward leaves a pending shadow
	// record behind but an empty in-memory map. Redelivery after the
	// restart adopts the durable open instead of opening again.
	if i.adoptDurableOpen(open, req) {
		return
	}

	// Fast path: an existing channel with enough inbound capacity.
	chanID, err := i.cfg.Engine.UsableChannel(
		req.Trader, htlc.IncomingAmountMsat,
	)
	if err != nil {
		i.failPending(key, chantypes.HtlcFailed, err)
		return
	}
	if chanID != nil {
		log.Debugf("Forwarding HTLC %x over existing channel %v",
			htlc.PaymentHash, chanID)
		if cur := i.releasePending(key); cur != nil {
			i.forwardHtlc(cur, chantypes.HtlcForwarded,
				htlc.OutgoingAmountMsat)
		}
		return
	}

	amountSat := btcutil.Amount(htlc.IncomingAmountMsat / 1000)
	if amountSat > req.MaxDepositSats {
		i.failPending(key, chantypes.HtlcFailed, ErrAmountExceedsLimit)
		return
	}

	fee := amountSat * btcutil.Amount(i.cfg.FeeRateBasisPoints) / 10_000
	feeMsat := uint64(fee) * 1000
	if feeMsat >= htlc.OutgoingAmountMsat {
		i.failPending(key, chantypes.HtlcFailed, ErrAmountTooSmall)
		return
	}

	// Recorded on the reservation before the open so a fast channel
	// ready event always forwards with the fee withheld.
	i.mtx.Lock()
	open.feeMsat = feeMsat
	i.mtx.Unlock()

	if !i.waitForPeer(req.Trader) {
		i.failPending(key, chantypes.HtlcTimedOut, ErrRecipientOffline)
		return
	}

	capacity := btcutil.Amount(i.cfg.LiquidityMultiplier)*amountSat - fee

	fundingTxid, err := i.cfg.Engine.OpenJitChannel(
		req.Trader, req.UserChannelID, capacity,
	)
	if err != nil {
		i.failPending(key, chantypes.HtlcFailed, err)
		return
	}
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.RecordJitOpen(capacity)
	}

	i.mtx.Lock()
	open.fundingTxid = *fundingTxid
	i.mtx.Unlock()

	now := i.cfg.Clock.Now()
	err = i.cfg.DB.UpsertChannel(&chantypes.Channel{
		UserChannelID: req.UserChannelID,
		Counterparty:  req.Trader,
		FundingTxid:   fundingTxid,
		Capacity:      capacity,
		LocalBalance:  capacity,
		FeeSats:       fee,
		State:         chantypes.ChannelPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		// The open is already in flight; the shadow record is repaired
		// by the channel sync job.
		log.Warnf("Unable to record pending channel %v: %v",
			req.UserChannelID, err)
	}

	_, err = i.cfg.Funding.IssueFundingInvoice(
		fee, *fundingTxid, i.cfg.InvoiceExpiry,
	)
	if err != nil {
		// The fee is withheld from the forwarded amount; the invoice
		// is correlation bookkeeping.
		log.Warnf("Unable to issue fee invoice for funding tx %v: %v",
			fundingTxid, err)
	}

	log.Infof("Opening JIT channel to %x: capacity %v, fee %v, funding "+
		"tx %v (holding HTLC %x)", req.Trader.SerializeCompressed(),
		capacity, fee, fundingTxid, htlc.PaymentHash)
}

// adoptDurableOpen checks the shadow store for a JIT open that was already
// in flight before a restart. If a pending record for the trader exists the
// reservation is bound to it and the held HTLC waits for the channel ready
// event of the earlier open.
func (i *Interceptor) adoptDurableOpen(open *pendingOpen,
	req *chantypes.LiquidityRequest) bool {

	channel, err := i.cfg.DB.GetChannel(req.UserChannelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warnf("Unable to check shadow state for channel "+
				"%v: %v", req.UserChannelID, err)
		}
		return false
	}
	if channel.State != chantypes.ChannelPending ||
		channel.FundingTxid == nil ||
		!channel.Counterparty.IsEqual(req.Trader) {

		return false
	}

	i.mtx.Lock()
	open.fundingTxid = *channel.FundingTxid
	open.feeMsat = uint64(channel.FeeSats) * 1000
	hash := open.held.htlc.PaymentHash
	i.mtx.Unlock()

	log.Infof("Adopted durable pending open %v (funding tx %v), holding "+
		"HTLC %x until the channel is ready", req.UserChannelID,
		channel.FundingTxid, hash)

	return true
}

// releasePending drops the reservation for the key and returns the HTLC it
// currently holds, which a redelivery may have swapped in the meantime.
func (i *Interceptor) releasePending(key pendingKey) *heldHtlc {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	open, ok := i.pending[key]
	if !ok {
		return nil
	}
	delete(i.pending, key)

	return open.held
}

// failPending releases the reservation and fails its held HTLC back.
func (i *Interceptor) failPending(key pendingKey,
	res chantypes.HtlcResolution, cause error) {

	if cur := i.releasePending(key); cur != nil {
		i.failHtlc(cur, res, cause)
	}
}

// waitForPeer blocks until the recipient is connected, the bounded wait
// expires or the interceptor shuts down.
func (i *Interceptor) waitForPeer(trader *btcec.PublicKey) bool {
	deadline := i.cfg.Clock.Now().Add(i.cfg.OfflineTimeout)

	for {
		if i.cfg.Peers.IsConnected(trader) {
			return true
		}
		if !i.cfg.Clock.Now().Before(deadline) {
			return false
		}

		select {
		case <-time.After(i.cfg.PollInterval):

		case <-i.quit:
			return false
		}
	}
}

// onChannelReady resolves the pending open whose JIT channel just became
// usable: the shadow record is promoted and the held HTLC is forwarded with
// the opening fee withheld.
func (i *Interceptor) onChannelReady(event notifier.ChannelReadyEvent) {
	i.mtx.Lock()
	var open *pendingOpen
	for key, p := range i.pending {
		if p.userChannelID == event.UserChannelID {
			open = p
			delete(i.pending, key)
			break
		}
	}
	i.mtx.Unlock()

	if open == nil {
		// Not a JIT open of ours.
		return
	}

	channel, err := i.cfg.DB.GetChannel(event.UserChannelID)
	if err == nil {
		channel.ChannelID = event.ChannelID
		channel.State = chantypes.ChannelOpen
		channel.UpdatedAt = i.cfg.Clock.Now()
		if err := i.cfg.DB.UpsertChannel(channel); err != nil {
			log.Warnf("Unable to promote channel %v: %v",
				event.UserChannelID, err)
		}
	} else {
		log.Warnf("No shadow record for ready channel %v: %v",
			event.UserChannelID, err)
	}

	outgoing := open.held.htlc.OutgoingAmountMsat - open.feeMsat

	log.Infof("JIT channel %v ready, forwarding held HTLC %x (%d msat "+
		"after %d msat fee)", event.ChannelID,
		open.held.htlc.PaymentHash, outgoing, open.feeMsat)

	i.forwardHtlc(open.held, chantypes.HtlcChannelOpened, outgoing)
}

// forwardHtlc resolves a held HTLC by forwarding it. If the engine refuses
// the resume, the HTLC is failed back instead; it is never left held.
func (i *Interceptor) forwardHtlc(held *heldHtlc,
	res chantypes.HtlcResolution, outgoingMsat uint64) {

	if !atomic.CompareAndSwapUint32(&held.resolved, 0, 1) {
		return
	}

	err := i.cfg.Engine.ResumeHtlc(held.htlc.InterceptID, outgoingMsat)
	if err != nil {
		log.Errorf("Unable to forward HTLC %x, failing it back: %v",
			held.htlc.PaymentHash, err)

		if err := i.cfg.Engine.FailHtlc(held.htlc.InterceptID); err != nil {
			log.Errorf("Unable to fail HTLC %x: %v",
				held.htlc.PaymentHash, err)
		}
		i.recordResolution(chantypes.HtlcFailed)
		return
	}

	i.recordResolution(res)
}

// failHtlc resolves a held HTLC by failing it back to the sender.
func (i *Interceptor) failHtlc(held *heldHtlc, res chantypes.HtlcResolution,
	cause error) {

	if !atomic.CompareAndSwapUint32(&held.resolved, 0, 1) {
		return
	}

	log.Infof("Failing back HTLC %x (scid %d): %v", held.htlc.PaymentHash,
		held.htlc.Scid, cause)

	if err := i.cfg.Engine.FailHtlc(held.htlc.InterceptID); err != nil {
		log.Errorf("Unable to fail HTLC %x: %v", held.htlc.PaymentHash,
			err)
	}

	i.recordResolution(res)
}

func (i *Interceptor) recordResolution(res chantypes.HtlcResolution) {
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.RecordHtlcResolution(res)
	}
}
