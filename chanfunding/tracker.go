package chanfunding

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/subscribe"
	"github.com/lightningnetwork/lnd/clock"
)

// DescriptionPrefix starts every JIT opening fee invoice description. The
// funding txid follows so the channel can be recovered from the payment
// hash alone once the invoice settles.
const DescriptionPrefix = "JIT channel opening fee for funding tx "

// Invoice is a created payment request.
type Invoice struct {
	// PaymentHash identifies the invoice.
	PaymentHash [32]byte

	// PaymentRequest is the encoded invoice handed to the payer.
	PaymentRequest string
}

// InvoiceCreator is the Lightning engine surface the tracker needs.
type InvoiceCreator interface {
	// CreateInvoice creates an invoice for the given amount with the
	// given description.
	CreateInvoice(amountMsat uint64, description string,
		expiry time.Duration) (*Invoice, error)
}

// TrackerConfig assembles the dependencies of the Tracker.
type TrackerConfig struct {
	// Invoices creates fee invoices.
	Invoices InvoiceCreator

	// DB persists payments and channel records.
	DB store.Store

	// Notifier is the event source for payment claims.
	Notifier *notifier.NodeNotifier

	// Clock is the time source.
	Clock clock.Clock
}

// Tracker bridges the uncorrelated events "funding invoice paid" and
// "funding transaction confirmed" back to the channel open they belong to.
// The funding txid travels inside the invoice description, so the claim
// event alone is enough to find the channel again after a restart.
type Tracker struct {
	started uint32
	stopped uint32

	cfg TrackerConfig

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewTracker creates a Tracker from the given config.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start subscribes to payment claim events and launches the event loop.
func (t *Tracker) Start() error {
	if !atomic.CompareAndSwapUint32(&t.started, 0, 1) {
		return nil
	}

	client, err := t.cfg.Notifier.SubscribeEventsReliable()
	if err != nil {
		return err
	}

	t.wg.Add(1)
	go t.eventLoop(client)

	return nil
}

// Stop signals the tracker for a graceful shutdown.
func (t *Tracker) Stop() {
	if !atomic.CompareAndSwapUint32(&t.stopped, 0, 1) {
		return
	}

	close(t.quit)
	t.wg.Wait()
}

func (t *Tracker) eventLoop(client *subscribe.Client) {
	defer t.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}
			if event, ok := update.(notifier.PaymentClaimedEvent); ok {
				t.onPaymentClaimed(event)
			}

		case <-client.Quit():
			return

		case <-t.quit:
			return
		}
	}
}

// IssueFundingInvoice creates the opening fee invoice for a JIT channel,
// embedding the funding txid in the description. The invoice is returned
// even if stamping the channel record fails; the invoice must remain
// collectible and the association is repaired on claim or by
// reconciliation.
func (t *Tracker) IssueFundingInvoice(amount btcutil.Amount,
	fundingTxid chainhash.Hash, expiry time.Duration) (string, error) {

	description := DescriptionPrefix + fundingTxid.String()

	invoice, err := t.cfg.Invoices.CreateInvoice(
		uint64(amount)*1000, description, expiry,
	)
	if err != nil {
		return "", fmt.Errorf("unable to create fee invoice: %w", err)
	}

	err = t.cfg.DB.SetChannelPaymentHash(fundingTxid, invoice.PaymentHash)
	if err != nil {
		log.Warnf("Unable to stamp channel for funding tx %v with "+
			"payment hash %x: %v", fundingTxid,
			invoice.PaymentHash, err)
	}

	log.Infof("Issued %v fee invoice %x for funding tx %v", amount,
		invoice.PaymentHash, fundingTxid)

	return invoice.PaymentRequest, nil
}

// onPaymentClaimed correlates a settled invoice back to its channel. The
// payment record and the channel payment-hash stamp are written as one
// logical unit. A funding txid with no known channel is expected after a
// mid-flow restart and is left to the reconciliation jobs.
func (t *Tracker) onPaymentClaimed(event notifier.PaymentClaimedEvent) {
	if !strings.HasPrefix(event.Description, DescriptionPrefix) {
		return
	}

	encodedTxid := strings.TrimPrefix(event.Description, DescriptionPrefix)
	fundingTxid, err := chainhash.NewHashFromStr(encodedTxid)
	if err != nil {
		log.Warnf("Claimed fee invoice %x has undecodable funding "+
			"txid %q: %v", event.PaymentHash, encodedTxid, err)
		return
	}

	err = t.cfg.DB.AssociateFundingPayment(&chantypes.Payment{
		Hash:        event.PaymentHash,
		AmountMsat:  event.AmountMsat,
		Kind:        chantypes.PaymentKindJitFee,
		Description: event.Description,
		CreatedAt:   t.cfg.Clock.Now(),
	}, *fundingTxid)
	switch {
	case err == store.ErrNotFound:
		log.Infof("Claimed fee invoice %x references unknown funding "+
			"tx %v, leaving for reconciliation",
			event.PaymentHash, fundingTxid)

	case err != nil:
		log.Errorf("Unable to associate fee payment %x with funding "+
			"tx %v: %v", event.PaymentHash, fundingTxid, err)

	default:
		log.Infof("Associated fee payment %x with funding tx %v",
			event.PaymentHash, fundingTxid)
	}
}
