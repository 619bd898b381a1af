package chanfunding

import (
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// mockInvoices derives deterministic payment hashes from the description.
type mockInvoices struct {
	mtx sync.Mutex

	err     error
	created []string
}

func (m *mockInvoices) CreateInvoice(amountMsat uint64, description string,
	expiry time.Duration) (*Invoice, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, description)

	return &Invoice{
		PaymentHash:    sha256.Sum256([]byte(description)),
		PaymentRequest: "lnbcrt1" + description[:8],
	}, nil
}

type testHarness struct {
	t *testing.T

	tracker  *Tracker
	invoices *mockInvoices
	db       *store.MemoryStore
	ntfns    *notifier.NodeNotifier

	trader *btcec.PublicKey
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ntfns := notifier.New()
	require.NoError(t, ntfns.Start())
	t.Cleanup(ntfns.Stop)

	h := &testHarness{
		t:        t,
		invoices: &mockInvoices{},
		db:       store.NewMemoryStore(),
		ntfns:    ntfns,
		trader:   priv.PubKey(),
	}
	h.tracker = NewTracker(TrackerConfig{
		Invoices: h.invoices,
		DB:       h.db,
		Notifier: ntfns,
		Clock:    clock.NewTestClock(testTime),
	})
	require.NoError(t, h.tracker.Start())
	t.Cleanup(h.tracker.Stop)

	return h
}

// pendingChannel seeds a pending shadow channel with the given funding
// txid.
func (h *testHarness) pendingChannel(txid chainhash.Hash) chantypes.ProtocolID {
	h.t.Helper()

	id := chantypes.NewProtocolID()
	err := h.db.UpsertChannel(&chantypes.Channel{
		UserChannelID: id,
		Counterparty:  h.trader,
		FundingTxid:   &txid,
		Capacity:      100_000,
		FeeSats:       50,
		State:         chantypes.ChannelPending,
		CreatedAt:     testTime,
		UpdatedAt:     testTime,
	})
	require.NoError(h.t, err)

	return id
}

// TestIssueFundingInvoice asserts the description embeds the funding txid
// and the channel record is stamped with the payment hash.
func TestIssueFundingInvoice(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	txid := chainhash.Hash{0xfd, 0x01}
	id := h.pendingChannel(txid)

	payReq, err := h.tracker.IssueFundingInvoice(50, txid, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, payReq)

	require.Len(t, h.invoices.created, 1)
	description := h.invoices.created[0]
	require.True(t, strings.HasPrefix(description, DescriptionPrefix))
	require.Equal(t, DescriptionPrefix+txid.String(), description)

	channel, err := h.db.GetChannel(id)
	require.NoError(t, err)
	require.NotNil(t, channel.FundingPaymentHash)
	require.Equal(t, sha256.Sum256([]byte(description)),
		*channel.FundingPaymentHash)
}

// TestIssueInvoiceUnknownChannel asserts the invoice is still returned when
// no channel matches the funding txid: a failed association is repaired
// later, the invoice must stay collectible.
func TestIssueInvoiceUnknownChannel(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	payReq, err := h.tracker.IssueFundingInvoice(
		50, chainhash.Hash{0xee}, time.Hour,
	)
	require.NoError(t, err)
	require.NotEmpty(t, payReq)
}

// TestIssueInvoiceCreateFailure asserts an invoice backend failure is
// surfaced to the caller.
func TestIssueInvoiceCreateFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.invoices.err = errors.New("backend down")

	_, err := h.tracker.IssueFundingInvoice(
		50, chainhash.Hash{0xee}, time.Hour,
	)
	require.Error(t, err)
}

// TestPaymentClaimedAssociates asserts a claimed fee invoice writes the
// payment record and stamps the channel in one unit.
func TestPaymentClaimedAssociates(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	txid := chainhash.Hash{0xfd, 0x02}
	id := h.pendingChannel(txid)

	description := DescriptionPrefix + txid.String()
	hash := sha256.Sum256([]byte(description))
	h.ntfns.NotifyPaymentClaimed(hash, 50_000, description)

	require.Eventually(t, func() bool {
		_, err := h.db.GetPayment(hash)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	payment, err := h.db.GetPayment(hash)
	require.NoError(t, err)
	require.Equal(t, chantypes.PaymentKindJitFee, payment.Kind)
	require.EqualValues(t, 50_000, payment.AmountMsat)

	channel, err := h.db.GetChannel(id)
	require.NoError(t, err)
	require.NotNil(t, channel.FundingPaymentHash)
	require.Equal(t, hash, *channel.FundingPaymentHash)
}

// TestPaymentClaimedUnknownTxid asserts a claim referencing no known
// channel writes nothing and does not disturb the tracker.
func TestPaymentClaimedUnknownTxid(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	unknown := chainhash.Hash{0xab}
	description := DescriptionPrefix + unknown.String()
	hash := sha256.Sum256([]byte(description))
	h.ntfns.NotifyPaymentClaimed(hash, 50_000, description)

	// A later, valid claim still goes through.
	txid := chainhash.Hash{0xfd, 0x03}
	h.pendingChannel(txid)
	validDescription := DescriptionPrefix + txid.String()
	validHash := sha256.Sum256([]byte(validDescription))
	h.ntfns.NotifyPaymentClaimed(validHash, 60_000, validDescription)

	require.Eventually(t, func() bool {
		_, err := h.db.GetPayment(validHash)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	_, err := h.db.GetPayment(hash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestPaymentClaimedForeignDescription asserts ordinary payments are not
// treated as fee claims.
func TestPaymentClaimedForeignDescription(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	txid := chainhash.Hash{0xfd, 0x04}
	h.pendingChannel(txid)

	hash := sha256.Sum256([]byte("coffee"))
	h.ntfns.NotifyPaymentClaimed(hash, 10_000, "coffee")

	// Give the event loop a moment, then confirm nothing was written.
	time.Sleep(50 * time.Millisecond)
	_, err := h.db.GetPayment(hash)
	require.ErrorIs(t, err, store.ErrNotFound)
}
