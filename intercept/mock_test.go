package intercept

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
)

type openCall struct {
	trader        *btcec.PublicKey
	userChannelID chantypes.ProtocolID
	capacity      btcutil.Amount
}

type resumeCall struct {
	interceptID  [32]byte
	outgoingMsat uint64
}

// mockLnEngine records every interceptor decision.
type mockLnEngine struct {
	mtx sync.Mutex

	usable    *chantypes.ChannelID
	usableErr error

	fundingTxid chainhash.Hash
	openErr     error
	resumeErr   error

	opens   []openCall
	resumes []resumeCall
	fails   [][32]byte
}

var _ Engine = (*mockLnEngine)(nil)

func newMockLnEngine() *mockLnEngine {
	return &mockLnEngine{
		fundingTxid: chainhash.Hash{0xfd},
	}
}

func (e *mockLnEngine) UsableChannel(trader *btcec.PublicKey,
	inboundMsat uint64) (*chantypes.ChannelID, error) {

	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.usable, e.usableErr
}

func (e *mockLnEngine) OpenJitChannel(trader *btcec.PublicKey,
	userChannelID chantypes.ProtocolID, capacity btcutil.Amount) (
	*chainhash.Hash, error) {

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.openErr != nil {
		return nil, e.openErr
	}

	e.opens = append(e.opens, openCall{
		trader:        trader,
		userChannelID: userChannelID,
		capacity:      capacity,
	})
	txid := e.fundingTxid

	return &txid, nil
}

func (e *mockLnEngine) ResumeHtlc(interceptID [32]byte,
	outgoingMsat uint64) error {

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.resumeErr != nil {
		return e.resumeErr
	}

	e.resumes = append(e.resumes, resumeCall{
		interceptID:  interceptID,
		outgoingMsat: outgoingMsat,
	})

	return nil
}

func (e *mockLnEngine) FailHtlc(interceptID [32]byte) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.fails = append(e.fails, interceptID)

	return nil
}

func (e *mockLnEngine) openCalls() []openCall {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	out := make([]openCall, len(e.opens))
	copy(out, e.opens)

	return out
}

func (e *mockLnEngine) resumeCalls() []resumeCall {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	out := make([]resumeCall, len(e.resumes))
	copy(out, e.resumes)

	return out
}

func (e *mockLnEngine) failCalls() [][32]byte {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	out := make([][32]byte, len(e.fails))
	copy(out, e.fails)

	return out
}

type invoiceCall struct {
	amount btcutil.Amount
	txid   chainhash.Hash
	expiry time.Duration
}

// mockFunding records issued fee invoices.
type mockFunding struct {
	mtx sync.Mutex

	err      error
	invoices []invoiceCall
}

func (f *mockFunding) IssueFundingInvoice(amount btcutil.Amount,
	fundingTxid chainhash.Hash, expiry time.Duration) (string, error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.invoices = append(f.invoices, invoiceCall{
		amount: amount,
		txid:   fundingTxid,
		expiry: expiry,
	})

	return "lnbcrt1mockrequest", nil
}

func (f *mockFunding) invoiceCalls() []invoiceCall {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	out := make([]invoiceCall, len(f.invoices))
	copy(out, f.invoices)

	return out
}

// mockPeers is a PeerRegistry with a single switchable answer.
type mockPeers struct {
	mtx     sync.Mutex
	offline bool
}

func (p *mockPeers) IsConnected(*btcec.PublicKey) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return !p.offline
}

func (p *mockPeers) setOffline(offline bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.offline = offline
}

// mockMetrics counts resolutions and opens.
type mockMetrics struct {
	mtx sync.Mutex

	resolutions map[chantypes.HtlcResolution]int
	jitOpens    []btcutil.Amount
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		resolutions: make(map[chantypes.HtlcResolution]int),
	}
}

func (m *mockMetrics) RecordHtlcResolution(res chantypes.HtlcResolution) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.resolutions[res]++
}

func (m *mockMetrics) RecordJitOpen(capacity btcutil.Amount) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.jitOpens = append(m.jitOpens, capacity)
}

func (m *mockMetrics) resolutionCount(res chantypes.HtlcResolution) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.resolutions[res]
}
