package dlcchan

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
)

// mockEngine is an Engine whose payloads are plain byte strings, letting
// tests observe exactly which primitives the state machine invoked.
type mockEngine struct {
	mtx sync.Mutex

	verifyErr error

	nextChannelID chantypes.ChannelID

	// revoked records every update index whose secret was disclosed.
	revoked []uint64

	// broadcasts counts commitment publications.
	broadcasts int

	// closes counts collaborative close finalizations.
	closes int

	// checkMsgs is returned from PeriodicCheck.
	checkMsgs []*chantypes.DlcMessage

	// checks counts PeriodicCheck invocations.
	checks int
}

var _ Engine = (*mockEngine)(nil)

func newMockEngine() *mockEngine {
	return &mockEngine{
		nextChannelID: chantypes.ChannelID{0x42},
	}
}

func (e *mockEngine) NewChannelOffer(counterparty []byte,
	terms *chantypes.ContractTerms) (chantypes.ChannelID, []byte, error) {

	return e.nextChannelID, []byte("offer"), nil
}

func (e *mockEngine) VerifyMessage(payload []byte,
	msg *chantypes.DlcMessage) error {

	return e.verifyErr
}

func (e *mockEngine) BuildMessage(payload []byte,
	kind chantypes.DlcMessageKind, updateIdx uint64) ([]byte, error) {

	return []byte(kind.String()), nil
}

func (e *mockEngine) ApplyMessage(payload []byte,
	msg *chantypes.DlcMessage) ([]byte, error) {

	return append(payload, byte(msg.Kind)), nil
}

func (e *mockEngine) ContractID(payload []byte,
	protocolID chantypes.ProtocolID) (chantypes.ContractID, error) {

	return chantypes.ContractID(sha256.Sum256(protocolID[:])), nil
}

func (e *mockEngine) RevocationSecret(payload []byte, updateIdx uint64) (
	[32]byte, error) {

	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.revoked = append(e.revoked, updateIdx)

	return sha256.Sum256([]byte{byte(updateIdx)}), nil
}

func (e *mockEngine) BroadcastLatestCommitment(payload []byte) (
	*chainhash.Hash, error) {

	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.broadcasts++
	hash := chainhash.Hash{0xbc, byte(e.broadcasts)}

	return &hash, nil
}

func (e *mockEngine) FinalizeCollaborativeClose(payload []byte) (
	*chainhash.Hash, error) {

	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.closes++
	hash := chainhash.Hash{0xcc, byte(e.closes)}

	return &hash, nil
}

func (e *mockEngine) PeriodicCheck() ([]*chantypes.DlcMessage, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.checks++

	return e.checkMsgs, nil
}

func (e *mockEngine) checkCount() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.checks
}

func (e *mockEngine) revokedIndexes() []uint64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	out := make([]uint64, len(e.revoked))
	copy(out, e.revoked)

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

// mockTransport records every wire delivery.
type mockTransport struct {
	mtx  sync.Mutex
	sent [][]byte
	err  error
}

func (t *mockTransport) SendMessage(peer *btcec.PublicKey,
	serialized []byte) error {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.err != nil {
		return t.err
	}

	cp := make([]byte, len(serialized))
	copy(cp, serialized)
	t.sent = append(t.sent, cp)

	return nil
}

func (t *mockTransport) sentMessages() [][]byte {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	out := make([][]byte, len(t.sent))
	copy(out, t.sent)

	return out
}

var errVerify = errors.New("bad signature")
