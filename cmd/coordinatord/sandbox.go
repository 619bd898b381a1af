package main

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/dlcnode/coordinator/chanfunding"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/coordinator"
	"github.com/dlcnode/coordinator/dlcchan"
	"github.com/dlcnode/coordinator/reconciler"
)

// sandboxNode is a loopback Lightning engine for running the daemon without
// a node backend attached: every peer is connected, channel opens succeed
// instantly and HTLC resolutions only hit the log. Useful for exercising
// the coordinator wiring end to end on a dev box.
type sandboxNode struct {
	log btclog.Logger

	mtx      sync.Mutex
	openSeq  uint64
	channels map[chantypes.ChannelID]reconciler.ChannelDetails
}

func newSandboxNode(log btclog.Logger) *sandboxNode {
	return &sandboxNode{
		log:      log,
		channels: make(map[chantypes.ChannelID]reconciler.ChannelDetails),
	}
}

// UsableChannel reports no pre-existing channels so every interception
// takes the JIT open path.
func (n *sandboxNode) UsableChannel(_ *btcec.PublicKey, _ uint64) (
	*chantypes.ChannelID, error) {

	return nil, nil
}

func (n *sandboxNode) OpenJitChannel(trader *btcec.PublicKey,
	userChannelID chantypes.ProtocolID,
	capacity btcutil.Amount) (*chainhash.Hash, error) {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.openSeq++

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n.openSeq)
	txid := chainhash.Hash(sha256.Sum256(seq[:]))

	channelID := chantypes.ChannelID(sha256.Sum256(txid[:]))
	n.channels[channelID] = reconciler.ChannelDetails{
		ChannelID:    channelID,
		Capacity:     capacity,
		LocalBalance: capacity,
	}

	n.log.Infof("Sandbox: opened %v channel %v to %x (user id %v, "+
		"funding %v)", capacity, channelID,
		trader.SerializeCompressed(), userChannelID, txid)

	return &txid, nil
}

func (n *sandboxNode) ResumeHtlc(interceptID [32]byte,
	outgoingAmountMsat uint64) error {

	n.log.Infof("Sandbox: resumed HTLC %x forwarding %v msat", interceptID,
		outgoingAmountMsat)

	return nil
}

func (n *sandboxNode) FailHtlc(interceptID [32]byte) error {
	n.log.Infof("Sandbox: failed HTLC %x back", interceptID)

	return nil
}

func (n *sandboxNode) CreateInvoice(amountMsat uint64, description string,
	_ time.Duration) (*chanfunding.Invoice, error) {

	return &chanfunding.Invoice{
		PaymentHash:    sha256.Sum256([]byte(description)),
		PaymentRequest: fmt.Sprintf("lnsandbox%d", amountMsat),
	}, nil
}

func (n *sandboxNode) IsConnected(_ *btcec.PublicKey) bool {
	return true
}

func (n *sandboxNode) ChannelDetails(id chantypes.ChannelID) (
	*reconciler.ChannelDetails, error) {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	details, ok := n.channels[id]
	if !ok {
		return nil, nil
	}

	return &details, nil
}

func (n *sandboxNode) SendMessage(peer *btcec.PublicKey,
	serialized []byte) error {

	n.log.Debugf("Sandbox: dropping %d byte message to %x",
		len(serialized), peer.SerializeCompressed())

	return nil
}

// sandboxDlcEngine is a deterministic stand-in for the contract engine.
// Channel material is the running hash of everything applied to it, so the
// state machine's ordering and idempotence can be observed without any real
// cryptography underneath.
type sandboxDlcEngine struct{}

func (e *sandboxDlcEngine) chain(payload []byte, tags ...[]byte) []byte {
	h := sha256.New()
	h.Write(payload)
	for _, tag := range tags {
		h.Write(tag)
	}

	return h.Sum(nil)
}

func (e *sandboxDlcEngine) NewChannelOffer(counterparty []byte,
	terms *chantypes.ContractTerms) (chantypes.ChannelID, []byte, error) {

	var expiry [8]byte
	binary.BigEndian.PutUint64(
		expiry[:], uint64(terms.Expiry.UnixNano()),
	)
	payload := e.chain(nil, counterparty, expiry[:])

	return chantypes.ChannelID(sha256.Sum256(payload)), payload, nil
}

func (e *sandboxDlcEngine) VerifyMessage(_ []byte,
	_ *chantypes.DlcMessage) error {

	return nil
}

func (e *sandboxDlcEngine) BuildMessage(channelPayload []byte,
	kind chantypes.DlcMessageKind, updateIdx uint64) ([]byte, error) {

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], updateIdx)

	return e.chain(channelPayload, []byte{byte(kind)}, idx[:]), nil
}

func (e *sandboxDlcEngine) ApplyMessage(channelPayload []byte,
	msg *chantypes.DlcMessage) ([]byte, error) {

	hash := msg.Hash()

	return e.chain(channelPayload, hash[:]), nil
}

func (e *sandboxDlcEngine) ContractID(channelPayload []byte,
	protocolID chantypes.ProtocolID) (chantypes.ContractID, error) {

	return chantypes.ContractID(sha256.Sum256(
		e.chain(channelPayload, protocolID[:]),
	)), nil
}

func (e *sandboxDlcEngine) RevocationSecret(channelPayload []byte,
	updateIdx uint64) ([32]byte, error) {

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], updateIdx)

	return sha256.Sum256(e.chain(channelPayload, idx[:])), nil
}

func (e *sandboxDlcEngine) BroadcastLatestCommitment(
	channelPayload []byte) (*chainhash.Hash, error) {

	txid := chainhash.Hash(sha256.Sum256(channelPayload))

	return &txid, nil
}

func (e *sandboxDlcEngine) FinalizeCollaborativeClose(
	channelPayload []byte) (*chainhash.Hash, error) {

	txid := chainhash.Hash(
		sha256.Sum256(e.chain(channelPayload, []byte("close"))),
	)

	return &txid, nil
}

func (e *sandboxDlcEngine) PeriodicCheck() ([]*chantypes.DlcMessage, error) {
	return nil, nil
}

func (e *sandboxDlcEngine) ClosedContract(_ chantypes.ContractID) (
	*dlcchan.ContractCloseInfo, error) {

	return nil, nil
}

// Interface assertions for the composites the coordinator consumes.
var (
	_ coordinator.LightningEngine = (*sandboxNode)(nil)
	_ dlcchan.Engine              = (*sandboxDlcEngine)(nil)
	_ dlcchan.ContractReader      = (*sandboxDlcEngine)(nil)
)
