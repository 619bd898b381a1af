package coordinator

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/dlcchan"
	"github.com/dlcnode/coordinator/store"
)

// EmergencyKit bundles the operator-only recovery actions. None of them run
// automatically; each is an explicit manual intervention for a flow that is
// stuck beyond what reconnect and reconciliation can repair.
type EmergencyKit struct {
	handler *dlcchan.Handler
	db      store.Store
}

// ResendLastMessage re-delivers the peer's recorded last outbound message
// byte for byte.
func (k *EmergencyKit) ResendLastMessage(peer *btcec.PublicKey) error {
	log.Warnf("Emergency kit: resending last message to %x",
		peer.SerializeCompressed())

	return k.handler.ResendLastMessage(peer)
}

// FailProtocol force-marks a protocol execution failed. Used when the
// counterparty abandoned a round mid-flight and the pending record blocks
// bookkeeping; the channel state itself is untouched.
func (k *EmergencyKit) FailProtocol(id chantypes.ProtocolID) error {
	record, err := k.db.GetProtocol(id)
	if err != nil {
		return fmt.Errorf("unknown protocol %v: %w", id, err)
	}
	if record.State != chantypes.ProtocolPending {
		return fmt.Errorf("protocol %v is %v, not pending", id,
			record.State)
	}

	log.Warnf("Emergency kit: failing protocol %v (type %v, channel %v)",
		id, record.Type, record.ChannelID)

	return k.db.SetProtocolFailed(id)
}

// DeleteLastOutboundMessage clears the peer's recorded last outbound
// message so a corrupt record can no longer be resent.
func (k *EmergencyKit) DeleteLastOutboundMessage(
	peer *btcec.PublicKey) error {

	log.Warnf("Emergency kit: clearing last outbound message for %x",
		peer.SerializeCompressed())

	return k.db.UpsertLastOutboundMessage(peer, nil)
}
