package dlcchan

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcnode/coordinator/chantypes"
)

// Engine is the DLC manager collaborator. It owns signing, verification and
// on-chain publication; the state machine in this package owns ordering,
// persistence and idempotence. Implementations must not assume any call
// ordering beyond what the state machine guarantees: at most one in-flight
// transition per channel.
type Engine interface {
	// NewChannelOffer builds the signed offer material for a new channel
	// with the given terms, returning the temporary channel id and the
	// opaque offer payload.
	NewChannelOffer(counterparty []byte,
		terms *chantypes.ContractTerms) (chantypes.ChannelID, []byte,
		error)

	// VerifyMessage checks the cryptographic validity of an inbound
	// message against the channel's current material. A verification
	// failure is permanent; the state machine never retries it.
	VerifyMessage(channelPayload []byte, msg *chantypes.DlcMessage) error

	// BuildMessage produces the signed payload for an outbound message
	// of the given kind at the given update index.
	BuildMessage(channelPayload []byte, kind chantypes.DlcMessageKind,
		updateIdx uint64) ([]byte, error)

	// ApplyMessage folds a verified message into the channel's opaque
	// material and returns the updated payload.
	ApplyMessage(channelPayload []byte, msg *chantypes.DlcMessage) (
		[]byte, error)

	// ContractID derives the contract id the given protocol execution
	// established on the channel.
	ContractID(channelPayload []byte,
		protocolID chantypes.ProtocolID) (chantypes.ContractID, error)

	// RevocationSecret discloses the per-update secret for the given
	// index, irreversibly invalidating the commitment at that index.
	RevocationSecret(channelPayload []byte, updateIdx uint64) ([32]byte,
		error)

	// BroadcastLatestCommitment publishes the latest commitment
	// transaction for the channel and returns its txid.
	BroadcastLatestCommitment(channelPayload []byte) (*chainhash.Hash,
		error)

	// FinalizeCollaborativeClose countersigns and publishes the
	// cooperative close transaction for a channel with a pending close
	// offer, returning its txid.
	FinalizeCollaborativeClose(channelPayload []byte) (*chainhash.Hash,
		error)

	// PeriodicCheck advances any channels with pending but not yet
	// finalized on-chain actions, for example publishing a buffer
	// transaction once enough confirmations accrue. Returned messages
	// are broadcast-only engine actions: they are logged, never sent to
	// a peer and never recorded as a last outbound message.
	PeriodicCheck() ([]*chantypes.DlcMessage, error)
}

// ContractCloseInfo reports a contract the engine considers closed, used by
// the closed-position reconciliation job.
type ContractCloseInfo struct {
	// ContractID identifies the closed contract.
	ContractID chantypes.ContractID

	// PnlSat is the realized profit and loss in satoshis from the
	// coordinator's perspective counterparty.
	PnlSat int64

	// ClosingPrice is the price the contract settled at.
	ClosingPrice float64
}

// ContractReader is the read-only engine surface the reconciliation jobs
// use to detect contracts that closed out-of-band.
type ContractReader interface {
	// ClosedContract returns close information for the given contract,
	// or nil if the engine still considers it open.
	ClosedContract(id chantypes.ContractID) (*ContractCloseInfo, error)
}
