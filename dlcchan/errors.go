package dlcchan

import (
	"errors"
)

var (
	// ErrChannelNotFound is returned when no sub-channel exists with the
	// requested id.
	ErrChannelNotFound = errors.New("sub-channel not found")

	// ErrPeerUnreachable is returned when an operation requires the
	// counterparty to be connected and it is not.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrInvalidTerms is returned when offered contract terms violate
	// collateral or expiry constraints.
	ErrInvalidTerms = errors.New("invalid contract terms")

	// ErrStaleUpdate is returned when a message carries an update index
	// at or below the channel's current index. Stale messages are
	// rejected without mutating state so an old revocation secret can
	// never roll the channel back.
	ErrStaleUpdate = errors.New("stale update index")

	// ErrUnexpectedMessage is returned when a message kind is not valid
	// for the channel's current state.
	ErrUnexpectedMessage = errors.New("unexpected message for channel " +
		"state")

	// ErrPendingOperation is returned when a settle or renew is
	// requested while another operation is in flight on the channel.
	// Only one protocol transition may be in flight per channel.
	ErrPendingOperation = errors.New("operation already in flight")

	// ErrChannelNotReady is returned when an operation requires the
	// channel to be in an established signed state.
	ErrChannelNotReady = errors.New("channel not in an established state")

	// ErrRevokedSecret is returned when a commitment publish is
	// attempted for an update index whose secret has been revoked.
	ErrRevokedSecret = errors.New("commitment revoked")
)
