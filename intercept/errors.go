package intercept

import "errors"

var (
	// ErrNoLiquidityRequest is returned when an intercepted HTLC routes
	// towards a fake SCID no recipient was registered for.
	ErrNoLiquidityRequest = errors.New("no liquidity request for scid")

	// ErrAmountExceedsLimit is returned when the incoming amount exceeds
	// the deposit cap the recipient registered.
	ErrAmountExceedsLimit = errors.New("amount exceeds registered deposit " +
		"limit")

	// ErrAmountTooSmall is returned when the incoming amount does not
	// cover the channel opening fee.
	ErrAmountTooSmall = errors.New("amount does not cover opening fee")

	// ErrRecipientOffline is returned when the recipient did not come
	// online within the bounded wait.
	ErrRecipientOffline = errors.New("recipient offline beyond wait")

	// ErrInsufficientLiquidity is returned by the channel engine when the
	// coordinator cannot fund the requested capacity. The held HTLC is
	// failed back promptly rather than held.
	ErrInsufficientLiquidity = errors.New("insufficient coordinator " +
		"liquidity")
)
