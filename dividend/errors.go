package dividend

import "errors"

var (
	// ErrInvalidPool indicates a zero pool or a malformed request.
	ErrInvalidPool = errors.New("dividend: invalid pool")

	// ErrNoStakers indicates the token has no staked holders to pay.
	ErrNoStakers = errors.New("dividend: no stakers")

	// ErrPoolTooSmall indicates the pool is smaller than the total stake,
	// so the per-unit rate would be zero.
	ErrPoolTooSmall = errors.New("dividend: pool too small for total stake")

	// ErrNoPendingDividends indicates the holder has nothing to claim.
	ErrNoPendingDividends = errors.New("dividend: no pending dividends")

	// ErrBelowMinimum indicates the claimable total is below the minimum
	// payout.
	ErrBelowMinimum = errors.New("dividend: below minimum payout")

	// ErrNoDestination indicates no payout destination is known.
	ErrNoDestination = errors.New("dividend: no payout destination")

	// ErrPayoutFailed indicates the payout rail did not settle a claim.
	ErrPayoutFailed = errors.New("dividend: payout failed")
)
