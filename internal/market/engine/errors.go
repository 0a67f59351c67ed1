package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a listing or bid does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a state machine transition is
	// not permitted. No state is mutated.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyAccepted is returned when the listing has already been sold.
	// It also matches ErrInvalidTransition.
	ErrAlreadyAccepted = fmt.Errorf("%w: listing already sold", ErrInvalidTransition)

	// ErrListingInactive is returned for a listing that is expired or
	// cancelled, or past its expiry time.
	ErrListingInactive = fmt.Errorf("%w: listing is not active", ErrInvalidTransition)

	// ErrBidNotPending is returned when a bid has already left PENDING.
	ErrBidNotPending = fmt.Errorf("%w: bid is not pending", ErrInvalidTransition)

	// ErrBidExpired is returned when a PENDING bid is at or past its expiry
	// time. It also matches ErrBidNotPending.
	ErrBidExpired = fmt.Errorf("%w: bid has expired", ErrBidNotPending)

	// ErrBidListingMismatch is returned when a bid belongs to another listing.
	ErrBidListingMismatch = errors.New("bid does not belong to listing")

	// ErrBelowFloor is returned when a bid is under the listing's minimum price.
	ErrBelowFloor = errors.New("bid below minimum price")

	// ErrForbidden is returned when the caller may not act on the listing.
	ErrForbidden = errors.New("forbidden")

	// ErrBusy is returned when the listing lock could not be acquired in
	// time after one retry. The caller may retry.
	ErrBusy = errors.New("listing busy, try again")
)
