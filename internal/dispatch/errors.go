package dispatch

import "errors"

var (
	// ErrRideNotAssignable: the ride was already assigned or terminal at
	// commit time. Someone else handled it; do not retry the same ride.
	ErrRideNotAssignable = errors.New("ride not assignable")

	// ErrDriverUnavailable: the target driver was not online at commit time.
	// Recoverable by retrying with the next ranked candidate.
	ErrDriverUnavailable = errors.New("driver unavailable")
)
