package darkroom

import "errors"

var (
	// Not found errors.
	ErrJobNotFound         = errors.New("darkroom: job not found")
	ErrAccountNotFound     = errors.New("darkroom: account not found")
	ErrReservationNotFound = errors.New("darkroom: reservation not found")
	ErrEntryNotFound       = errors.New("darkroom: dead-letter entry not found")

	// State errors. Both are conflicts, not crashes: callers should map
	// them to a 409-style rejection and leave the entity untouched.
	ErrInvalidTransition = errors.New("darkroom: invalid state transition")
	ErrTerminalState     = errors.New("darkroom: job is in a terminal state")

	// Callback errors.
	ErrItemOutOfRange = errors.New("darkroom: item index out of range")
	ErrThrottled      = errors.New("darkroom: callback rate limit exceeded")

	// Runtime errors.
	ErrPoolClosed    = errors.New("darkroom: actor pool closed")
	ErrChannelClosed = errors.New("darkroom: dispatch channel closed")
	ErrStoreClosed   = errors.New("darkroom: store closed")
)
