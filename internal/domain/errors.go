package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrLockHeld           = errors.New("lock already held")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInstrumentHalted   = errors.New("instrument halted")
	ErrEntryInFlight      = errors.New("entry already in flight")
	ErrPositionExists     = errors.New("position already open")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrVenueUnavailable   = errors.New("venue unavailable")
	ErrRiskLimit          = errors.New("risk limit exceeded")
	ErrQueueFull          = errors.New("submission queue full")
)
