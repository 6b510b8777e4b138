package router

import "errors"

var (
	ErrExists             = errors.New("router: already exists")
	ErrNotFound            = errors.New("router: not found")
	ErrCapacityExceeded    = errors.New("router: capacity exceeded")
	ErrAlreadySubscribed   = errors.New("router: already subscribed")
	ErrInvalidArgument     = errors.New("router: invalid argument")
	// ErrNoInbox is returned by deliver when target has no registered inbox
	// (never registered, or departed without unsubscribing) — distinct from
	// a registered inbox whose ring is full, so callers can treat an
	// unreachable target differently from genuine backpressure.
	ErrNoInbox = errors.New("router: no inbox registered for target")
)
