package discovery

import "errors"

var (
	// ErrNotFound is returned by lookups for an agent id/name that is not
	// registered.
	ErrNotFound = errors.New("discovery: agent not found")
	// ErrAlreadyExists is returned by Register when the requested name is
	// already held by another agent.
	ErrAlreadyExists = errors.New("discovery: agent name already registered")
	// ErrInvalidArgument is returned for malformed registration input.
	ErrInvalidArgument = errors.New("discovery: invalid argument")
)
