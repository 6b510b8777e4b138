package rbac

import "errors"

var (
	ErrNotFound         = errors.New("rbac: not found")
	ErrAlreadyExists    = errors.New("rbac: user already exists")
	ErrBadCredentials   = errors.New("rbac: bad credentials")
	ErrLocked           = errors.New("rbac: account locked")
	ErrExpired          = errors.New("rbac: session expired")
	ErrPermissionDenied = errors.New("rbac: permission denied")
	ErrInvalidArgument  = errors.New("rbac: invalid argument")
)
