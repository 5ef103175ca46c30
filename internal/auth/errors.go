package auth

import "errors"

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: already exists")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrInvalidRef     = errors.New("auth: invalid reference")
	ErrNotImplemented = errors.New("auth: not implemented")

	// ErrInvalidCredentials covers unknown users, inactive users and wrong
	// passwords alike so callers cannot tell them apart.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserInactive       = errors.New("auth: user not found or inactive")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")

	ErrCurrentPasswordMismatch = errors.New("auth: current password is incorrect")

	ErrUnauthenticated = errors.New("auth: authentication required")
	ErrScopeRequired   = errors.New("auth: scope id required")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrLicenseRequired = errors.New("auth: valid license required")
)
