package identity

import "errors"

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong
	// password so callers cannot tell which one failed.
	ErrInvalidCredentials = errors.New("identity: invalid username or password")
	ErrAccountInactive    = errors.New("identity: user account is inactive")
	ErrPasswordExpired    = errors.New("identity: password has expired")
	ErrPasswordReused     = errors.New("identity: password was previously used")
	ErrNotFound           = errors.New("identity: not found")
	ErrConflict           = errors.New("identity: already exists")
	ErrInvalidInput       = errors.New("identity: invalid input")
	ErrInvalidResetToken  = errors.New("identity: invalid or expired reset token")
)
