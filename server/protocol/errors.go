package protocol

import "errors"

var (
	// errNoStoredUser reports a login attempt for an unknown username.
	errNoStoredUser = errors.New("no such user")
	// errUserTaken reports a registration attempt for a taken username.
	errUserTaken = errors.New("username already used")
)
