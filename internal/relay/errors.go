package relay

import "errors"

var (
	// ErrChannelNotFound indicates the referenced channel is not registered.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrSecretMismatch indicates the supplied secret does not match the
	// channel's registered secret.
	ErrSecretMismatch = errors.New("channel secret mismatch")
)
