package protocol

import "errors"

var (
	ErrNoSessionToEnd  = errors.New("no live session to end")
	ErrNoLiveSession   = errors.New("no live session for user")
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionMismatch = errors.New("client version mismatch")

	// More than one stale live session for one user means the store and
	// reality have diverged; logged, never handled silently.
	ErrTooManyLiveSessions = errors.New("multiple live sessions for user")
)
