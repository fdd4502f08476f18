package engine

import "errors"

// Sentinel errors returned by the engine's public surface. Stage-level
// failures travel as SessionError values instead, carrying an ErrorKind.
var (
	ErrNotFound     = errors.New("session not found")
	ErrClosed       = errors.New("engine closed")
	ErrSessionLimit = errors.New("session limit reached")
)
