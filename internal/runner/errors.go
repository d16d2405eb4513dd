package runner

import "errors"

// Sentinel errors the gateway maps to stable API codes. Anything else that
// escapes the runner is an internal error.
var (
	// ErrValidation rejects a malformed or unsafe request before any
	// stream byte is written.
	ErrValidation = errors.New("invalid request")

	// ErrCapacity reports the per-instance concurrent runner cap.
	ErrCapacity = errors.New("streaming capacity exhausted")

	// ErrSessionBusy reports that another runner is streaming the session,
	// on this instance or any other.
	ErrSessionBusy = errors.New("session has an active stream")

	// ErrSessionTerminal rejects queries against completed or errored
	// sessions.
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrCacheUnavailable aborts a request that cannot register its active
	// marker. Running without the marker would allow two concurrent
	// streams for one session.
	ErrCacheUnavailable = errors.New("cache unavailable")
)
