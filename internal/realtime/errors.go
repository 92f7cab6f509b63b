package realtime

import "errors"

var (
	// ErrRealtimeUnavailable means the provider could not be reached after one
	// reset and retry. The underlying cause is wrapped.
	ErrRealtimeUnavailable = errors.New("realtime provider unavailable")
	// ErrClosed is returned by every method after Shutdown.
	ErrClosed = errors.New("realtime manager closed")
	// ErrTimeout means the engine did not accept or finish the call in time.
	ErrTimeout = errors.New("realtime call timed out")
	// ErrNoPendingTools is returned by SendToolResults when no turn awaits tool output.
	ErrNoPendingTools = errors.New("no turn awaiting tool results")
	// ErrNoSession is returned when a call needs a session and none was ever opened.
	ErrNoSession = errors.New("no realtime session configured")
	// ErrUnknownTurn is returned by Await for a turn that already finished or
	// never existed.
	ErrUnknownTurn = errors.New("unknown or finished turn")
	// ErrSessionExpired is the error carried by a turn cancelled because the
	// provider expired the session.
	ErrSessionExpired = errors.New("realtime session expired")
	// ErrConnectionLost is the error carried by a turn cancelled because the
	// connection dropped.
	ErrConnectionLost = errors.New("realtime connection lost")
)
