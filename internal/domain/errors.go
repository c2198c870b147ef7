package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid order parameters")
	ErrCapacity          = errors.New("queue at capacity")
	ErrQueueConflict     = errors.New("conflicting opportunity queued")
	ErrExecutionInFlight = errors.New("execution already in flight")
	ErrEngineHalted      = errors.New("engine halted")
	ErrOrderTerminal     = errors.New("order in terminal state")
	ErrLockHeld          = errors.New("lock already held")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrStaleData         = errors.New("market data stale")
)
