package session

import "errors"

var (
	// ErrBusy is returned when a session is already locked by another
	// operation. Acquire never queues; callers decide whether to retry.
	ErrBusy = errors.New("session busy")

	// ErrNotFound is returned when an operation references a session key
	// that is not tracked by the runtime.
	ErrNotFound = errors.New("session not found")

	// ErrCancelled is returned by UseScoped when the in-flight operation
	// was deliberately interrupted via Cancel. It is distinct from any
	// error the operation body produced on its own.
	ErrCancelled = errors.New("session operation cancelled")
)
