package store

import "errors"

var (
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("duration store closed")

	// ErrUnknownDriver indicates a driver name no implementation handles.
	ErrUnknownDriver = errors.New("unknown duration store driver")
)
