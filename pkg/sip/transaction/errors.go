package transaction

import "errors"

var (
	// ErrInvalidRequest is returned for requests without a usable Via branch or CSeq
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidState is returned when operation is invalid for current state
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrTransactionExists is returned when transaction already exists
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrTimeout is returned when transaction times out
	ErrTimeout = errors.New("transaction timeout")

	// ErrTerminated is returned when operation is attempted on terminated transaction
	ErrTerminated = errors.New("transaction terminated")

	// ErrLayerClosed is returned after the transaction layer was closed
	ErrLayerClosed = errors.New("transaction layer closed")
)
