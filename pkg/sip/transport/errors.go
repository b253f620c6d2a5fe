package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork matches every send or receive failure reported by a transport.
	ErrNetwork = errors.New("network error")
	// ErrClosed is returned when using a transport after Close.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownNetwork is returned when no transport serves the requested network.
	ErrUnknownNetwork = errors.New("unknown network")
	// ErrMessageTooLarge is returned when a stream message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// NetworkError describes a failed transport operation.
type NetworkError struct {
	Op      string
	Network string
	Addr    string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s %s: %v", e.Network, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Network, e.Op, e.Addr, e.Err)
}

// Unwrap lets errors.Is match both ErrNetwork and the underlying cause.
func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

func newNetworkError(op, network, addr string, err error) error {
	return &NetworkError{Op: op, Network: network, Addr: addr, Err: err}
}
