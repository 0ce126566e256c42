package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when the session is not connected.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrReconnectExhausted is published when the reconnect policy gives up.
	ErrReconnectExhausted = errors.New("relay: reconnect attempts exhausted")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("relay: client closed")
	// ErrEmptyIdentity is returned by Connect without an identity.
	ErrEmptyIdentity = errors.New("relay: identity is required")
	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("relay: session already active")
)

// ConnectionError reports a socket that failed to open or closed abnormally
type ConnectionError struct {
	Op string
	// Code is the websocket close code when the peer sent one.
	Code int
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("relay %s failed (close code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("relay %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected inbound frame
type ProtocolError struct {
	Type string
	Raw  []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("relay protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is an error envelope sent by the backend
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}
