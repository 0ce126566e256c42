package entities

// ConnectionState represents the state of the relay socket session
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateError        ConnectionState = "error"
)

// CanSend reports whether envelopes may be sent in this state
func (s ConnectionState) CanSend() bool {
	return s == ConnectionStateConnected
}
