package protocol

import "errors"

// Conn is a message-oriented link. Every message is one batched frame.
// WriteMessage may be called from one goroutine while another reads.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	RemoteAddr() string
	// Transport names the underlying carrier, e.g. "websocket" or "quic".
	Transport() string
	// Close ends the link; reason is forwarded to the peer when the carrier
	// supports it.
	Close(reason string) error
}

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrSendQueueFull    = errors.New("send queue is full")
	ErrTransportClosed  = errors.New("transport is closed")
	ErrUnsupportedType  = errors.New("unsupported message type")
)
