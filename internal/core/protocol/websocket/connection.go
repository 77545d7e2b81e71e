// Package websocket carries batched frames over gorilla/websocket binary
// messages, one frame per message.
package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/ecsnet/internal/core/protocol"
)

const TransportName = "websocket"

var _ protocol.Conn = (*Conn)(nil)

type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	EnableCompression bool
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
		MaxMessageSize:  1 << 20,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
	}
}

// Conn is one websocket link. Reads belong to a single goroutine; writes
// are serialized internally.
type Conn struct {
	conn   *websocket.Conn
	config Config

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	lastActivity  atomic.Int64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func newConn(conn *websocket.Conn, config Config) *Conn {
	c := &Conn{
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}
	c.touch()

	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	if config.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			c.touch()
			return c.extendReadDeadline()
		})
		go c.pingLoop()
	}
	return c
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) extendReadDeadline() error {
	if c.config.ReadTimeout > 0 {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
	return nil
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.PingInterval/2))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ReadMessage blocks for the next binary message.
func (c *Conn) ReadMessage() ([]byte, error) {
	if c.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}
	if err := c.extendReadDeadline(); err != nil {
		return nil, errors.Wrap(err, "failed to set read deadline")
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, errors.Wrap(protocol.ErrMessageTooLarge, err.Error())
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errors.Wrap(protocol.ErrConnectionClosed, err.Error())
		}
		return nil, errors.Wrap(err, "failed to read message")
	}
	if messageType != websocket.BinaryMessage {
		return nil, protocol.ErrUnsupportedType
	}

	c.bytesReceived.Add(uint64(len(data)))
	c.touch()
	return data, nil
}

func (c *Conn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}

	c.bytesSent.Add(uint64(len(data)))
	c.touch()
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Transport() string { return TransportName }

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Conn) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Close sends a normal closure carrying reason, then drops the socket.
func (c *Conn) Close(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
