// Package quic carries batched frames over a single bidirectional QUIC
// stream per connection. Each frame is prefixed by its u32 big-endian
// length.
package quic

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/ecsnet/internal/core/protocol"
)

const (
	TransportName = "quic"
	ALPN          = "ecsnet"

	// preamble is written by the dialer so the listener sees the stream.
	preamble byte = 0xEC
)

var _ protocol.Conn = (*Conn)(nil)

type Config struct {
	MaxMessageSize   int
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   1 << 20,
		IdleTimeout:      60 * time.Second,
		KeepAlive:        15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlive,
		HandshakeIdleTimeout: c.HandshakeTimeout,
	}
}

type Conn struct {
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	config Config

	writeMu sync.Mutex
	closed  atomic.Bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func newConn(conn *quic.Conn, stream *quic.Stream, config Config) *Conn {
	return &Conn{
		conn:   conn,
		stream: stream,
		reader: bufio.NewReader(stream),
		config: config,
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	if c.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}

	var prefix [4]byte
	if _, err := io.ReadFull(c.reader, prefix[:]); err != nil {
		return nil, c.readError(err)
	}
	n := int(binary.BigEndian.Uint32(prefix[:]))
	if c.config.MaxMessageSize > 0 && n > c.config.MaxMessageSize {
		return nil, errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, c.readError(err)
	}
	c.bytesReceived.Add(uint64(n + len(prefix)))
	return data, nil
}

func (c *Conn) readError(err error) error {
	var appErr *quic.ApplicationError
	if errors.Is(err, io.EOF) || errors.As(err, &appErr) || c.closed.Load() {
		return errors.Wrap(protocol.ErrConnectionClosed, err.Error())
	}
	return errors.Wrap(err, "failed to read frame")
}

func (c *Conn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}
	if c.config.MaxMessageSize > 0 && len(data) > c.config.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if _, err := c.stream.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	c.bytesSent.Add(uint64(len(buf)))
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Transport() string { return TransportName }

func (c *Conn) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Conn) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Close ends the stream and the connection; reason travels as the QUIC
// application error message.
func (c *Conn) Close(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.stream.Close()
	c.writeMu.Unlock()
	return c.conn.CloseWithError(0, reason)
}
