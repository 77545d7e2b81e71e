package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Upgrader turns HTTP requests into frame connections.
type Upgrader struct {
	upgrader websocket.Upgrader
	config   Config
}

func NewUpgrader(config Config) *Upgrader {
	return &Upgrader{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Upgrade replies to the handshake. On failure the response has already
// been written.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}
	return newConn(conn, u.config), nil
}

// Dial opens a client connection to a ws:// or wss:// url.
func Dial(ctx context.Context, url string, config Config) (*Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:    config.ReadBufferSize,
		WriteBufferSize:   config.WriteBufferSize,
		EnableCompression: config.EnableCompression,
		HandshakeTimeout:  config.WriteTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return newConn(conn, config), nil
}
