package quic

import (
	"context"
	"crypto/tls"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
)

type Listener struct {
	listener *quic.Listener
	config   Config
	logger   log.Log

	ready  chan *Conn
	done   chan struct{}
	cancel context.CancelFunc
}

// Listen binds addr and starts accepting. tlsConfig must carry a
// certificate; ALPN is added when missing.
func Listen(addr string, tlsConfig *tls.Config, config Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}
	if tlsConfig == nil {
		return nil, errors.New("quic listener requires a tls config")
	}
	tlsConfig = withALPN(tlsConfig)

	listener, err := quic.ListenAddr(addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		listener: listener,
		config:   config,
		logger:   logger.With(log.String("component", "quic"), log.String("addr", listener.Addr().String())),
		ready:    make(chan *Conn),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go l.acceptLoop(ctx)

	l.logger.Info("QUIC listener created")
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer close(l.done)
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("QUIC accept failed", log.Error(err))
			}
			return
		}
		go l.handshake(ctx, conn)
	}
}

// handshake waits for the dialer's stream and preamble.
func (l *Listener) handshake(ctx context.Context, conn *quic.Conn) {
	if l.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.HandshakeTimeout)
		defer cancel()
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		l.logger.Debug("QUIC peer opened no stream", log.Error(err))
		return
	}

	var hello [1]byte
	if _, err = io.ReadFull(stream, hello[:]); err != nil || hello[0] != preamble {
		_ = conn.CloseWithError(1, "bad preamble")
		l.logger.Debug("QUIC peer sent an invalid preamble", log.String("remote_addr", conn.RemoteAddr().String()))
		return
	}

	c := newConn(conn, stream, l.config)
	select {
	case l.ready <- c:
		l.logger.Debug("QUIC connection accepted", log.String("remote_addr", conn.RemoteAddr().String()))
	case <-ctx.Done():
		_ = c.Close("listener closed")
	}
}

// Accept returns the next connection whose frame stream is open.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-l.done:
		return nil, protocol.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	l.logger.Info("Closing QUIC listener")
	l.cancel()
	err := l.listener.Close()
	<-l.done
	return err
}

// Dial connects to addr and opens the frame stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config Config) (*Conn, error) {
	if tlsConfig == nil {
		tlsConfig = InsecureClientTLS()
	}
	tlsConfig = withALPN(tlsConfig)
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		} else {
			tlsConfig.ServerName = addr
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, errors.Wrap(err, "failed to open stream")
	}
	if _, err = stream.Write([]byte{preamble}); err != nil {
		_ = conn.CloseWithError(1, "preamble")
		return nil, errors.Wrap(err, "failed to write preamble")
	}
	return newConn(conn, stream, config), nil
}

func withALPN(cfg *tls.Config) *tls.Config {
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPN}
	}
	cfg.MinVersion = tls.VersionTLS13
	return cfg
}
