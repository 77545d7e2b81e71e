package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/internal/core/protocol/middlewares"
)

// Session is one accepted connection.
type Session struct {
	ID          string
	Conn        protocol.Conn
	ConnectedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64
	queue    chan []byte
	done     chan struct{}
	once     sync.Once
	reason   atomic.Value

	subMu   sync.RWMutex
	all     bool
	include map[uint16]struct{}
	exclude map[uint16]struct{}

	packetsIn  atomic.Uint64
	framesOut  atomic.Uint64
	dropped    atomic.Uint64
	malformed  atomic.Uint64
	logger     log.Log
	middleware middlewares.Peer
}

func newSession(conn protocol.Conn, queueSize int, logger log.Log) *Session {
	now := time.Now()
	s := &Session{
		ID:          uuid.NewString(),
		Conn:        conn,
		ConnectedAt: now,
		queue:       make(chan []byte, queueSize),
		done:        make(chan struct{}),
		all:         true,
		include:     make(map[uint16]struct{}),
		exclude:     make(map[uint16]struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	s.state.Store(int32(StateConnecting))
	s.logger = logger.With(log.String("client_id", s.ID), log.String("remote_addr", conn.RemoteAddr()))
	s.middleware = middlewares.Peer{
		ID:          s.ID,
		RemoteAddr:  conn.RemoteAddr(),
		Transport:   conn.Transport(),
		ConnectedAt: now,
	}
	return s
}

func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// transition moves from one of the given states to next.
func (s *Session) transition(next ConnectionState, from ...ConnectionState) bool {
	for _, f := range from {
		if s.state.CompareAndSwap(int32(f), int32(next)) {
			return true
		}
	}
	return false
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
	s.transition(StateActive, StateConnected, StateIdle)
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// enqueue hands frame to the writer without blocking.
func (s *Session) enqueue(frame []byte) error {
	if !s.State().Open() && s.State() != StateConnecting {
		return protocol.ErrConnectionClosed
	}
	select {
	case <-s.done:
		return protocol.ErrConnectionClosed
	case s.queue <- frame:
		return nil
	default:
		s.dropped.Add(1)
		return protocol.ErrSendQueueFull
	}
}

func (s *Session) writeLoop(onError func(error)) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			if err := s.Conn.WriteMessage(frame); err != nil {
				onError(err)
				return
			}
			s.framesOut.Add(1)
		}
	}
}

// Subscribed reports whether frames of channel go to this session. The
// control channel is always delivered.
func (s *Session) Subscribed(channel uint16) bool {
	if channel == protocol.ControlChannel {
		return true
	}
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	if _, ok := s.exclude[channel]; ok {
		return false
	}
	if s.all {
		return true
	}
	_, ok := s.include[channel]
	return ok
}

func (s *Session) subscribe(channel uint16) {
	s.subMu.Lock()
	delete(s.exclude, channel)
	s.include[channel] = struct{}{}
	s.subMu.Unlock()
}

func (s *Session) unsubscribe(channel uint16) {
	s.subMu.Lock()
	delete(s.include, channel)
	s.exclude[channel] = struct{}{}
	s.subMu.Unlock()
}

// subscribeOnly replaces the default all-channels subscription.
func (s *Session) subscribeOnly(channels []uint16) {
	s.subMu.Lock()
	s.all = false
	s.include = make(map[uint16]struct{}, len(channels))
	s.exclude = make(map[uint16]struct{})
	for _, ch := range channels {
		s.include[ch] = struct{}{}
	}
	s.subMu.Unlock()
}

// close runs once; it reports whether this call did the closing.
func (s *Session) close(reason string) bool {
	closed := false
	s.once.Do(func() {
		closed = true
		s.reason.Store(reason)
		s.state.Store(int32(StateDisconnecting))
		close(s.done)
		_ = s.Conn.Close(reason)
		s.state.Store(int32(StateDisconnected))
	})
	return closed
}

func (s *Session) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	PacketsIn   uint64    `json:"packets_in"`
	FramesOut   uint64    `json:"frames_out"`
	Dropped     uint64    `json:"dropped"`
	Malformed   uint64    `json:"malformed"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		RemoteAddr:  s.Conn.RemoteAddr(),
		Transport:   s.Conn.Transport(),
		State:       s.State().String(),
		ConnectedAt: s.ConnectedAt,
		LastSeen:    s.LastSeen(),
		PacketsIn:   s.packetsIn.Load(),
		FramesOut:   s.framesOut.Load(),
		Dropped:     s.dropped.Load(),
		Malformed:   s.malformed.Load(),
	}
}
