// Package transport implements the client-side connection layer: sessions, the endpoint pool and
// the pending-call registry.
//
// A Session multiplexes many concurrent calls over one TCP connection. Every request carries a
// unique id; a background goroutine (recvLoop) reads responses and routes each one to its caller
// through the client's PendingCalls.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → PendingCalls[2] → goroutine-2 wakes up
//
// A second goroutine (keepalive) emits heartbeats when the connection has been idle in both
// directions for IdleTimeout, and fails the session when MaxMissedHeartbeats go unanswered.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"simple-rpc/codec"
	"simple-rpc/message"
	"simple-rpc/protocol"

	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned by Send on a closed session and delivered to every call that was
	// still in flight on a session when it closed.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrHeartbeatTimeout is the cause recorded when the peer stopped answering heartbeats.
	ErrHeartbeatTimeout = errors.New("transport: heartbeats unanswered")
)

const (
	DefaultIdleTimeout         = 30 * time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultDialTimeout         = 3 * time.Second
)

// State is a session lifecycle state.
//
//	Connecting → Active ⇄ Idle → Closing → Closed
type State int32

const (
	StateConnecting State = iota
	StateActive           // connected, traffic seen within IdleTimeout
	StateIdle             // connected, heartbeat outstanding
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connected reports whether the session can carry requests.
func (s State) Connected() bool {
	return s == StateActive || s == StateIdle
}

// DialFunc opens the raw connection for a session. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SessionConfig tunes a session. Zero fields take the defaults above.
type SessionConfig struct {
	Codec               codec.CodecType
	IdleTimeout         time.Duration
	MaxMissedHeartbeats int
	DialTimeout         time.Duration
	WriteTimeout        time.Duration // 0 disables write deadlines
	Dialer              DialFunc
	Logger              *zap.Logger

	// OnClose runs once the session reached StateClosed, after in-flight calls were failed.
	OnClose func(*Session)
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Dialer == nil {
		d := &net.Dialer{Timeout: c.DialTimeout}
		c.Dialer = d.DialContext
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Session is one multiplexed connection to one endpoint.
type Session struct {
	addr    string
	conn    net.Conn
	cfg     SessionConfig
	codec   codec.Codec
	pending *PendingCalls
	logger  *zap.Logger

	state     atomic.Int32
	sending   sync.Mutex // Serializes whole frames so concurrent writers never interleave bytes
	inflight  sync.Map   // map[int64]struct{} — ids written on this session and not yet answered
	lastRead  atomic.Int64
	lastWrite atomic.Int64
	missed    atomic.Int32

	stopOnce      sync.Once
	stop          chan struct{}
	cause         error
	closeErr      error
	recvDone      chan struct{}
	keepaliveDone chan struct{}
	closed        chan struct{}
}

func newSession(addr string, pending *PendingCalls, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		addr:          addr,
		cfg:           cfg,
		codec:         codec.GetCodec(cfg.Codec),
		pending:       pending,
		logger:        cfg.Logger.With(zap.String("component", "session"), zap.String("endpoint", addr)),
		stop:          make(chan struct{}),
		recvDone:      make(chan struct{}),
		keepaliveDone: make(chan struct{}),
		closed:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Dial connects to addr and starts the session pipeline. Connect failures are returned as is and
// never retried.
func Dial(ctx context.Context, addr string, pending *PendingCalls, cfg SessionConfig) (*Session, error) {
	s := newSession(addr, pending, cfg)
	conn, err := s.cfg.Dialer(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s.start(conn)
	return s, nil
}

// NewSession starts the session pipeline on an already established connection.
func NewSession(conn net.Conn, addr string, pending *PendingCalls, cfg SessionConfig) *Session {
	s := newSession(addr, pending, cfg)
	s.start(conn)
	return s
}

func (s *Session) start(conn net.Conn) {
	s.conn = conn
	now := time.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)
	s.state.Store(int32(StateActive))
	go s.recvLoop()
	go s.keepalive()
	go s.reap()
}

func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.cause
	default:
		return nil
	}
}

// Send encodes req and writes it as one frame. The caller must have registered req.RequestID in
// PendingCalls beforehand.
func (s *Session) Send(req *message.Request) error {
	if !s.State().Connected() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.addr)
	}
	body, err := s.codec.Encode(req)
	if err != nil {
		return fmt.Errorf("encode request %d: %w", req.RequestID, err)
	}
	header := &protocol.Header{
		CodecType: byte(s.cfg.Codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       uint64(req.RequestID),
	}

	s.inflight.Store(req.RequestID, struct{}{})
	if err := s.writeFrame(header, body); err != nil {
		s.inflight.Delete(req.RequestID)
		s.terminate(err)
		return fmt.Errorf("write to %s: %w", s.addr, err)
	}
	return nil
}

// Forget drops id from the session's in-flight set. Callers that stop waiting for a response
// (timeout, cancellation) call it so abandoned ids do not accumulate on long-lived sessions.
// A late response for id is still read and dropped as stale.
func (s *Session) Forget(id int64) {
	s.inflight.Delete(id)
}

// Inflight returns how many requests were written on this session and are still unanswered.
func (s *Session) Inflight() int {
	n := 0
	s.inflight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close moves the session to Closing, closes the connection and blocks until every session
// goroutine has exited. It returns the connection's close error.
func (s *Session) Close() error {
	s.terminate(ErrSessionClosed)
	<-s.closed
	return s.closeErr
}

func (s *Session) writeFrame(h *protocol.Header, body []byte) error {
	s.sending.Lock()
	defer s.sending.Unlock()

	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := protocol.Encode(s.conn, h, body); err != nil {
		return err
	}
	s.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// recvLoop is the only reader of the connection: frames must be parsed sequentially.
// Decode runs before the registry lookup, the lookup uses the id from the decoded body.
func (s *Session) recvLoop() {
	defer close(s.recvDone)
	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			s.terminate(err)
			return
		}
		s.touchRead()

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			s.logger.Debug("heartbeat answered")
			continue
		case protocol.MsgTypeResponse:
		default:
			s.logger.Warn("unexpected frame from provider", zap.Uint8("msg_type", uint8(header.MsgType)))
			continue
		}

		var resp message.Response
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			id := int64(header.Seq)
			s.inflight.Delete(id)
			s.pending.Fail(id, fmt.Errorf("decode response %d: %w", id, err))
			continue
		}

		s.inflight.Delete(resp.RequestID)
		if !s.pending.Fulfill(&resp) {
			s.logger.Debug("dropping stale response", zap.Int64("request_id", resp.RequestID))
		}
	}
}

func (s *Session) touchRead() {
	s.lastRead.Store(time.Now().UnixNano())
	s.missed.Store(0)
	s.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

func (s *Session) keepalive() {
	defer close(s.keepaliveDone)

	interval := s.cfg.IdleTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			last := max(s.lastRead.Load(), s.lastWrite.Load())
			if now.Sub(time.Unix(0, last)) < s.cfg.IdleTimeout {
				continue
			}
			if int(s.missed.Load()) >= s.cfg.MaxMissedHeartbeats {
				s.terminate(ErrHeartbeatTimeout)
				return
			}
			s.state.CompareAndSwap(int32(StateActive), int32(StateIdle))
			if err := s.writeFrame(&protocol.Header{CodecType: byte(s.cfg.Codec), MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
				s.terminate(err)
				return
			}
			s.missed.Add(1)
			s.logger.Debug("heartbeat sent", zap.Int32("outstanding", s.missed.Load()))
		}
	}
}

// terminate records the first cause and tears the connection down. Safe to call from any goroutine,
// including recvLoop and keepalive themselves.
func (s *Session) terminate(cause error) {
	s.stopOnce.Do(func() {
		s.cause = cause
		s.state.Store(int32(StateClosing))
		s.closeErr = s.conn.Close()
		close(s.stop)
	})
}

// reap waits for both pipeline goroutines, then fails every call still in flight on this session.
func (s *Session) reap() {
	<-s.recvDone
	<-s.keepaliveDone
	s.state.Store(int32(StateClosed))

	callErr := fmt.Errorf("%w: %s", ErrSessionClosed, s.addr)
	if !errors.Is(s.cause, ErrSessionClosed) {
		callErr = fmt.Errorf("%w: %s: %w", ErrSessionClosed, s.addr, s.cause)
	}
	failed := 0
	s.inflight.Range(func(key, _ any) bool {
		s.inflight.Delete(key)
		if s.pending.Fail(key.(int64), callErr) {
			failed++
		}
		return true
	})

	if errors.Is(s.cause, ErrSessionClosed) {
		s.logger.Info("session closed", zap.Int("failed_calls", failed))
	} else {
		s.logger.Warn("session failed", zap.Error(s.cause), zap.Int("failed_calls", failed))
	}

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s)
	}
	close(s.closed)
}
