package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Establish after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pool owns every session of one client, keyed by endpoint ("host:port").
//
// Writers (discovery reconciliation, shutdown, sessions removing themselves) are serialized by a
// mutex. Readers on the call path never take it: every mutation publishes a fresh immutable slice of
// sessions through an atomic pointer, so Values is a consistent point-in-time snapshot that a
// concurrent removal cannot shrink under the caller's index.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	snapshot atomic.Pointer[[]*Session]

	pending *PendingCalls
	cfg     SessionConfig
	logger  *zap.Logger
	onLost  func(key string)
}

// NewPool creates an empty pool whose sessions deliver responses into pending.
func NewPool(pending *PendingCalls, cfg SessionConfig) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		sessions: make(map[string]*Session),
		pending:  pending,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("component", "pool")),
	}
	p.snapshot.Store(&[]*Session{})
	return p
}

// Put stores s under key unless the key is taken, the pool is closed or s already closed.
// It reports whether s was stored.
func (p *Pool) Put(key string, s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || s.State() == StateClosed {
		return false
	}
	if _, ok := p.sessions[key]; ok {
		return false
	}
	p.sessions[key] = s
	p.publishLocked()
	return true
}

func (p *Pool) Get(key string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	return s, ok
}

// Remove takes the session for key out of the pool and returns it, or nil.
// The caller closes it; Remove never closes sessions itself.
func (p *Pool) Remove(key string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		return nil
	}
	delete(p.sessions, key)
	p.publishLocked()
	return s
}

// Values returns the current snapshot. The slice is shared and must not be modified.
func (p *Pool) Values() []*Session {
	return *p.snapshot.Load()
}

// Keys returns the endpoint keys in sorted order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	keys := make([]string, 0, len(p.sessions))
	for k := range p.sessions {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (p *Pool) Size() int {
	return len(p.Values())
}

// Establish connects to host:port and stores the session under "host:port".
func (p *Pool) Establish(ctx context.Context, host string, port int) (*Session, error) {
	return p.EstablishAddr(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

// EstablishAddr connects to addr unless a session for it is already pooled, in which case that
// session is returned and no connection is made.
func (p *Pool) EstablishAddr(ctx context.Context, addr string) (*Session, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("bad endpoint %q: %w", addr, err)
	}
	if s, ok := p.Get(addr); ok {
		return s, nil
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	cfg := p.cfg
	cfg.OnClose = p.forget
	s, err := Dial(ctx, addr, p.pending, cfg)
	if err != nil {
		return nil, err
	}
	if p.Put(addr, s) {
		p.logger.Info("connected", zap.String("endpoint", addr))
		return s, nil
	}

	// Lost a race with another establish for the same key, or the pool closed meanwhile.
	_ = s.Close()
	if existing, ok := p.Get(addr); ok {
		return existing, nil
	}
	return nil, ErrPoolClosed
}

// Close closes every pooled session, waiting for each, and returns the aggregated close errors.
// A failing close does not stop the remaining ones.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.publishLocked()
	p.mu.Unlock()

	var result error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			p.logger.Warn("close session", zap.String("endpoint", s.Addr()), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("close %s: %w", s.Addr(), err))
		}
	}
	return result
}

// OnSessionLost sets fn to run whenever a pooled session closes on its own (peer hang-up, heartbeat
// timeout, write error). Sessions taken out with Remove or closed by Close do not trigger it.
// fn runs on the session's goroutine and must not block on a Close of another session.
func (p *Pool) OnSessionLost(fn func(key string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLost = fn
}

// forget is every pooled session's OnClose hook: a closed session leaves the pool and is never reused.
func (p *Pool) forget(s *Session) {
	p.mu.Lock()
	cur, ok := p.sessions[s.Addr()]
	if !ok || cur != s {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, s.Addr())
	p.publishLocked()
	onLost := p.onLost
	p.mu.Unlock()

	p.logger.Warn("session lost", zap.String("endpoint", s.Addr()), zap.Error(s.cause))
	if onLost != nil {
		onLost(s.Addr())
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// publishLocked stores the sessions ordered by endpoint so rotation order stays stable across
// membership changes.
func (p *Pool) publishLocked() {
	values := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		values = append(values, s)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Addr() < values[j].Addr() })
	p.snapshot.Store(&values)
}
