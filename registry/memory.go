package registry

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend and Registrar. TTLs are ignored.
type MemoryBackend struct {
	mu       sync.Mutex
	children map[string]map[string]struct{}
	watchers map[string]map[*memoryWatch]struct{}
	listErr  error
	closed   bool
	done     chan struct{}
}

type memoryWatch struct {
	signal chan struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		children: make(map[string]map[string]struct{}),
		watchers: make(map[string]map[*memoryWatch]struct{}),
		done:     make(chan struct{}),
	}
}

// SetChildren replaces the children of path and notifies its watchers.
func (m *MemoryBackend) SetChildren(path string, children ...string) {
	set := make(map[string]struct{}, len(children))
	for _, c := range normalize(children) {
		set[c] = struct{}{}
	}
	m.mu.Lock()
	m.children[path] = set
	m.notifyLocked(path)
	m.mu.Unlock()
}

// FailList makes ListChildren return err until FailList(nil).
func (m *MemoryBackend) FailList(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

// Watchers returns the number of live watches on path.
func (m *MemoryBackend) Watchers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[path])
}

func (m *MemoryBackend) ListChildren(_ context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]string, 0, len(m.children[path]))
	for c := range m.children[path] {
		out = append(out, c)
	}
	return normalize(out), nil
}

// WatchChildren coalesces bursts of changes: at most one notification is pending per watch.
func (m *MemoryBackend) WatchChildren(ctx context.Context, path string, onChange func()) error {
	w := &memoryWatch{signal: make(chan struct{}, 1)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[*memoryWatch]struct{})
	}
	m.watchers[path][w] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.watchers[path], w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-w.signal:
				onChange()
			}
		}
	}()
	return nil
}

func (m *MemoryBackend) Register(_ context.Context, path, child string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.children[path] == nil {
		m.children[path] = make(map[string]struct{})
	}
	m.children[path][child] = struct{}{}
	m.notifyLocked(path)
	return nil
}

func (m *MemoryBackend) Deregister(_ context.Context, path, child string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.children[path], child)
	m.notifyLocked(path)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *MemoryBackend) notifyLocked(path string) {
	for w := range m.watchers[path] {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}
