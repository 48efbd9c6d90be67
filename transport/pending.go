package transport

import (
	"sync"

	"simple-rpc/message"
)

// Reply is what a pending call's slot receives: the decoded response, or the reason none will arrive.
type Reply struct {
	Response *message.Response
	Err      error
}

// PendingCalls correlates outstanding request ids with one-shot delivery slots.
//
// It is owned by a single client and shared by all of that client's sessions. Every entry is
// removed exactly once, by whichever of Fulfill, Fail or Remove runs first; the losers see no entry
// and do nothing, so a slot is never written twice.
type PendingCalls struct {
	calls sync.Map // map[int64]chan Reply
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{}
}

// Register creates the slot for id. It must be called before the request is written, otherwise a
// fast response could arrive before the slot exists and be dropped.
func (p *PendingCalls) Register(id int64) <-chan Reply {
	ch := make(chan Reply, 1) // Buffered so the receive path never blocks on a caller that gave up
	p.calls.Store(id, ch)
	return ch
}

// Fulfill delivers resp to the call waiting on resp.RequestID.
// It reports false for a stale response (already timed out, or never registered).
func (p *PendingCalls) Fulfill(resp *message.Response) bool {
	return p.deliver(resp.RequestID, Reply{Response: resp})
}

// Fail wakes the call waiting on id with err.
func (p *PendingCalls) Fail(id int64, err error) bool {
	return p.deliver(id, Reply{Err: err})
}

// Remove drops the slot for id without delivering anything. Used by callers that stop waiting.
func (p *PendingCalls) Remove(id int64) bool {
	_, ok := p.calls.LoadAndDelete(id)
	return ok
}

func (p *PendingCalls) Contains(id int64) bool {
	_, ok := p.calls.Load(id)
	return ok
}

func (p *PendingCalls) Len() int {
	n := 0
	p.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (p *PendingCalls) deliver(id int64, r Reply) bool {
	v, ok := p.calls.LoadAndDelete(id)
	if !ok {
		return false
	}
	// LoadAndDelete made us the only writer of this slot, and it has room for exactly one reply.
	v.(chan Reply) <- r
	return true
}
