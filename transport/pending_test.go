package transport

import (
	"errors"
	"sync"
	"testing"

	"simple-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingCallsFulfillOnce(t *testing.T) {
	p := NewPendingCalls()
	ch := p.Register(42)
	require.True(t, p.Contains(42))

	assert.True(t, p.Fulfill(&message.Response{RequestID: 42, Payload: []byte(`1`)}))
	// A duplicate for the same id finds no slot.
	assert.False(t, p.Fulfill(&message.Response{RequestID: 42, Payload: []byte(`2`)}))

	reply := <-ch
	require.NoError(t, reply.Err)
	assert.Equal(t, []byte(`1`), reply.Response.Payload)
	assert.False(t, p.Contains(42))
	assert.Zero(t, p.Len())
}

func TestPendingCallsUnknownIDNeverFulfilsAnotherCall(t *testing.T) {
	p := NewPendingCalls()
	ch := p.Register(1)

	assert.False(t, p.Fulfill(&message.Response{RequestID: 2}))
	select {
	case <-ch:
		t.Fatal("call 1 received a response addressed to call 2")
	default:
	}
	assert.True(t, p.Contains(1))
}

func TestPendingCallsRemoveThenFulfill(t *testing.T) {
	p := NewPendingCalls()
	p.Register(7)

	assert.True(t, p.Remove(7))
	assert.False(t, p.Remove(7))
	assert.False(t, p.Fulfill(&message.Response{RequestID: 7}))
}

func TestPendingCallsFail(t *testing.T) {
	p := NewPendingCalls()
	ch := p.Register(3)
	boom := errors.New("boom")

	assert.True(t, p.Fail(3, boom))
	assert.False(t, p.Fail(3, boom))
	reply := <-ch
	assert.ErrorIs(t, reply.Err, boom)
	assert.Nil(t, reply.Response)
}

func TestPendingCallsRacingRemovers(t *testing.T) {
	p := NewPendingCalls()
	for id := int64(0); id < 200; id++ {
		p.Register(id)
	}

	var wins [3]int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id := int64(0); id < 200; id++ {
		wg.Add(3)
		go func(id int64) {
			defer wg.Done()
			if p.Fulfill(&message.Response{RequestID: id}) {
				mu.Lock()
				wins[0]++
				mu.Unlock()
			}
		}(id)
		go func(id int64) {
			defer wg.Done()
			if p.Fail(id, errors.New("closed")) {
				mu.Lock()
				wins[1]++
				mu.Unlock()
			}
		}(id)
		go func(id int64) {
			defer wg.Done()
			if p.Remove(id) {
				mu.Lock()
				wins[2]++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 200, wins[0]+wins[1]+wins[2], "every entry removed exactly once")
	assert.Zero(t, p.Len())
}
