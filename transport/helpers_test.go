package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"simple-rpc/codec"
	"simple-rpc/message"
	"simple-rpc/protocol"
)

// frameHandler answers one decoded frame on the provider end of a pipe.
type frameHandler func(conn net.Conn, h *protocol.Header, body []byte)

// fakeProvider counts what it receives and answers through handle.
type fakeProvider struct {
	handle     frameHandler
	requests   atomic.Int32
	heartbeats atomic.Int32
}

func (f *fakeProvider) serve(conn net.Conn) {
	defer conn.Close()
	for {
		h, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		switch h.MsgType {
		case protocol.MsgTypeHeartbeat:
			f.heartbeats.Add(1)
		case protocol.MsgTypeRequest:
			f.requests.Add(1)
		}
		if f.handle != nil {
			f.handle(conn, h, body)
		}
	}
}

// echo answers requests with their first argument and echoes heartbeats.
func echo(conn net.Conn, h *protocol.Header, body []byte) {
	switch h.MsgType {
	case protocol.MsgTypeHeartbeat:
		_ = protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
	case protocol.MsgTypeRequest:
		cdc := codec.GetCodec(codec.CodecType(h.CodecType))
		var req message.Request
		if err := cdc.Decode(body, &req); err != nil {
			return
		}
		resp := &message.Response{RequestID: req.RequestID}
		if len(req.Args) > 0 {
			resp.Payload = req.Args[0]
		}
		out, _ := cdc.Encode(resp)
		_ = protocol.Encode(conn, &protocol.Header{CodecType: h.CodecType, MsgType: protocol.MsgTypeResponse, Seq: h.Seq}, out)
	}
}

// silent reads everything and answers nothing.
func silent(net.Conn, *protocol.Header, []byte) {}

// pipeDialer hands out net.Pipe connections served by one fakeProvider per address.
type pipeDialer struct {
	mu        sync.Mutex
	handle    frameHandler
	fail      map[string]error
	dials     map[string]int
	providers map[string]*fakeProvider
	serverEnd map[string]net.Conn
}

func newPipeDialer(handle frameHandler) *pipeDialer {
	return &pipeDialer{
		handle:    handle,
		fail:      make(map[string]error),
		dials:     make(map[string]int),
		providers: make(map[string]*fakeProvider),
		serverEnd: make(map[string]net.Conn),
	}
}

func (d *pipeDialer) Dial(_ context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[addr]++
	if err := d.fail[addr]; err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	p := &fakeProvider{handle: d.handle}
	d.providers[addr] = p
	d.serverEnd[addr] = server
	go p.serve(server)
	return client, nil
}

func (d *pipeDialer) dialCount(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr]
}

// hangUp closes the provider end of addr's latest connection.
func (d *pipeDialer) hangUp(addr string) {
	d.mu.Lock()
	conn := d.serverEnd[addr]
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func newPipeSession(t *testing.T, handle frameHandler, cfg SessionConfig) (*Session, *fakeProvider, *PendingCalls) {
	t.Helper()
	client, server := net.Pipe()
	p := &fakeProvider{handle: handle}
	go p.serve(server)
	pending := NewPendingCalls()
	s := NewSession(client, "pipe:1", pending, cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s, p, pending
}
