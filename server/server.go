// Package server implements a provider: it registers implementations under interface names, announces
// its endpoint in the discovery registry and answers framed requests.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → heartbeat: echoed immediately
//	  → request:   go handleRequest (parallel processing)
//	    → Codec.Decode → lookup Interface + Method(ParamTypes) → reflect.Call → Codec.Encode → write response
package server

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
	"simple-rpc/registry"

	"go.uber.org/zap"
)

// DefaultTTL is the lease, in seconds, of the endpoint registration.
const DefaultTTL = 10

// Options configure a Server. Registrar nil skips discovery registration.
type Options struct {
	ServiceName string             // registered under /simplerpc/services/{ServiceName}
	Advertise   string             // host:port announced to clients; defaults to the listen address
	Registrar   registry.Registrar
	TTL         int64
	Logger      *zap.Logger
}

// Server is the RPC provider.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	services map[string]*service // "Hello" → *service

	listener  net.Listener
	advertise string
	wg        sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown  atomic.Bool    // Set during shutdown to suppress Accept errors
	acceptErr chan error

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool // no new request is admitted once set
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	return &Server{
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "server"), zap.String("service", opts.ServiceName)),
		services:  make(map[string]*service),
		conns:     make(map[net.Conn]struct{}),
		acceptErr: make(chan error, 1),
	}
}

// Register exposes rcvr's eligible methods under iface. An empty iface uses rcvr's type name.
func (svr *Server) Register(iface string, rcvr any) error {
	svc, err := newService(iface, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.services[svc.name]; ok {
		return fmt.Errorf("rpc: interface %s already registered", svc.name)
	}
	svr.services[svc.name] = svc
	return nil
}

// Start listens on address, registers the advertised endpoint and serves in the background.
func (svr *Server) Start(ctx context.Context, network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	svr.advertise = svr.opts.Advertise
	if svr.advertise == "" {
		svr.advertise = advertiseAddr(listener.Addr())
	}

	if svr.opts.Registrar != nil {
		path := registry.ServicePath(svr.opts.ServiceName)
		if err := svr.opts.Registrar.Register(ctx, path, svr.advertise, svr.opts.TTL); err != nil {
			_ = listener.Close()
			return fmt.Errorf("register %s under %s: %w", svr.advertise, path, err)
		}
	}
	svr.logger.Info("serving", zap.String("listen", listener.Addr().String()), zap.String("advertise", svr.advertise))

	go func() { svr.acceptErr <- svr.serve() }()
	return nil
}

// Addr returns the bound listen address.
func (svr *Server) Addr() net.Addr {
	return svr.listener.Addr()
}

// Advertise returns the endpoint announced to clients.
func (svr *Server) Advertise() string {
	return svr.advertise
}

// advertiseAddr makes an unspecified listen IP (":0", "[::]:0") routable on this host.
func advertiseAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return addr.String()
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
}

// serve is the accept loop: one goroutine per connection.
func (svr *Server) serve() error {
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.connMu.Lock()
		svr.conns[conn] = struct{}{}
		svr.connMu.Unlock()
		go svr.handleConn(conn)
	}
}

// handleConn runs a read loop in a single goroutine (reads must be sequential to parse frame
// boundaries) but dispatches each request to its own goroutine. The per-connection write mutex keeps
// concurrent responses from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, conn)
		svr.connMu.Unlock()
		_ = conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				svr.logger.Debug("connection ended", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			writeMu.Lock()
			err := protocol.Encode(conn, &protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeHeartbeat}, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case protocol.MsgTypeRequest:
			if !svr.admit() {
				continue
			}
			go svr.handleRequest(header, body, conn, writeMu)
		}
	}
}

// admit counts a request in flight unless the server is draining.
func (svr *Server) admit() bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.draining {
		return false
	}
	svr.wg.Add(1)
	return true
}

// handleRequest processes a single request: decode → dispatch → encode → write.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var req message.Request
	resp := &message.Response{RequestID: int64(header.Seq)}
	if err := c.Decode(body, &req); err != nil {
		resp.Error = fmt.Sprintf("rpc: decode request: %v", err)
	} else {
		resp.RequestID = req.RequestID
		resp.Payload, resp.Error = svr.dispatch(&req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encode response", zap.Int64("request_id", resp.RequestID), zap.Error(err))
		return
	}
	// The reply keeps the request's Seq so the client can match it
	replyHeader := &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, replyHeader, result); err != nil {
		svr.logger.Warn("write response", zap.Int64("request_id", resp.RequestID), zap.Error(err))
	}
}

func (svr *Server) dispatch(req *message.Request) ([]byte, string) {
	svr.mu.RLock()
	svc, ok := svr.services[req.Interface]
	svr.mu.RUnlock()
	if !ok {
		return nil, fmt.Sprintf("rpc: can't find interface %s", req.Interface)
	}
	m, err := svc.lookup(req.Method, req.ParamTypes)
	if err != nil {
		return nil, err.Error()
	}
	payload, err := svc.call(context.Background(), m, req.Args)
	if err != nil {
		return nil, err.Error()
	}
	return payload, ""
}

// Shutdown performs graceful shutdown:
//  1. Deregister the endpoint (clients stop routing to this server)
//  2. Set shutdown flag, then close the listener (stop accepting new connections)
//  3. Stop admitting requests and wait for in-flight ones to finish (with timeout)
//  4. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	var result error
	if svr.opts.Registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := svr.opts.Registrar.Deregister(ctx, registry.ServicePath(svr.opts.ServiceName), svr.advertise)
		cancel()
		if err != nil {
			svr.logger.Warn("deregister", zap.Error(err))
			result = err
		}
	}

	_ = svr.listener.Close()
	if err := <-svr.acceptErr; err != nil {
		svr.logger.Warn("accept loop", zap.Error(err))
	}

	svr.connMu.Lock()
	svr.draining = true
	svr.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		result = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		_ = conn.Close()
	}
	svr.connMu.Unlock()
	svr.logger.Info("stopped")
	return result
}
