// Package server implements a coordinator endpoint speaking the client's frame
// protocol. It dispatches requests by message type to registered handlers and
// can register itself in a discovery registry so clients find it.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → heartbeat: echoed back with the same seq
//	  → request:   go handleRequest (parallel processing)
//	    (after Shutdown begins: answered with an error, same seq)
//	    → Codec.Decode → middleware chain → handler → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hein-hp/incubator-seata/codec"
	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/protocol"
	"github.com/hein-hp/incubator-seata/registry"
	"go.uber.org/zap"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// HandlerFunc handles one request and returns the response payload. A
// returned error is sent back in the response's Error field.
type HandlerFunc func(ctx context.Context, req *message.RpcMessage) ([]byte, error)

// Middleware wraps a HandlerFunc. Chain order follows Use order: the first
// middleware added runs outermost.
type Middleware func(next HandlerFunc) HandlerFunc

// Server is a coordinator endpoint.
type Server struct {
	logger *zap.Logger

	mu          sync.RWMutex
	handlers    map[message.MessageType]HandlerFunc
	middlewares []Middleware
	listener    net.Listener
	conns       map[net.Conn]struct{}

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	registry  registry.Registry
	cluster   string
	advertise registry.Address // address registered; defaults to the listener address
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry makes Serve register the server under cluster and Shutdown
// unregister it.
func WithRegistry(reg registry.Registry, cluster string) Option {
	return func(s *Server) {
		s.registry = reg
		s.cluster = cluster
	}
}

// WithAdvertiseAddress sets the address put in the registry. A listener on
// ":8091" resolves to "[::]:8091", which clients cannot dial.
func WithAdvertiseAddress(addr registry.Address) Option {
	return func(s *Server) { s.advertise = addr }
}

func New(opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		handlers: make(map[message.MessageType]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for requests of type t, replacing any previous handler.
func (s *Server) Handle(t message.MessageType, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and only affect handlers looked up after the call.
func (s *Server) Use(mw Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It registers the server
// in the registry first, if one was configured.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.shutdown.Load() {
		_ = ln.Close()
		return ErrServerClosed
	}

	if s.registry != nil {
		addr, err := s.advertiseAddr()
		if err != nil {
			return err
		}
		if err := s.registry.Register(context.Background(), s.cluster, addr); err != nil {
			return fmt.Errorf("server: register %s: %w", addr, err)
		}
	}

	s.logger.Info("coordinator listening", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that is not an error for the caller.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) advertiseAddr() (registry.Address, error) {
	if s.advertise != (registry.Address{}) {
		return s.advertise, nil
	}
	return registry.ParseAddress(s.Addr().String())
}

// handleConn reads frames sequentially and hands each request to its own
// goroutine. Responses on one connection share writeMu so frames never
// interleave.
func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) {
				s.logger.Warn("closing connection after bad frame",
					zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			writeMu.Lock()
			err = protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, Seq: header.Seq}, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case protocol.MsgTypeRequest:
			// Add under the lock Shutdown takes before Wait
			s.mu.RLock()
			if s.shutdown.Load() {
				s.mu.RUnlock()
				s.logger.Debug("rejecting request during shutdown", zap.Uint32("seq", header.Seq))
				s.reject(header, body, conn, writeMu, "server shutting down")
				continue
			}
			s.wg.Add(1)
			s.mu.RUnlock()
			go s.handleRequest(header, body, conn, writeMu)
		}
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	c, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		s.logger.Warn("unsupported codec", zap.Uint8("codec", header.CodecType))
		s.reject(header, body, conn, writeMu, err.Error())
		return
	}
	req := &message.RpcMessage{}
	var resp *message.RpcMessage
	if err := c.Decode(body, req); err != nil {
		resp = &message.RpcMessage{Error: "decode request: " + err.Error()}
	} else {
		resp = s.dispatch(req)
	}
	s.writeResponse(header, c, resp, conn, writeMu)
}

// reject answers a request without dispatching it. The request is decoded
// only to echo its type and xid; a body in an unknown codec is answered in
// JSON.
func (s *Server) reject(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex, reason string) {
	c, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		c, _ = codec.GetCodec(codec.CodecTypeJSON)
	}
	req := &message.RpcMessage{}
	if err == nil {
		_ = c.Decode(body, req)
	}
	resp := req.Reply(nil)
	resp.Error = reason
	s.writeResponse(header, c, resp, conn, writeMu)
}

func (s *Server) writeResponse(header *protocol.Header, c codec.Codec, resp *message.RpcMessage, conn net.Conn, writeMu *sync.Mutex) {
	result, err := c.Encode(resp)
	if err != nil {
		s.logger.Error("encode response failed", zap.Stringer("type", resp.Type), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	// same seq as the request; this is how the client matches it
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: byte(c.Type()),
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, result)
	if err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) dispatch(req *message.RpcMessage) *message.RpcMessage {
	s.mu.RLock()
	h, ok := s.handlers[req.Type]
	mws := s.middlewares
	s.mu.RUnlock()
	if !ok {
		resp := req.Reply(nil)
		resp.Error = fmt.Sprintf("no handler for %s", req.Type)
		return resp
	}
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	payload, err := s.invoke(h, req)
	resp := req.Reply(payload)
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// invoke runs h, turning a panic into an error response.
func (s *Server) invoke(h HandlerFunc, req *message.RpcMessage) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", zap.Stringer("type", req.Type),
				zap.String("xid", req.XID), zap.Any("panic", r))
			err = fmt.Errorf("internal error handling %s", req.Type)
		}
	}()
	return h(context.Background(), req)
}

// Shutdown stops the server gracefully:
//  1. Unregister from the registry, so clients stop routing here
//  2. Close the listener
//  3. Wait for in-flight requests, or ctx
//  4. Close the remaining connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	already := s.shutdown.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}

	if s.registry != nil && s.Addr() != nil {
		if addr, err := s.advertiseAddr(); err == nil {
			if err := s.registry.Unregister(ctx, s.cluster, addr); err != nil {
				s.logger.Warn("unregister failed", zap.Error(err))
			}
		}
	}

	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err())
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return err
}
