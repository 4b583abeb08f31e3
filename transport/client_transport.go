// Package transport implements the client side of a coordinator channel:
// one multiplexed TCP connection per coordinator address, with heartbeats.
//
// ClientTransport lets many concurrent calls share a single connection. Each
// request gets a sequence id and a background goroutine (recvLoop) reads
// responses and routes them to the waiting caller.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ coordinator
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hein-hp/incubator-seata/codec"
	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/protocol"
	"go.uber.org/zap"
)

// ErrTransportClosed is returned by calls on, or pending on, a closed channel.
var ErrTransportClosed = errors.New("transport: closed")

type result struct {
	msg *message.RpcMessage
	err error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec
	logger  *zap.Logger
	seq     uint32     // guarded by sending
	sending sync.Mutex // serialises frame writes so frames never interleave
	pending sync.Map   // uint32 → chan result

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	lastRecv  atomic.Int64 // unix nanos of the last frame read
}

// NewClientTransport wraps conn and starts the receive loop, plus a heartbeat
// loop when heartbeat > 0.
func NewClientTransport(conn net.Conn, cdc codec.Codec, heartbeat time.Duration, logger *zap.Logger) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:   conn,
		codec:  cdc,
		logger: logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
	t.lastRecv.Store(time.Now().UnixNano())
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Call sends req and waits for the matching response, ctx cancellation, or
// the channel closing. A response carrying an error is returned as is; use
// RpcMessage.Err to inspect it.
func (t *ClientTransport) Call(ctx context.Context, req *message.RpcMessage) (*message.RpcMessage, error) {
	if t.closed.Load() {
		return nil, t.closedError()
	}
	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode: %w", err)
	}

	ch := make(chan result, 1)
	t.sending.Lock()
	t.seq++
	seq := t.seq
	// register before writing so recvLoop can never see an unknown seq
	t.pending.Store(seq, ch)
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	err = protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		t.closeWithError(err)
		return nil, fmt.Errorf("transport: write: %w", errors.Join(ErrTransportClosed, err))
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	case <-t.done:
		if _, ok := t.pending.LoadAndDelete(seq); !ok {
			// failPending got there first
			res := <-ch
			return res.msg, res.err
		}
		return nil, t.closedError()
	}
}

// recvLoop is the only reader of conn; frame boundaries can only be parsed
// sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeWithError(err)
			return
		}
		t.lastRecv.Store(time.Now().UnixNano())

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		v, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			t.logger.Debug("dropping response without caller", zap.Uint32("seq", header.Seq))
			continue
		}
		ch := v.(chan result)

		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			ch <- result{err: err}
			continue
		}
		resp := &message.RpcMessage{}
		if err := cdc.Decode(body, resp); err != nil {
			ch <- result{err: fmt.Errorf("transport: decode: %w", err)}
			continue
		}
		ch <- result{msg: resp}
	}
}

// heartbeatLoop keeps the connection alive while it is idle. A failed write
// closes the transport so the channel manager replaces it.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		t.seq++
		_ = t.conn.SetWriteDeadline(time.Now().Add(interval))
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, Seq: t.seq}, nil)
		t.sending.Unlock()
		if err != nil {
			t.logger.Warn("heartbeat failed", zap.Error(err))
			t.closeWithError(err)
			return
		}
	}
}

// LastRecv returns when the last frame, response or heartbeat echo, arrived.
func (t *ClientTransport) LastRecv() time.Time {
	return time.Unix(0, t.lastRecv.Load())
}

// RemoteAddr returns the coordinator address of the connection.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Closed reports whether the transport has been closed, either explicitly or
// because the connection broke.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Close closes the connection and fails every pending call. It is safe to
// call more than once.
func (t *ClientTransport) Close() error {
	t.closeWithError(nil)
	return nil
}

func (t *ClientTransport) closeWithError(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		t.closed.Store(true)
		close(t.done)
		_ = t.conn.Close()
		if cause != nil {
			t.logger.Debug("channel closed", zap.Error(cause))
		}
		t.failPending()
	})
}

// failPending wakes every waiting caller so none blocks forever.
func (t *ClientTransport) failPending() {
	err := t.closedError()
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: err}
		}
		return true
	})
}

func (t *ClientTransport) closedError() error {
	if t.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, t.closeErr)
	}
	return ErrTransportClosed
}
