package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hein-hp/incubator-seata/codec"
	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCoordinator serves GlobalBegin by echoing the payload, and
// GlobalCommit by blocking until block is closed.
func startCoordinator(t *testing.T, block <-chan struct{}) (*server.Server, string) {
	t.Helper()
	s := server.New()
	s.Handle(message.TypeGlobalBegin, func(_ context.Context, req *message.RpcMessage) ([]byte, error) {
		return req.Payload, nil
	})
	s.Handle(message.TypeGlobalCommit, func(context.Context, *message.RpcMessage) ([]byte, error) {
		<-block
		return nil, nil
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ln.Addr().String()
}

func dialTransport(t *testing.T, addr string, cdc codec.Codec, heartbeat time.Duration) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ct := NewClientTransport(conn, cdc, heartbeat, nil)
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func TestClientTransportSerial(t *testing.T) {
	_, addr := startCoordinator(t, nil)
	ct := dialTransport(t, addr, &codec.BinaryCodec{}, 0)

	for i := 0; i < 3; i++ {
		payload := []byte(strconv.Itoa(i))
		resp, err := ct.Call(context.Background(), message.NewRequest(message.TypeGlobalBegin, "", payload))
		require.NoError(t, err)
		require.NoError(t, resp.Err())
		assert.Equal(t, message.TypeGlobalBeginResult, resp.Type)
		assert.Equal(t, payload, resp.Payload)
	}
}

// Many goroutines share one connection; every response must reach its own
// caller.
func TestClientTransportConcurrent(t *testing.T) {
	_, addr := startCoordinator(t, nil)
	ct := dialTransport(t, addr, &codec.JSONCodec{}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("xid-%d", n))
			resp, err := ct.Call(context.Background(), message.NewRequest(message.TypeGlobalBegin, "", payload))
			if assert.NoError(t, err) {
				assert.Equal(t, payload, resp.Payload)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportContextCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	_, addr := startCoordinator(t, block)
	ct := dialTransport(t, addr, &codec.JSONCodec{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ct.Call(ctx, message.NewRequest(message.TypeGlobalCommit, "x:1:1", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the channel survives a caller giving up
	resp, err := ct.Call(context.Background(), message.NewRequest(message.TypeGlobalBegin, "", []byte("ok")))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Payload)
}

func TestClientTransportCloseFailsPending(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	_, addr := startCoordinator(t, block)
	ct := dialTransport(t, addr, &codec.JSONCodec{}, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := ct.Call(context.Background(), message.NewRequest(message.TypeGlobalCommit, "x:1:1", nil))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ct.Close())
	require.NoError(t, ct.Close())
	assert.True(t, ct.Closed())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Close")
	}

	_, err := ct.Call(context.Background(), message.NewRequest(message.TypeGlobalBegin, "", nil))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestClientTransportPeerGone(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ct := dialTransport(t, ln.Addr().String(), &codec.JSONCodec{}, 0)
	peer := <-accepted

	errCh := make(chan error, 1)
	go func() {
		_, err := ct.Call(context.Background(), message.NewRequest(message.TypeGlobalBegin, "", nil))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peer.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrTransportClosed), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("pending call not released when the peer closed")
	}
	assert.Eventually(t, ct.Closed, time.Second, 10*time.Millisecond)
}

func TestClientTransportHeartbeat(t *testing.T) {
	_, addr := startCoordinator(t, nil)
	ct := dialTransport(t, addr, &codec.JSONCodec{}, 20*time.Millisecond)

	before := ct.LastRecv()
	assert.Eventually(t, func() bool {
		return ct.LastRecv().After(before)
	}, time.Second, 10*time.Millisecond)
	assert.False(t, ct.Closed())
}
