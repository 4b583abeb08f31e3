package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hein-hp/incubator-seata/codec"
	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingDialer(n *atomic.Int32) DialFunc {
	var d net.Dialer
	return func(ctx context.Context, addr string) (net.Conn, error) {
		n.Add(1)
		time.Sleep(20 * time.Millisecond)
		return d.DialContext(ctx, "tcp", addr)
	}
}

func TestChannelManagerSharesDial(t *testing.T) {
	_, raw := startCoordinator(t, nil)
	addr, err := registry.ParseAddress(raw)
	require.NoError(t, err)

	var dials atomic.Int32
	m := NewChannelManager(&codec.JSONCodec{}, WithDialFunc(countingDialer(&dials)))
	defer m.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[*ClientTransport]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := m.Acquire(context.Background(), addr)
			if assert.NoError(t, err) {
				mu.Lock()
				seen[ct] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, m.Len())
}

func TestChannelManagerReplacesClosed(t *testing.T) {
	_, raw := startCoordinator(t, nil)
	addr, err := registry.ParseAddress(raw)
	require.NoError(t, err)

	m := NewChannelManager(&codec.JSONCodec{})
	defer m.Close()

	first, err := m.Acquire(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := m.Acquire(context.Background(), addr)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	resp, err := second.Call(context.Background(), message.NewRequest(message.TypeGlobalBegin, "", []byte("hi")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), resp.Payload)
}

func TestChannelManagerInvalidate(t *testing.T) {
	_, raw := startCoordinator(t, nil)
	addr, err := registry.ParseAddress(raw)
	require.NoError(t, err)

	m := NewChannelManager(&codec.JSONCodec{})
	defer m.Close()

	first, err := m.Acquire(context.Background(), addr)
	require.NoError(t, err)
	m.Invalidate(addr)
	assert.Equal(t, 0, m.Len())
	assert.Eventually(t, first.Closed, time.Second, 10*time.Millisecond)

	second, err := m.Acquire(context.Background(), addr)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestChannelManagerDialError(t *testing.T) {
	boom := errors.New("connection refused")
	var dials atomic.Int32
	m := NewChannelManager(&codec.JSONCodec{}, WithDialFunc(func(context.Context, string) (net.Conn, error) {
		dials.Add(1)
		return nil, boom
	}))
	defer m.Close()

	addr := registry.NewAddress("127.0.0.1", 1)
	_, err := m.Acquire(context.Background(), addr)
	assert.ErrorIs(t, err, boom)
	_, err = m.Acquire(context.Background(), addr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), dials.Load(), "failed dials are not cached")
}

func TestChannelManagerAcquireContext(t *testing.T) {
	m := NewChannelManager(&codec.JSONCodec{}, WithDialFunc(func(ctx context.Context, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithDialTimeout(time.Second))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, registry.NewAddress("127.0.0.1", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelManagerClose(t *testing.T) {
	_, raw := startCoordinator(t, nil)
	addr, err := registry.ParseAddress(raw)
	require.NoError(t, err)

	m := NewChannelManager(&codec.JSONCodec{})
	ct, err := m.Acquire(context.Background(), addr)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, ct.Closed())
	_, err = m.Acquire(context.Background(), addr)
	assert.ErrorIs(t, err, ErrTransportClosed)
}
