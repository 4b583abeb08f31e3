package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hein-hp/incubator-seata/codec"
	"github.com/hein-hp/incubator-seata/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DialFunc opens a connection to addr ("host:port").
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// ChannelManager keeps one ClientTransport per coordinator address. Channels
// are dialled lazily on first use; concurrent acquirers of the same address
// share one dial. A channel that has closed is replaced on the next Acquire.
type ChannelManager struct {
	dial        DialFunc
	dialTimeout time.Duration
	codec       codec.Codec
	heartbeat   time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

// channel is one dial in progress or done. ready is closed once t or err is
// set.
type channel struct {
	ready chan struct{}
	t     *ClientTransport
	err   error
}

func (c *channel) failed() bool {
	select {
	case <-c.ready:
		return c.err != nil || c.t.Closed()
	default:
		return false
	}
}

// ManagerOption configures a ChannelManager.
type ManagerOption func(*ChannelManager)

// WithDialFunc replaces the default TCP dialer.
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *ChannelManager) { m.dial = dial }
}

// WithDialTimeout bounds every dial. Default 3s.
func WithDialTimeout(d time.Duration) ManagerOption {
	return func(m *ChannelManager) { m.dialTimeout = d }
}

// WithHeartbeat sets the heartbeat interval of new channels; 0 disables it.
func WithHeartbeat(d time.Duration) ManagerOption {
	return func(m *ChannelManager) { m.heartbeat = d }
}

// WithManagerLogger sets the logger. Default is a no-op logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *ChannelManager) { m.logger = l }
}

// NewChannelManager creates a manager whose channels encode with cdc.
func NewChannelManager(cdc codec.Codec, opts ...ManagerOption) *ChannelManager {
	m := &ChannelManager{
		dialTimeout: 3 * time.Second,
		codec:       cdc,
		logger:      zap.NewNop(),
		channels:    make(map[string]*channel),
	}
	var d net.Dialer
	m.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the channel to addr, dialling it if needed. ctx bounds the
// wait; the dial itself is bounded by the dial timeout so that one caller
// giving up does not fail the others sharing it.
func (m *ChannelManager) Acquire(ctx context.Context, addr registry.Address) (*ClientTransport, error) {
	key := addr.String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrTransportClosed
	}
	ch, ok := m.channels[key]
	if !ok || ch.failed() {
		ch = &channel{ready: make(chan struct{})}
		m.channels[key] = ch
		go m.connect(ctx, key, ch)
	}
	m.mu.Unlock()

	select {
	case <-ch.ready:
		if ch.err != nil {
			return nil, ch.err
		}
		return ch.t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ChannelManager) connect(ctx context.Context, key string, ch *channel) {
	defer close(ch.ready)

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.dialTimeout)
	defer cancel()
	conn, err := m.dial(dialCtx, key)
	if err != nil {
		m.logger.Warn("dial coordinator failed", zap.String("addr", key), zap.Error(err))
		ch.err = err
		m.mu.Lock()
		if m.channels[key] == ch {
			delete(m.channels, key)
		}
		m.mu.Unlock()
		return
	}

	t := NewClientTransport(conn, m.codec, m.heartbeat, m.logger)
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		// Close raced with the dial
		_ = t.Close()
		ch.err = ErrTransportClosed
		return
	}
	ch.t = t
	m.logger.Debug("coordinator channel established", zap.String("addr", key))
}

// Invalidate closes and forgets the channel to addr, if any. The next Acquire
// dials a new one.
func (m *ChannelManager) Invalidate(addr registry.Address) {
	key := addr.String()
	m.mu.Lock()
	ch, ok := m.channels[key]
	if ok {
		delete(m.channels, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		<-ch.ready
		if ch.t != nil {
			_ = ch.t.Close()
		}
	}()
}

// Len returns the number of channels currently held.
func (m *ChannelManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close closes every channel. Acquire fails with ErrTransportClosed
// afterwards.
func (m *ChannelManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	channels := m.channels
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			<-ch.ready
			if ch.t != nil {
				return ch.t.Close()
			}
			return nil
		})
	}
	return g.Wait()
}
