package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/loadbalance"
	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/middleware"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/hein-hp/incubator-seata/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCoordinator answers GlobalBegin with its own address and GlobalCommit
// with an error.
func startCoordinator(t *testing.T) (*server.Server, registry.Address) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := registry.ParseAddress(ln.Addr().String())
	require.NoError(t, err)

	s := server.New()
	s.Handle(message.TypeGlobalBegin, func(context.Context, *message.RpcMessage) ([]byte, error) {
		return []byte(addr.String()), nil
	})
	s.Handle(message.TypeGlobalCommit, func(context.Context, *message.RpcMessage) ([]byte, error) {
		return nil, errors.New("global transaction does not exist")
	})
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, addr
}

func testConfig(lb string) config.Config {
	cfg := config.Default()
	cfg.Client.LoadBalance.Type = lb
	cfg.Client.RPC.Timeout = time.Second
	cfg.Client.RPC.RetryDelay = 5 * time.Millisecond
	cfg.Client.RPC.HeartbeatInterval = 0
	return cfg
}

func newClient(t *testing.T, lb string, addrs ...registry.Address) *Client {
	t.Helper()
	list := make([]string, len(addrs))
	for i, a := range addrs {
		list[i] = a.String()
	}
	reg, err := registry.NewFileRegistry(map[string]string{config.DefaultCluster: strings.Join(list, ",")})
	require.NoError(t, err)

	c, err := New(testConfig(lb), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func begin(t *testing.T, c *Client, xid string) string {
	t.Helper()
	resp, err := c.Invoke(context.Background(), config.DefaultTxServiceGroup, xid,
		message.NewRequest(message.TypeGlobalBegin, xid, nil))
	require.NoError(t, err)
	assert.Equal(t, message.TypeGlobalBeginResult, resp.Type)
	return string(resp.Payload)
}

func TestInvokeRoundRobin(t *testing.T) {
	_, a1 := startCoordinator(t)
	_, a2 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceRoundRobin, a1, a2)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		counts[begin(t, c, "")]++
	}
	assert.Equal(t, map[string]int{a1.String(): 5, a2.String(): 5}, counts)
}

func TestInvokeXIDAffinity(t *testing.T) {
	_, a1 := startCoordinator(t)
	_, a2 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceXID, a1, a2)

	for i := 0; i < 5; i++ {
		assert.Equal(t, a2.String(), begin(t, c, a2.String()+":12345"))
		assert.Equal(t, a1.String(), begin(t, c, a1.String()+":12346"))
	}
}

func TestInvokeConsistentHashIsSticky(t *testing.T) {
	_, a1 := startCoordinator(t)
	_, a2 := startCoordinator(t)
	_, a3 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceConsistentHash, a1, a2, a3)

	first := begin(t, c, "tx-1")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, begin(t, c, "tx-1"))
	}
}

func TestInvokeLeastActive(t *testing.T) {
	_, a1 := startCoordinator(t)
	_, a2 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceLeastActive, a1, a2)

	// a1 looks busy, so every call lands on a2
	c.Status().BeginCount(a1.String())
	for i := 0; i < 5; i++ {
		assert.Equal(t, a2.String(), begin(t, c, ""))
	}
	assert.Equal(t, int64(0), c.Status().ActiveCount(a2.String()))
	assert.Equal(t, int64(5), c.Status().Get(a2.String()).Total())
}

func TestInvokeRemoteError(t *testing.T) {
	_, a1 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceRandom, a1)

	resp, err := c.Invoke(context.Background(), config.DefaultTxServiceGroup, "x",
		message.NewRequest(message.TypeGlobalCommit, "x", nil))
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "global transaction does not exist", remote.Msg)
	require.NotNil(t, resp)
	assert.Equal(t, message.TypeGlobalCommitResult, resp.Type)
}

func TestInvokeNoAvailableServer(t *testing.T) {
	c := newClient(t, config.LoadBalanceXID)

	_, err := c.Invoke(context.Background(), config.DefaultTxServiceGroup, "x",
		message.NewRequest(message.TypeGlobalBegin, "", nil))
	assert.ErrorIs(t, err, ErrNoAvailableServer)
	assert.ErrorIs(t, err, loadbalance.ErrInvalidPool)

	_, err = c.Invoke(context.Background(), "unknown_group", "x",
		message.NewRequest(message.TypeGlobalBegin, "", nil))
	assert.ErrorIs(t, err, ErrNoAvailableServer)
}

func TestInvokeCoordinatorDown(t *testing.T) {
	s, a1 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceRoundRobin, a1)
	begin(t, c, "")

	require.NoError(t, s.Shutdown(context.Background()))

	_, err := c.Invoke(context.Background(), config.DefaultTxServiceGroup, "",
		message.NewRequest(message.TypeGlobalBegin, "", nil))
	require.Error(t, err)
	assert.True(t, middleware.IsRetryable(err), "got %v", err)
	assert.Equal(t, int64(0), c.Status().ActiveCount(a1.String()))
}

func TestInvokeFollowsRegistry(t *testing.T) {
	_, a1 := startCoordinator(t)
	_, a2 := startCoordinator(t)
	reg, err := registry.NewFileRegistry(map[string]string{config.DefaultCluster: a1.String()})
	require.NoError(t, err)
	c, err := New(testConfig(config.LoadBalanceRoundRobin), reg)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, a1.String(), begin(t, c, ""))

	require.NoError(t, reg.Register(context.Background(), config.DefaultCluster, a2))
	require.NoError(t, reg.Unregister(context.Background(), config.DefaultCluster, a1))
	for i := 0; i < 3; i++ {
		assert.Equal(t, a2.String(), begin(t, c, ""))
	}
}

func TestInvokeConcurrent(t *testing.T) {
	_, a1 := startCoordinator(t)
	_, a2 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceLeastActive, a1, a2)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Invoke(context.Background(), config.DefaultTxServiceGroup, "",
				message.NewRequest(message.TypeGlobalBegin, "", nil))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), c.Status().ActiveCount(a1.String()))
	assert.Equal(t, int64(0), c.Status().ActiveCount(a2.String()))
	assert.Equal(t, int64(50), c.Status().Get(a1.String()).Total()+c.Status().Get(a2.String()).Total())
}

func TestWithMiddleware(t *testing.T) {
	_, a1 := startCoordinator(t)
	reg, err := registry.NewFileRegistry(map[string]string{config.DefaultCluster: a1.String()})
	require.NoError(t, err)

	var seen []string
	var mu sync.Mutex
	c, err := New(testConfig(config.LoadBalanceRandom), reg, WithMiddleware(func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
			mu.Lock()
			seen = append(seen, addr.String())
			mu.Unlock()
			return next(ctx, addr, req)
		}
	}))
	require.NoError(t, err)
	defer c.Close()

	begin(t, c, "")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{a1.String()}, seen)
}

func TestWithRegisterer(t *testing.T) {
	_, a1 := startCoordinator(t)
	reg, err := registry.NewFileRegistry(map[string]string{config.DefaultCluster: a1.String()})
	require.NoError(t, err)

	promReg := prometheus.NewPedanticRegistry()
	c, err := New(testConfig(config.LoadBalanceRandom), reg, WithRegisterer(promReg))
	require.NoError(t, err)
	defer c.Close()
	begin(t, c, "")

	families, err := promReg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["seata_rpc_calls_total"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	reg, err := registry.NewFileRegistry(nil)
	require.NoError(t, err)

	_, err = New(testConfig("WeightedLoadBalance"), reg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(testConfig(config.LoadBalanceXID), nil)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	_, a1 := startCoordinator(t)
	c := newClient(t, config.LoadBalanceXID, a1)
	begin(t, c, "")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.Invoke(context.Background(), config.DefaultTxServiceGroup, "",
		message.NewRequest(message.TypeGlobalBegin, "", nil))
	assert.ErrorIs(t, err, ErrClientClosed)
}
