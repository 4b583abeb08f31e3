package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
client:
  loadBalance:
    type: ConsistentHashLoadBalance
    virtualNodes: 16
  rpc:
    timeout: 500ms
    maxRetries: 1
    codec: binary
service:
  vgroupMapping:
    order_tx_group: order
  grouplist:
    order: 10.0.0.1:8091,10.0.0.2:8091
registry:
  type: etcd3
  etcd3:
    serverAddr: 127.0.0.1:2379
log:
  level: debug
`

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, LoadBalanceXID, cfg.Client.LoadBalance.Type)
	assert.Equal(t, DefaultVirtualNodes, cfg.Client.LoadBalance.VirtualNodes)

	cluster, ok := cfg.Cluster(DefaultTxServiceGroup)
	assert.True(t, ok)
	assert.Equal(t, DefaultCluster, cluster)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, LoadBalanceConsistentHash, cfg.Client.LoadBalance.Type)
	assert.Equal(t, 16, cfg.Client.LoadBalance.VirtualNodes)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.RPC.Timeout)
	assert.Equal(t, 1, cfg.Client.RPC.MaxRetries)
	assert.Equal(t, "binary", cfg.Client.RPC.Codec)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Client.RPC.HeartbeatInterval)

	cluster, ok := cfg.Cluster("order_tx_group")
	assert.True(t, ok)
	assert.Equal(t, "order", cluster)
	assert.Equal(t, "10.0.0.1:8091,10.0.0.2:8091", cfg.Service.GroupList["order"])
	assert.Equal(t, RegistryEtcd3, cfg.Registry.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, LoadBalanceConsistentHash, cfg.Client.LoadBalance.Type)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("client: [unterminated"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SEATA_LOADBALANCE_TYPE", LoadBalanceLeastActive)
	t.Setenv("SEATA_LOADBALANCE_VIRTUAL_NODES", "32")
	t.Setenv("SEATA_RPC_TIMEOUT", "2s")
	t.Setenv("SEATA_RPC_MAX_RETRIES", "not-a-number")
	t.Setenv("SEATA_REGISTRY_TYPE", "CONSUL")
	t.Setenv("SEATA_REGISTRY_CONSUL_SERVER_ADDR", "127.0.0.1:8500")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, LoadBalanceLeastActive, cfg.Client.LoadBalance.Type)
	assert.Equal(t, 32, cfg.Client.LoadBalance.VirtualNodes)
	assert.Equal(t, 2*time.Second, cfg.Client.RPC.Timeout)
	assert.Equal(t, Default().Client.RPC.MaxRetries, cfg.Client.RPC.MaxRetries)
	assert.Equal(t, RegistryConsul, cfg.Registry.Type)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown load balance", func(c *Config) { c.Client.LoadBalance.Type = "Weighted" }},
		{"zero virtual nodes", func(c *Config) { c.Client.LoadBalance.VirtualNodes = 0 }},
		{"negative retries", func(c *Config) { c.Client.RPC.MaxRetries = -1 }},
		{"rate without burst", func(c *Config) { c.Client.RPC.RateLimit = 10; c.Client.RPC.RateBurst = 0 }},
		{"unknown codec", func(c *Config) { c.Client.RPC.Codec = "xml" }},
		{"etcd without address", func(c *Config) { c.Registry.Type = RegistryEtcd3 }},
		{"unknown registry", func(c *Config) { c.Registry.Type = "zk" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLogBuild(t *testing.T) {
	logger, err := Log{Level: "debug", Development: true}.Build()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = Log{Level: "loud"}.Build()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
