// Package config loads the client configuration from YAML and the
// environment.
//
//	client:
//	  loadBalance:
//	    type: XID
//	    virtualNodes: 10
//	  rpc:
//	    timeout: 3s
//	service:
//	  vgroupMapping:
//	    default_tx_group: default
//	  grouplist:
//	    default: 127.0.0.1:8091
//	registry:
//	  type: file
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load balancer names accepted by client.loadBalance.type.
const (
	LoadBalanceRandom         = "RandomLoadBalance"
	LoadBalanceRoundRobin     = "RoundRobinLoadBalance"
	LoadBalanceXID            = "XID"
	LoadBalanceConsistentHash = "ConsistentHashLoadBalance"
	LoadBalanceLeastActive    = "LeastActiveLoadBalance"
)

// Registry types accepted by registry.type.
const (
	RegistryFile   = "file"
	RegistryEtcd3  = "etcd3"
	RegistryConsul = "consul"
)

const (
	DefaultTxServiceGroup = "default_tx_group"
	DefaultCluster        = "default"
	DefaultVirtualNodes   = 10
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Client   Client   `yaml:"client"`
	Service  Service  `yaml:"service"`
	Registry Registry `yaml:"registry"`
	Log      Log      `yaml:"log"`
}

type Client struct {
	LoadBalance LoadBalance `yaml:"loadBalance"`
	RPC         RPC         `yaml:"rpc"`
}

// LoadBalance selects the strategy bound to the client's selector.
type LoadBalance struct {
	Type         string `yaml:"type"`
	VirtualNodes int    `yaml:"virtualNodes"`
}

// RPC tunes the invocation chain around each coordinator call.
type RPC struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	RateLimit         float64       `yaml:"rateLimit"` // calls per second, 0 disables
	RateBurst         int           `yaml:"rateBurst"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	Codec             string        `yaml:"codec"` // json or binary
}

// Service maps transaction service groups to clusters, and clusters to a
// static address list for the file registry.
type Service struct {
	VGroupMapping map[string]string `yaml:"vgroupMapping"`
	GroupList     map[string]string `yaml:"grouplist"`
}

type Registry struct {
	Type   string        `yaml:"type"`
	TTL    time.Duration `yaml:"ttl"`
	Etcd3  Endpoint      `yaml:"etcd3"`
	Consul Endpoint      `yaml:"consul"`
}

type Endpoint struct {
	ServerAddr string `yaml:"serverAddr"` // comma separated for etcd3
}

// Default returns a configuration usable against a single local coordinator.
func Default() Config {
	return Config{
		Client: Client{
			LoadBalance: LoadBalance{
				Type:         LoadBalanceXID,
				VirtualNodes: DefaultVirtualNodes,
			},
			RPC: RPC{
				Timeout:           3 * time.Second,
				MaxRetries:        2,
				RetryDelay:        100 * time.Millisecond,
				RateBurst:         1,
				HeartbeatInterval: 30 * time.Second,
				DialTimeout:       3 * time.Second,
				Codec:             "json",
			},
		},
		Service: Service{
			VGroupMapping: map[string]string{DefaultTxServiceGroup: DefaultCluster},
			GroupList:     map[string]string{DefaultCluster: "127.0.0.1:8091"},
		},
		Registry: Registry{
			Type: RegistryFile,
			TTL:  10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path, overlays it on Default, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse overlays YAML data on Default without validating.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Cluster returns the cluster a transaction service group is mapped to.
func (c Config) Cluster(group string) (string, bool) {
	cluster, ok := c.Service.VGroupMapping[group]
	return cluster, ok && cluster != ""
}

func (c Config) Validate() error {
	switch c.Client.LoadBalance.Type {
	case LoadBalanceRandom, LoadBalanceRoundRobin, LoadBalanceXID,
		LoadBalanceConsistentHash, LoadBalanceLeastActive:
	default:
		return fmt.Errorf("%w: unknown load balance type %q", ErrInvalidConfig, c.Client.LoadBalance.Type)
	}
	if c.Client.LoadBalance.VirtualNodes <= 0 {
		return fmt.Errorf("%w: virtualNodes must be positive", ErrInvalidConfig)
	}
	rpc := c.Client.RPC
	if rpc.Timeout < 0 || rpc.RetryDelay < 0 || rpc.DialTimeout < 0 || rpc.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: negative duration in client.rpc", ErrInvalidConfig)
	}
	if rpc.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidConfig)
	}
	if rpc.RateLimit < 0 || (rpc.RateLimit > 0 && rpc.RateBurst <= 0) {
		return fmt.Errorf("%w: rateLimit needs a positive rateBurst", ErrInvalidConfig)
	}
	if rpc.Codec != "json" && rpc.Codec != "binary" {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, rpc.Codec)
	}
	switch c.Registry.Type {
	case RegistryFile:
	case RegistryEtcd3:
		if c.Registry.Etcd3.ServerAddr == "" {
			return fmt.Errorf("%w: registry.etcd3.serverAddr is required", ErrInvalidConfig)
		}
	case RegistryConsul:
		if c.Registry.Consul.ServerAddr == "" {
			return fmt.Errorf("%w: registry.consul.serverAddr is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown registry type %q", ErrInvalidConfig, c.Registry.Type)
	}
	return nil
}
