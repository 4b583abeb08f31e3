package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides fields from SEATA_* environment variables. Malformed
// values are ignored and the current value is kept.
func (c *Config) ApplyEnv() {
	if v := getEnv("SEATA_LOADBALANCE_TYPE"); v != "" {
		c.Client.LoadBalance.Type = v
	}
	if v := getEnv("SEATA_LOADBALANCE_VIRTUAL_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Client.LoadBalance.VirtualNodes = n
		}
	}
	setDuration("SEATA_RPC_TIMEOUT", &c.Client.RPC.Timeout)
	setDuration("SEATA_RPC_RETRY_DELAY", &c.Client.RPC.RetryDelay)
	setDuration("SEATA_RPC_DIAL_TIMEOUT", &c.Client.RPC.DialTimeout)
	setDuration("SEATA_RPC_HEARTBEAT_INTERVAL", &c.Client.RPC.HeartbeatInterval)
	if v := getEnv("SEATA_RPC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Client.RPC.MaxRetries = n
		}
	}
	if v := getEnv("SEATA_RPC_CODEC"); v != "" {
		c.Client.RPC.Codec = strings.ToLower(v)
	}
	if v := getEnv("SEATA_REGISTRY_TYPE"); v != "" {
		c.Registry.Type = strings.ToLower(v)
	}
	if v := getEnv("SEATA_REGISTRY_ETCD3_SERVER_ADDR"); v != "" {
		c.Registry.Etcd3.ServerAddr = v
	}
	if v := getEnv("SEATA_REGISTRY_CONSUL_SERVER_ADDR"); v != "" {
		c.Registry.Consul.ServerAddr = v
	}
	if v := getEnv("SEATA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setDuration(key string, dst *time.Duration) {
	if v := getEnv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			*dst = d
		}
	}
}
