package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdKeyPrefix = "/registry-seata/"

// EtcdRegistry keeps coordinator addresses in etcd v3:
//
//	Key:   /registry-seata/{cluster}/{host:port}
//	Value: JSON-encoded Address
//
// Registration uses a TTL lease kept alive in the background; if the
// coordinator dies the lease expires and its entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, for Unregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, ttl time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return newEtcdRegistry(c, ttl, logger), nil
}

func newEtcdRegistry(c *clientv3.Client, ttl time.Duration, logger *zap.Logger) *EtcdRegistry {
	if ttl < time.Second {
		ttl = 10 * time.Second
	}
	return &EtcdRegistry{
		client: c,
		ttl:    ttl,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}
}

func etcdPrefix(cluster string) string {
	return etcdKeyPrefix + cluster + "/"
}

func etcdKey(cluster string, addr Address) string {
	return etcdPrefix(cluster) + addr.String()
}

// Register puts addr under cluster with a lease and keeps the lease alive
// until Unregister or Close.
//
// Flow:
//  1. Grant a lease with the registry TTL
//  2. Put the key with the lease attached
//  3. KeepAlive the lease in the background
func (r *EtcdRegistry) Register(ctx context.Context, cluster string, addr Address) error {
	lease, err := r.client.Grant(ctx, int64(r.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(addr)
	if err != nil {
		return err
	}

	key := etcdKey(cluster, addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// The keepalive must outlive ctx, which usually belongs to a startup call.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive %s: %w", key, err)
	}
	// Consume KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.logger.Info("registered coordinator", zap.String("cluster", cluster), zap.Stringer("addr", addr))
	return nil
}

// Unregister deletes the entry and revokes its lease, which also stops the
// keepalive.
func (r *EtcdRegistry) Unregister(ctx context.Context, cluster string, addr Address) error {
	key := etcdKey(cluster, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Lookup returns every address currently stored under cluster.
func (r *EtcdRegistry) Lookup(ctx context.Context, cluster string) ([]Address, error) {
	resp, err := r.client.Get(ctx, etcdPrefix(cluster), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", cluster, err)
	}

	addrs := make([]Address, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr, err := decodeEtcdValue(kv.Key, kv.Value)
		if err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Watch re-reads the full list whenever anything under cluster changes.
// That is simpler than applying individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, cluster string) (<-chan []Address, error) {
	ch := make(chan []Address, 1)
	initial, err := r.Lookup(ctx, cluster)
	if err != nil {
		return nil, err
	}
	ch <- initial

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, etcdPrefix(cluster), clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.logger.Warn("etcd watch error", zap.String("cluster", cluster), zap.Error(err))
				continue
			}
			addrs, err := r.Lookup(ctx, cluster)
			if err != nil {
				r.logger.Warn("etcd lookup after watch event failed", zap.String("cluster", cluster), zap.Error(err))
				continue
			}
			select {
			case <-ch: // replace an unread list
			default:
			}
			select {
			case ch <- addrs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// decodeEtcdValue reads the JSON value, falling back to the address in the
// key for entries written by other tools as plain strings.
func decodeEtcdValue(key, value []byte) (Address, error) {
	var addr Address
	if err := json.Unmarshal(value, &addr); err == nil && addr.Host != "" && addr.Port > 0 {
		return addr, nil
	}
	k := string(key)
	return ParseAddress(k[strings.LastIndex(k, "/")+1:])
}
