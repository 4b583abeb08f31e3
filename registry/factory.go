package registry

import (
	"fmt"
	"strings"

	"github.com/hein-hp/incubator-seata/config"
	"go.uber.org/zap"
)

// NewFromConfig builds the backend named by cfg.Registry.Type.
func NewFromConfig(cfg config.Config, logger *zap.Logger) (Registry, error) {
	var (
		reg Registry
		err error
	)
	switch cfg.Registry.Type {
	case config.RegistryFile, "":
		reg, err = NewFileRegistry(cfg.Service.GroupList)
	case config.RegistryEtcd3:
		endpoints := strings.Split(cfg.Registry.Etcd3.ServerAddr, ",")
		reg, err = NewEtcdRegistry(endpoints, cfg.Registry.TTL, logger)
	case config.RegistryConsul:
		reg, err = NewConsulRegistry(cfg.Registry.Consul.ServerAddr, cfg.Registry.TTL, logger)
	default:
		return nil, fmt.Errorf("registry: unknown type %q", cfg.Registry.Type)
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}
