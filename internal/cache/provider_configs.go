package cache

import (
	"context"
	"encoding/json"

	"genmarket/internal/entity"

	"github.com/sirupsen/logrus"
)

const providerKeyPrefix = "provider_config:"

// ProviderLoader 从数据库读取服务商配置
type ProviderLoader interface {
	GetProviderConfig(ctx context.Context, id string) (*entity.DbProviderConfig, error)
}

// ProviderConfigs 返回服务商配置快照。每次调用得到独立副本，
// 管理端修改配置后必须调用 Invalidate。
type ProviderConfigs struct {
	loader ProviderLoader
	store  Store
}

func NewProviderConfigs(loader ProviderLoader, store Store) *ProviderConfigs {
	return &ProviderConfigs{loader: loader, store: store}
}

func (c *ProviderConfigs) Get(ctx context.Context, id string) (*entity.DbProviderConfig, error) {
	key := providerKeyPrefix + id
	if c.store != nil {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			logrus.WithContext(ctx).WithError(err).WithField("provider", id).Warn("provider_cache_get_failed")
		} else if raw != nil {
			var cfg entity.DbProviderConfig
			if err := json.Unmarshal(raw, &cfg); err == nil {
				return &cfg, nil
			}
		}
	}

	cfg, err := c.loader.GetProviderConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			if err := c.store.Set(ctx, key, raw); err != nil {
				logrus.WithContext(ctx).WithError(err).WithField("provider", id).Warn("provider_cache_set_failed")
			}
		}
	}
	return cfg, nil
}

func (c *ProviderConfigs) Invalidate(ctx context.Context, id string) error {
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, providerKeyPrefix+id)
}
