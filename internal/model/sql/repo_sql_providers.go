package sql

import (
	"context"
	"fmt"
	"strings"

	"genmarket/internal/entity"

	"gorm.io/gorm"
)

// CreateProviderConfig inserts a new provider row.
func (r *GormRepository) CreateProviderConfig(ctx context.Context, cfg *entity.DbProviderConfig) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if cfg == nil {
		return fmt.Errorf("provider config is nil")
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Driver = strings.TrimSpace(cfg.Driver)
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if cfg.Driver == "" {
		return fmt.Errorf("provider driver is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	return r.db.WithContext(ctx).Create(cfg).Error
}

// UpdateProviderConfig applies partial updates to a provider row.
func (r *GormRepository) UpdateProviderConfig(ctx context.Context, id string, updates entity.ProviderConfigUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("provider id is required")
	}
	if updates.IsEmpty() {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbProviderConfig{}).
		Where("id = ?", id).
		Updates(updates.ToMap())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteProviderConfig deletes a provider by id.
func (r *GormRepository) DeleteProviderConfig(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("provider id is required")
	}
	result := r.db.WithContext(ctx).Delete(&entity.DbProviderConfig{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetProviderConfig loads a provider row by id.
func (r *GormRepository) GetProviderConfig(ctx context.Context, id string) (*entity.DbProviderConfig, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	var cfg entity.DbProviderConfig
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListProviderConfigs returns providers ordered by id.
func (r *GormRepository) ListProviderConfigs(ctx context.Context, includeDisabled bool) ([]entity.DbProviderConfig, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	query := r.db.WithContext(ctx).Model(&entity.DbProviderConfig{})
	if !includeDisabled {
		query = query.Where("enabled = ?", true)
	}
	var configs []entity.DbProviderConfig
	if err := query.Order("id ASC").Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}
