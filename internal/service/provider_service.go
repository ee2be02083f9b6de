package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"genmarket/internal/cache"
	"genmarket/internal/entity"
	"genmarket/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrInvalidProvider = errors.New("invalid provider config")
	ErrProviderExists  = errors.New("provider already exists")
)

var providerIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ProviderService 服务商配置的管理端读写，每次写入后失效快照缓存
type ProviderService struct {
	repo      model.Repository
	snapshots *cache.ProviderConfigs
}

func NewProviderService(repo model.Repository, snapshots *cache.ProviderConfigs) *ProviderService {
	return &ProviderService{repo: repo, snapshots: snapshots}
}

// NormaliseProviderID 服务商 ID 只允许小写字母、数字、连字符与下划线
func NormaliseProviderID(raw string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidProvider)
	}
	if !providerIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: id may only contain lowercase letters, digits, '-' and '_'", ErrInvalidProvider)
	}
	return trimmed, nil
}

func (s *ProviderService) List(ctx context.Context, includeDisabled bool) ([]entity.DbProviderConfig, error) {
	return s.repo.ListProviderConfigs(ctx, includeDisabled)
}

func (s *ProviderService) Get(ctx context.Context, id string) (*entity.DbProviderConfig, error) {
	cfg, err := s.repo.GetProviderConfig(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func (s *ProviderService) Create(ctx context.Context, req entity.ProviderCreateRequest) (*entity.DbProviderConfig, error) {
	id, err := NormaliseProviderID(req.ID)
	if err != nil {
		return nil, err
	}
	driver := strings.ToLower(strings.TrimSpace(req.Driver))
	if !entity.KnownDriver(driver) {
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidProvider, req.Driver)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := &entity.DbProviderConfig{
		ID:                   id,
		Name:                 strings.TrimSpace(req.Name),
		Driver:               driver,
		Description:          strings.TrimSpace(req.Description),
		Enabled:              enabled,
		BaseURL:              strings.TrimSpace(req.BaseURL),
		APIKey:               strings.TrimSpace(req.APIKey),
		APISecret:            strings.TrimSpace(req.APISecret),
		DefaultParams:        req.DefaultParams,
		Pricing:              req.Pricing,
		MaxConcurrentTasks:   req.MaxConcurrentTasks,
		SubmitTimeoutSeconds: req.SubmitTimeoutSeconds,
		PollTimeoutSeconds:   req.PollTimeoutSeconds,
		TaskTimeoutSeconds:   req.TaskTimeoutSeconds,
	}
	if err := s.repo.CreateProviderConfig(ctx, cfg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrProviderExists
		}
		return nil, err
	}
	s.invalidate(ctx, id)
	logrus.WithContext(ctx).WithFields(logrus.Fields{"provider": id, "driver": driver}).Info("provider_created")
	return cfg, nil
}

func (s *ProviderService) Update(ctx context.Context, id string, req entity.ProviderUpdateRequest) (*entity.DbProviderConfig, error) {
	updates := entity.ProviderConfigUpdates{
		Name:                 trimmedPtr(req.Name),
		Description:          trimmedPtr(req.Description),
		Enabled:              req.Enabled,
		BaseURL:              trimmedPtr(req.BaseURL),
		APIKey:               trimmedPtr(req.APIKey),
		APISecret:            trimmedPtr(req.APISecret),
		DefaultParams:        req.DefaultParams,
		Pricing:              req.Pricing,
		MaxConcurrentTasks:   req.MaxConcurrentTasks,
		SubmitTimeoutSeconds: req.SubmitTimeoutSeconds,
		PollTimeoutSeconds:   req.PollTimeoutSeconds,
		TaskTimeoutSeconds:   req.TaskTimeoutSeconds,
	}
	if req.Driver != nil {
		driver := strings.ToLower(strings.TrimSpace(*req.Driver))
		if !entity.KnownDriver(driver) {
			return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidProvider, *req.Driver)
		}
		updates.Driver = &driver
	}
	if updates.IsEmpty() {
		return s.Get(ctx, id)
	}

	if err := s.repo.UpdateProviderConfig(ctx, id, updates); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	s.invalidate(ctx, id)
	logrus.WithContext(ctx).WithField("provider", id).Info("provider_updated")
	return s.Get(ctx, id)
}

func (s *ProviderService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteProviderConfig(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrProviderNotFound
		}
		return err
	}
	s.invalidate(ctx, id)
	logrus.WithContext(ctx).WithField("provider", id).Info("provider_deleted")
	return nil
}

// invalidate 缓存失效失败只记录日志，快照会在 TTL 后自然过期
func (s *ProviderService) invalidate(ctx context.Context, id string) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Invalidate(ctx, id); err != nil {
		logrus.WithContext(ctx).WithError(err).WithField("provider", id).Warn("provider_cache_invalidate_failed")
	}
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}
