package entity

import (
	"strings"
	"time"
)

const (
	ProviderDriverMidjourney  = "midjourney"
	ProviderDriverFlux        = "flux"
	ProviderDriverKling       = "kling"
	ProviderDriverVolcengine  = "volcengine"
	ProviderDriverReplicate   = "replicate"
	ProviderDriverGoogleVideo = "google_video"
	ProviderDriverDashscope   = "dashscope"
)

const (
	defaultSubmitTimeout = 60 * time.Second
	defaultPollTimeout   = 30 * time.Second
	defaultTaskTimeout   = 30 * time.Minute
)

// DbProviderConfig 每个服务商一行，提交任务前读取一次作为快照
type DbProviderConfig struct {
	ID          string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string `gorm:"type:varchar(128);not null" json:"name"`
	Driver      string `gorm:"type:varchar(64);not null" json:"driver"`
	Description string `gorm:"type:text" json:"description"`
	Enabled     bool   `gorm:"column:enabled;not null" json:"enabled"`

	BaseURL   string `gorm:"column:base_url;type:text" json:"base_url"`
	APIKey    string `gorm:"column:api_key;type:text" json:"api_key"`
	APISecret string `gorm:"column:api_secret;type:text" json:"api_secret"`

	DefaultParams JSONMap      `gorm:"column:default_params;type:json" json:"default_params"`
	Pricing       PricingTable `gorm:"column:pricing;type:json" json:"pricing"`

	MaxConcurrentTasks   int `gorm:"column:max_concurrent_tasks;not null" json:"max_concurrent_tasks"`
	SubmitTimeoutSeconds int `gorm:"column:submit_timeout_seconds" json:"submit_timeout_seconds"`
	PollTimeoutSeconds   int `gorm:"column:poll_timeout_seconds" json:"poll_timeout_seconds"`
	TaskTimeoutSeconds   int `gorm:"column:task_timeout_seconds" json:"task_timeout_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DbProviderConfig) TableName() string {
	return "provider_configs"
}

// SubmitTimeout 单次提交请求的超时
func (p DbProviderConfig) SubmitTimeout() time.Duration {
	return secondsOr(p.SubmitTimeoutSeconds, defaultSubmitTimeout)
}

// PollTimeout 单次查询请求的超时
func (p DbProviderConfig) PollTimeout() time.Duration {
	return secondsOr(p.PollTimeoutSeconds, defaultPollTimeout)
}

// TaskTimeout 任务自提交起允许的最长运行时间
func (p DbProviderConfig) TaskTimeout() time.Duration {
	return secondsOr(p.TaskTimeoutSeconds, defaultTaskTimeout)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// ProviderView 管理端视图，密钥只返回掩码
type ProviderView struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Driver               string       `json:"driver"`
	Description          string       `json:"description"`
	Enabled              bool         `json:"enabled"`
	BaseURL              string       `json:"base_url"`
	APIKeyHint           string       `json:"api_key_hint,omitempty"`
	HasAPISecret         bool         `json:"has_api_secret"`
	DefaultParams        JSONMap      `json:"default_params"`
	Pricing              PricingTable `json:"pricing"`
	MaxConcurrentTasks   int          `json:"max_concurrent_tasks"`
	SubmitTimeoutSeconds int          `json:"submit_timeout_seconds"`
	PollTimeoutSeconds   int          `json:"poll_timeout_seconds"`
	TaskTimeoutSeconds   int          `json:"task_timeout_seconds"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// View 转换为管理端视图
func (p DbProviderConfig) View() ProviderView {
	return ProviderView{
		ID:                   p.ID,
		Name:                 p.Name,
		Driver:               p.Driver,
		Description:          p.Description,
		Enabled:              p.Enabled,
		BaseURL:              p.BaseURL,
		APIKeyHint:           MaskSecret(p.APIKey),
		HasAPISecret:         strings.TrimSpace(p.APISecret) != "",
		DefaultParams:        p.DefaultParams,
		Pricing:              p.Pricing,
		MaxConcurrentTasks:   p.MaxConcurrentTasks,
		SubmitTimeoutSeconds: p.SubmitTimeoutSeconds,
		PollTimeoutSeconds:   p.PollTimeoutSeconds,
		TaskTimeoutSeconds:   p.TaskTimeoutSeconds,
		UpdatedAt:            p.UpdatedAt,
	}
}

// PublicProvider 普通用户可见的服务商信息
type PublicProvider struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Pricing     PricingTable `json:"pricing"`
}

// MaskSecret 保留首尾各 4 位
func MaskSecret(secret string) string {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 8 {
		return strings.Repeat("*", len(trimmed))
	}
	return trimmed[:4] + strings.Repeat("*", len(trimmed)-8) + trimmed[len(trimmed)-4:]
}

type ProviderCreateRequest struct {
	ID                   string       `json:"id" binding:"required,max=64"`
	Name                 string       `json:"name" binding:"required"`
	Driver               string       `json:"driver" binding:"required,provider_driver"`
	Description          string       `json:"description"`
	Enabled              *bool        `json:"enabled"`
	BaseURL              string       `json:"base_url"`
	APIKey               string       `json:"api_key"`
	APISecret            string       `json:"api_secret"`
	DefaultParams        JSONMap      `json:"default_params"`
	Pricing              PricingTable `json:"pricing"`
	MaxConcurrentTasks   int          `json:"max_concurrent_tasks" binding:"gte=0"`
	SubmitTimeoutSeconds int          `json:"submit_timeout_seconds" binding:"gte=0"`
	PollTimeoutSeconds   int          `json:"poll_timeout_seconds" binding:"gte=0"`
	TaskTimeoutSeconds   int          `json:"task_timeout_seconds" binding:"gte=0"`
}

type ProviderUpdateRequest struct {
	Name                 *string       `json:"name"`
	Driver               *string       `json:"driver" binding:"omitempty,provider_driver"`
	Description          *string       `json:"description"`
	Enabled              *bool         `json:"enabled"`
	BaseURL              *string       `json:"base_url"`
	APIKey               *string       `json:"api_key"`
	APISecret            *string       `json:"api_secret"`
	DefaultParams        *JSONMap      `json:"default_params"`
	Pricing              *PricingTable `json:"pricing"`
	MaxConcurrentTasks   *int          `json:"max_concurrent_tasks" binding:"omitempty,gte=0"`
	SubmitTimeoutSeconds *int          `json:"submit_timeout_seconds" binding:"omitempty,gte=0"`
	PollTimeoutSeconds   *int          `json:"poll_timeout_seconds" binding:"omitempty,gte=0"`
	TaskTimeoutSeconds   *int          `json:"task_timeout_seconds" binding:"omitempty,gte=0"`
}

// KnownDriver 判断驱动名是否已实现
func KnownDriver(driver string) bool {
	switch driver {
	case ProviderDriverMidjourney, ProviderDriverFlux, ProviderDriverKling,
		ProviderDriverVolcengine, ProviderDriverReplicate, ProviderDriverGoogleVideo,
		ProviderDriverDashscope:
		return true
	default:
		return false
	}
}
