package model

import (
	"context"
	"errors"
	"strings"

	"genmarket/internal/config"
	"genmarket/internal/entity"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SeedDefaultProviders 确保内置服务商存在；环境变量中的密钥只会填充尚未配置的行
func SeedDefaultProviders(ctx context.Context, repo Repository, cfg config.Config) error {
	if repo == nil {
		return nil
	}

	for _, seed := range buildDefaultProviderSeeds(cfg) {
		existing, err := repo.GetProviderConfig(ctx, seed.ID)
		switch {
		case err == nil:
			if err := syncExistingProvider(ctx, repo, existing, seed); err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := seed
			if err := repo.CreateProviderConfig(ctx, &row); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func syncExistingProvider(ctx context.Context, repo Repository, existing *entity.DbProviderConfig, seed entity.DbProviderConfig) error {
	if existing == nil {
		return nil
	}

	var updates entity.ProviderConfigUpdates
	if key := strings.TrimSpace(seed.APIKey); key != "" && strings.TrimSpace(existing.APIKey) == "" {
		updates.APIKey = &key
	}
	if secret := strings.TrimSpace(seed.APISecret); secret != "" && strings.TrimSpace(existing.APISecret) == "" {
		updates.APISecret = &secret
	}
	if base := strings.TrimSpace(seed.BaseURL); base != "" && strings.TrimSpace(existing.BaseURL) == "" {
		updates.BaseURL = &base
	}
	if updates.IsEmpty() {
		return nil
	}
	if !existing.Enabled && seed.Enabled {
		enabled := true
		updates.Enabled = &enabled
	}
	return repo.UpdateProviderConfig(ctx, existing.ID, updates)
}

func flatPrice(base int64) entity.PricingTable {
	return entity.PricingTable{Default: decimal.NewFromInt(base)}
}

func buildDefaultProviderSeeds(cfg config.Config) []entity.DbProviderConfig {
	mjBase := strings.TrimSpace(cfg.MidjourneyBaseURL)
	mjSecret := strings.TrimSpace(cfg.MidjourneyAPISecret)
	fluxKey := strings.TrimSpace(cfg.FluxAPIKey)
	klingAccess := strings.TrimSpace(cfg.KlingAccessKey)
	klingSecret := strings.TrimSpace(cfg.KlingSecretKey)
	volcengineKey := strings.TrimSpace(cfg.VolcengineAPIKey)
	googleKey := strings.TrimSpace(cfg.GoogleAPIKey)
	replicateToken := strings.TrimSpace(cfg.ReplicateAPIToken)
	dashscopeKey := strings.TrimSpace(cfg.DashscopeAPIKey)

	return []entity.DbProviderConfig{
		{
			ID:                 "midjourney",
			Name:               "Midjourney",
			Driver:             entity.ProviderDriverMidjourney,
			Description:        "Midjourney 代理服务，文生图与图生图",
			BaseURL:            mjBase,
			APISecret:          mjSecret,
			Enabled:            mjBase != "",
			Pricing:            flatPrice(10),
			MaxConcurrentTasks: 3,
		},
		{
			ID:                 "flux",
			Name:               "FLUX",
			Driver:             entity.ProviderDriverFlux,
			Description:        "Black Forest Labs FLUX 图像模型",
			BaseURL:            "https://api.bfl.ai",
			APIKey:             fluxKey,
			Enabled:            fluxKey != "",
			DefaultParams:      entity.JSONMap{"model": "flux-pro-1.1"},
			Pricing:            flatPrice(8),
			MaxConcurrentTasks: 5,
		},
		{
			ID:          "kling",
			Name:        "Kling",
			Driver:      entity.ProviderDriverKling,
			Description: "可灵视频生成，支持口型同步",
			BaseURL:     "https://api-beijing.klingai.com",
			APIKey:      klingAccess,
			APISecret:   klingSecret,
			Enabled:     klingAccess != "" && klingSecret != "",
			DefaultParams: entity.JSONMap{
				"model":    "kling-v2-1",
				"duration": 5,
			},
			Pricing: entity.PricingTable{
				Default: decimal.NewFromInt(40),
				Models: map[string]entity.ModelPrice{
					"*": {
						Base:        decimal.NewFromInt(30),
						PerSecond:   decimal.NewFromInt(2),
						Resolutions: map[string]decimal.Decimal{"1080p": decimal.NewFromInt(50)},
						TaskTypes:   map[string]decimal.Decimal{string(entity.TaskTypeTextToImage): decimal.NewFromInt(6)},
					},
				},
			},
			MaxConcurrentTasks: 2,
			TaskTimeoutSeconds: 3600,
		},
		{
			ID:          "volcengine",
			Name:        "Volcengine",
			Driver:      entity.ProviderDriverVolcengine,
			Description: "火山引擎 Seedream 图像与 Seedance 视频",
			APIKey:      volcengineKey,
			Enabled:     volcengineKey != "",
			DefaultParams: entity.JSONMap{
				"image_model": "doubao-seedream-4-0-250828",
				"video_model": "doubao-seedance-1-0-pro-250528",
			},
			Pricing: entity.PricingTable{
				Default: decimal.NewFromInt(6),
				Models: map[string]entity.ModelPrice{
					"doubao-seedance-1-0-pro-250528": {Base: decimal.NewFromInt(20), PerSecond: decimal.NewFromInt(3)},
				},
			},
			MaxConcurrentTasks: 3,
		},
		{
			ID:                 "replicate",
			Name:               "Replicate",
			Driver:             entity.ProviderDriverReplicate,
			Description:        "Replicate 托管模型，覆盖局部重绘",
			APIKey:             replicateToken,
			Enabled:            replicateToken != "",
			DefaultParams:      entity.JSONMap{"model": "black-forest-labs/flux-fill-pro"},
			Pricing:            flatPrice(8),
			MaxConcurrentTasks: 5,
		},
		{
			ID:                 "google_video",
			Name:               "Google Veo",
			Driver:             entity.ProviderDriverGoogleVideo,
			Description:        "Gemini API 长任务视频生成",
			BaseURL:            "https://generativelanguage.googleapis.com/v1beta",
			APIKey:             googleKey,
			Enabled:            googleKey != "",
			DefaultParams:      entity.JSONMap{"model": "veo-3.0-generate-001"},
			Pricing:            entity.PricingTable{Default: decimal.NewFromInt(60), Models: map[string]entity.ModelPrice{"*": {Base: decimal.NewFromInt(20), PerSecond: decimal.NewFromInt(8)}}},
			MaxConcurrentTasks: 2,
			TaskTimeoutSeconds: 3600,
		},
		{
			ID:          "dashscope",
			Name:        "通义万相",
			Driver:      entity.ProviderDriverDashscope,
			Description: "阿里云百炼万相视频与文生图",
			BaseURL:     "https://dashscope.aliyuncs.com",
			APIKey:      dashscopeKey,
			Enabled:     dashscopeKey != "",
			DefaultParams: entity.JSONMap{"resolution": "720p"},
			Pricing: entity.PricingTable{
				Default: decimal.NewFromInt(30),
				Models: map[string]entity.ModelPrice{
					"*": {
						Base:        decimal.NewFromInt(10),
						PerSecond:   decimal.NewFromInt(4),
						Resolutions: map[string]decimal.Decimal{"1080p": decimal.NewFromInt(45)},
						TaskTypes:   map[string]decimal.Decimal{string(entity.TaskTypeTextToImage): decimal.NewFromInt(4)},
					},
				},
			},
			MaxConcurrentTasks: 2,
			TaskTimeoutSeconds: 3600,
		},
	}
}

// SeedDefaultPlans 在没有任何套餐时写入一个基础月度套餐
func SeedDefaultPlans(ctx context.Context, repo Repository) error {
	if repo == nil {
		return nil
	}
	plans, err := repo.ListPlans(ctx, true)
	if err != nil {
		return err
	}
	if len(plans) > 0 {
		return nil
	}
	return repo.SavePlan(ctx, &entity.DbSubscriptionPlan{
		Name:         "Basic Monthly",
		DailyCredits: decimal.NewFromInt(100),
		DurationDays: 30,
		Price:        decimal.RequireFromString("9.90"),
		Currency:     "USD",
		IsActive:     true,
	})
}
