package entity

import (
	"time"
)

// UserUpdates 用户更新字段
type UserUpdates struct {
	DisplayName  *string
	Role         *string
	PasswordHash *string
	IsActive     *bool
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u UserUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.DisplayName != nil {
		updates["display_name"] = *u.DisplayName
	}
	if u.Role != nil {
		updates["role"] = *u.Role
	}
	if u.PasswordHash != nil {
		updates["password_hash"] = *u.PasswordHash
	}
	if u.IsActive != nil {
		updates["is_active"] = *u.IsActive
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u UserUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}

// ProviderConfigUpdates 服务商配置更新字段
type ProviderConfigUpdates struct {
	Name                 *string
	Driver               *string
	Description          *string
	Enabled              *bool
	BaseURL              *string
	APIKey               *string
	APISecret            *string
	DefaultParams        *JSONMap
	Pricing              *PricingTable
	MaxConcurrentTasks   *int
	SubmitTimeoutSeconds *int
	PollTimeoutSeconds   *int
	TaskTimeoutSeconds   *int
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u ProviderConfigUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Name != nil {
		updates["name"] = *u.Name
	}
	if u.Driver != nil {
		updates["driver"] = *u.Driver
	}
	if u.Description != nil {
		updates["description"] = *u.Description
	}
	if u.Enabled != nil {
		updates["enabled"] = *u.Enabled
	}
	if u.BaseURL != nil {
		updates["base_url"] = *u.BaseURL
	}
	if u.APIKey != nil {
		updates["api_key"] = *u.APIKey
	}
	if u.APISecret != nil {
		updates["api_secret"] = *u.APISecret
	}
	if u.DefaultParams != nil {
		updates["default_params"] = *u.DefaultParams
	}
	if u.Pricing != nil {
		updates["pricing"] = *u.Pricing
	}
	if u.MaxConcurrentTasks != nil {
		updates["max_concurrent_tasks"] = *u.MaxConcurrentTasks
	}
	if u.SubmitTimeoutSeconds != nil {
		updates["submit_timeout_seconds"] = *u.SubmitTimeoutSeconds
	}
	if u.PollTimeoutSeconds != nil {
		updates["poll_timeout_seconds"] = *u.PollTimeoutSeconds
	}
	if u.TaskTimeoutSeconds != nil {
		updates["task_timeout_seconds"] = *u.TaskTimeoutSeconds
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u ProviderConfigUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}

// TaskUpdates 生成任务更新字段
type TaskUpdates struct {
	Status         *TaskStatus
	ExternalTaskID *string
	Progress       *int
	OutputURL      *string
	DurableURL     *string
	FailReason     *string
	Refunded       *bool
	SubmitTime     *time.Time
	StartTime      *time.Time
	FinishTime     *time.Time
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u TaskUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Status != nil {
		updates["status"] = string(*u.Status)
	}
	if u.ExternalTaskID != nil {
		updates["external_task_id"] = *u.ExternalTaskID
	}
	if u.Progress != nil {
		updates["progress"] = *u.Progress
	}
	if u.OutputURL != nil {
		updates["output_url"] = *u.OutputURL
	}
	if u.DurableURL != nil {
		updates["durable_url"] = *u.DurableURL
	}
	if u.FailReason != nil {
		updates["fail_reason"] = *u.FailReason
	}
	if u.Refunded != nil {
		updates["refunded"] = *u.Refunded
	}
	if u.SubmitTime != nil {
		updates["submit_time"] = *u.SubmitTime
	}
	if u.StartTime != nil {
		updates["start_time"] = *u.StartTime
	}
	if u.FinishTime != nil {
		updates["finish_time"] = *u.FinishTime
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u TaskUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}

// MirroredAssetUpdates 转存记录更新字段
type MirroredAssetUpdates struct {
	Status       *string
	ObjectKey    *string
	CloudURL     *string
	ContentType  *string
	FileSize     *int64
	Attempts     *int
	ErrorMessage *string
	// ReleaseSlot 清空 active_task_id，允许同一任务重新转存
	ReleaseSlot bool
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u MirroredAssetUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.ObjectKey != nil {
		updates["object_key"] = *u.ObjectKey
	}
	if u.CloudURL != nil {
		updates["cloud_url"] = *u.CloudURL
	}
	if u.ContentType != nil {
		updates["content_type"] = *u.ContentType
	}
	if u.FileSize != nil {
		updates["file_size"] = *u.FileSize
	}
	if u.Attempts != nil {
		updates["attempts"] = *u.Attempts
	}
	if u.ErrorMessage != nil {
		updates["error_message"] = *u.ErrorMessage
	}
	if u.ReleaseSlot {
		updates["active_task_id"] = nil
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u MirroredAssetUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}
