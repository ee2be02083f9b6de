package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus 生成任务状态
type TaskStatus string

const (
	TaskStatusSubmitted TaskStatus = "submitted"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ActiveTaskStatuses 尚未结束的状态
var ActiveTaskStatuses = []TaskStatus{TaskStatusSubmitted, TaskStatusRunning}

var allTaskStatuses = []TaskStatus{
	TaskStatusSubmitted, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled,
}

// IsTerminal 终态之后除 durable_url 外不再修改
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition 状态机：submitted -> running -> succeeded|failed，cancelled 可由 submitted/running 进入
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusSubmitted:
		return to == TaskStatusRunning || to == TaskStatusSucceeded || to == TaskStatusFailed || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to == TaskStatusSucceeded || to == TaskStatusFailed || to == TaskStatusCancelled
	default:
		return false
	}
}

// TransitionSources 能迁移到 to 的状态；非终态允许原地更新进度
func TransitionSources(to TaskStatus) []TaskStatus {
	return FilterTransitionSources(allTaskStatuses, to)
}

// FilterTransitionSources 只保留 from 中符合状态机、能迁移到 to 的状态
func FilterTransitionSources(from []TaskStatus, to TaskStatus) []TaskStatus {
	out := make([]TaskStatus, 0, len(from))
	for _, status := range from {
		if status.CanTransition(to) || (status == to && !to.IsTerminal()) {
			out = append(out, status)
		}
	}
	return out
}

// TaskType 生成任务类型
type TaskType string

const (
	TaskTypeTextToImage  TaskType = "text_to_image"
	TaskTypeImageToImage TaskType = "image_to_image"
	TaskTypeTextToVideo  TaskType = "text_to_video"
	TaskTypeImageToVideo TaskType = "image_to_video"
	TaskTypeInpainting   TaskType = "inpainting"
	TaskTypeLipSync      TaskType = "lip_sync"
)

var knownTaskTypes = map[TaskType]struct{}{
	TaskTypeTextToImage:  {},
	TaskTypeImageToImage: {},
	TaskTypeTextToVideo:  {},
	TaskTypeImageToVideo: {},
	TaskTypeInpainting:   {},
	TaskTypeLipSync:      {},
}

// ParseTaskType 规范化并校验任务类型，兼容 "text-to-image" 写法
func ParseTaskType(value string) (TaskType, bool) {
	normalized := TaskType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_"))
	_, ok := knownTaskTypes[normalized]
	return normalized, ok
}

// IsVideo 输出是否为视频
func (t TaskType) IsVideo() bool {
	switch t {
	case TaskTypeTextToVideo, TaskTypeImageToVideo, TaskTypeLipSync:
		return true
	default:
		return false
	}
}

// DbGenerationTask 一次生成请求从提交到结束的完整记录
type DbGenerationTask struct {
	ID       string   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID   uint     `gorm:"column:user_id;not null;index:idx_task_owner,priority:1" json:"user_id"`
	Provider string   `gorm:"column:provider;type:varchar(64);not null;index:idx_task_owner,priority:2" json:"provider"`
	TaskType TaskType `gorm:"column:task_type;type:varchar(32);not null" json:"task_type"`
	Model    string   `gorm:"column:model;type:varchar(255)" json:"model"`

	Parameters JSONMap    `gorm:"column:parameters;type:json" json:"parameters"`
	Status     TaskStatus `gorm:"column:status;type:varchar(16);not null;index;index:idx_task_owner,priority:3" json:"status"`

	ExternalTaskID string          `gorm:"column:external_task_id;type:varchar(255);index" json:"external_task_id"`
	CreditsCost    decimal.Decimal `gorm:"column:credits_cost;type:decimal(20,4);not null" json:"credits_cost"`
	Refunded       bool            `gorm:"column:refunded;not null" json:"refunded"`
	Progress       int             `gorm:"column:progress" json:"progress"`

	OutputURL  string `gorm:"column:output_url;type:text" json:"output_url"`
	DurableURL string `gorm:"column:durable_url;type:text" json:"durable_url"`
	FailReason string `gorm:"column:fail_reason;type:text" json:"fail_reason"`

	SubmitTime *time.Time `gorm:"column:submit_time" json:"submit_time"`
	StartTime  *time.Time `gorm:"column:start_time" json:"start_time"`
	FinishTime *time.Time `gorm:"column:finish_time" json:"finish_time"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (DbGenerationTask) TableName() string {
	return "generation_tasks"
}

// ResultURL 优先返回转存后的地址
func (t DbGenerationTask) ResultURL() string {
	if strings.TrimSpace(t.DurableURL) != "" {
		return t.DurableURL
	}
	return t.OutputURL
}

// TaskQuery 任务列表查询
type TaskQuery struct {
	BaseParams
	Provider string `json:"provider" form:"provider"`
	Status   string `json:"status" form:"status"`
	UserID   uint   `json:"-" form:"-"`
}

// SubmitTaskRequest 提交生成任务
type SubmitTaskRequest struct {
	Provider   string  `json:"provider" binding:"required,max=64"`
	TaskType   string  `json:"task_type" binding:"required,task_type"`
	Parameters JSONMap `json:"parameters" binding:"required"`
}

type TaskListResponse struct {
	Tasks []DbGenerationTask `json:"tasks"`
	Meta  *Meta              `json:"meta"`
}
