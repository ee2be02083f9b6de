package entity

import "time"

const (
	AssetStatusPending  = "pending"
	AssetStatusUploaded = "uploaded"
	AssetStatusFailed   = "failed"
)

// DbMirroredAsset 服务商产物转存到自有存储的记录，每个任务最多一条 pending 或 uploaded
type DbMirroredAsset struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	UserID       uint      `gorm:"column:user_id;not null;index" json:"user_id"`
	SourceType   string    `gorm:"column:source_type;type:varchar(64);not null" json:"source_type"`
	SourceTaskID string    `gorm:"column:source_task_id;type:varchar(36);not null;index" json:"source_task_id"`
	SourceURL    string    `gorm:"column:source_url;type:text" json:"source_url"`
	Status       string    `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	ObjectKey    string    `gorm:"column:object_key;type:varchar(512)" json:"object_key,omitempty"`
	CloudURL     string    `gorm:"column:cloud_url;type:text" json:"cloud_url,omitempty"`
	ContentType  string    `gorm:"column:content_type;type:varchar(128)" json:"content_type,omitempty"`
	FileSize     int64     `gorm:"column:file_size" json:"file_size"`
	Attempts     int       `gorm:"column:attempts" json:"attempts"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	// ActiveTaskID 在 pending 与 uploaded 时等于 SourceTaskID，失败后置空；唯一索引保证同一任务只有一次转存在进行
	ActiveTaskID *string   `gorm:"column:active_task_id;type:varchar(36);uniqueIndex" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (DbMirroredAsset) TableName() string {
	return "mirrored_assets"
}
