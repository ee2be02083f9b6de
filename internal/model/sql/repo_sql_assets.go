package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genmarket/internal/entity"

	"gorm.io/gorm"
)

// ClaimMirroredAsset inserts asset as the task's active mirror. When a
// pending or uploaded record already holds the task, that record is returned
// with claimed=false and nothing is inserted.
func (r *GormRepository) ClaimMirroredAsset(ctx context.Context, asset *entity.DbMirroredAsset) (*entity.DbMirroredAsset, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, fmt.Errorf("repository not initialised")
	}
	if asset == nil || asset.SourceTaskID == "" {
		return nil, false, fmt.Errorf("asset requires a source task")
	}
	taskID := asset.SourceTaskID
	asset.ActiveTaskID = &taskID

	for attempt := 0; attempt < 3; attempt++ {
		err := r.db.WithContext(ctx).Create(asset).Error
		if err == nil {
			return asset, true, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, err
		}
		asset.ID = 0

		var active entity.DbMirroredAsset
		err = r.db.WithContext(ctx).Where("active_task_id = ?", taskID).First(&active).Error
		if err == nil {
			return &active, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
		// 持有者刚失败并释放，重新插入
	}
	return nil, false, fmt.Errorf("mirror slot of task %s is contended", taskID)
}

// ReleaseStaleMirroredAsset fails a pending record last touched before the
// cutoff and frees its slot. It reports false when the record moved on.
func (r *GormRepository) ReleaseStaleMirroredAsset(ctx context.Context, id uint, before time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	failed := entity.AssetStatusFailed
	message := "mirror abandoned while pending"
	result := r.db.WithContext(ctx).
		Model(&entity.DbMirroredAsset{}).
		Where("id = ? AND status = ? AND updated_at < ?", id, entity.AssetStatusPending, before).
		Updates(entity.MirroredAssetUpdates{Status: &failed, ErrorMessage: &message, ReleaseSlot: true}.ToMap())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateMirroredAsset updates a mirror record.
func (r *GormRepository) UpdateMirroredAsset(ctx context.Context, id uint, updates entity.MirroredAssetUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if updates.IsEmpty() {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbMirroredAsset{}).
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

// ListMirroredAssets returns every mirror attempt of a task.
func (r *GormRepository) ListMirroredAssets(ctx context.Context, taskID string) ([]entity.DbMirroredAsset, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var assets []entity.DbMirroredAsset
	if err := r.db.WithContext(ctx).Where("source_task_id = ?", taskID).Order("id DESC").Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}
