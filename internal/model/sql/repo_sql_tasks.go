package sql

import (
	"context"
	"fmt"
	"strings"

	"genmarket/internal/entity"

	"gorm.io/gorm"
)

func statusStrings(statuses []entity.TaskStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

// CreateTask inserts a generation task.
func (r *GormRepository) CreateTask(ctx context.Context, task *entity.DbGenerationTask) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// GetTask loads a task by id.
func (r *GormRepository) GetTask(ctx context.Context, id string) (*entity.DbGenerationTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var task entity.DbGenerationTask
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns paginated tasks, newest first.
func (r *GormRepository) ListTasks(ctx context.Context, params *entity.TaskQuery) ([]entity.DbGenerationTask, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}
	if params == nil {
		params = &entity.TaskQuery{}
	}

	query := r.db.WithContext(ctx).Model(&entity.DbGenerationTask{})
	if params.UserID != 0 {
		query = query.Where("user_id = ?", params.UserID)
	}
	if provider := strings.TrimSpace(params.Provider); provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if status := strings.TrimSpace(params.Status); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	paged, page, pageSize := paginate(query.Order("created_at DESC"), params.BaseParams)
	var tasks []entity.DbGenerationTask
	if err := paged.Find(&tasks).Error; err != nil {
		return nil, nil, err
	}
	return tasks, r.calculatePagination(total, page, pageSize), nil
}

// UpdateTask applies updates without a status guard.
func (r *GormRepository) UpdateTask(ctx context.Context, id string, updates entity.TaskUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if updates.IsEmpty() {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
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

// TransitionTask applies updates only while the task is still in one of the
// from statuses. The boolean reports whether this call won the update.
func (r *GormRepository) TransitionTask(ctx context.Context, id string, from []entity.TaskStatus, updates entity.TaskUpdates) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires source statuses")
	}
	if updates.IsEmpty() {
		return false, nil
	}
	if updates.Status != nil {
		from = entity.FilterTransitionSources(from, *updates.Status)
		if len(from) == 0 {
			return false, nil
		}
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(updates.ToMap())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountActiveTasks counts non-terminal tasks of a user on one provider.
func (r *GormRepository) CountActiveTasks(ctx context.Context, userID uint, provider string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("repository not initialised")
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("user_id = ? AND provider = ? AND status IN ?", userID, provider, statusStrings(entity.ActiveTaskStatuses)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListActiveTasks returns the oldest non-terminal tasks for the sweeper.
func (r *GormRepository) ListActiveTasks(ctx context.Context, limit int) ([]entity.DbGenerationTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}
	var tasks []entity.DbGenerationTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", statusStrings(entity.ActiveTaskStatuses)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
