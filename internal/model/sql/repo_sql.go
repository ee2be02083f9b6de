package sql

import (
	"context"
	"fmt"

	"genmarket/internal/entity"

	"gorm.io/gorm"
)

// GormRepository implements Repository using GORM
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new repository instance
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// WithTx runs fn inside a database transaction. The repository handed to fn
// is bound to the transaction; a returned error rolls everything back.
func (r *GormRepository) WithTx(ctx context.Context, fn func(tx *GormRepository) error) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

// calculatePagination calculates pagination metrics
func (r *GormRepository) calculatePagination(totalCount int64, page, pageSize int) *entity.Meta {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}

	return &entity.Meta{
		Total:    totalCount,
		Page:     int64(page),
		PageSize: int64(pageSize),
	}
}

// paginate applies offset/limit for the normalised page parameters.
func paginate(query *gorm.DB, params entity.BaseParams) (*gorm.DB, int, int) {
	page, pageSize := params.Normalize()
	offset := (page - 1) * pageSize
	if offset < 0 {
		offset = 0
	}
	return query.Offset(offset).Limit(pageSize), page, pageSize
}
