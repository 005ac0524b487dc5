// Package registry is the read-side boundary to the tool registry. Tool CRUD
// belongs to the surrounding application; the export engine only validates
// targets and reads their definitions.
package registry

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/toolhub/export-engine/internal/model"
)

// ErrToolNotFound is returned when the target does not exist.
var ErrToolNotFound = errors.New("tool not found")

// Registry resolves export targets.
type Registry interface {
	// Get returns the tool or ErrToolNotFound.
	Get(ctx context.Context, toolID string) (*model.Tool, error)
	// Exists reports whether the target exists at all.
	Exists(ctx context.Context, toolID string) (bool, error)
	// IsAccessible reports whether the caller scope may export the target.
	IsAccessible(ctx context.Context, toolID string, scope model.CallerScope) (bool, error)
}

// GormRegistry reads the tools table shared with the main application.
type GormRegistry struct {
	db *gorm.DB
}

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Get(ctx context.Context, toolID string) (*model.Tool, error) {
	var tool model.Tool
	if err := r.db.WithContext(ctx).Where("tool_id = ?", toolID).First(&tool).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrToolNotFound
		}
		return nil, err
	}
	return &tool, nil
}

func (r *GormRegistry) Exists(ctx context.Context, toolID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Tool{}).
		Where("tool_id = ?", toolID).Count(&count).Error
	return count > 0, err
}

func (r *GormRegistry) IsAccessible(ctx context.Context, toolID string, scope model.CallerScope) (bool, error) {
	tool, err := r.Get(ctx, toolID)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			return false, nil
		}
		return false, err
	}
	return tool.IsPublic || scope.CanSee(tool.OwnerID), nil
}
