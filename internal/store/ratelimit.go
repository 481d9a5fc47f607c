package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wanotify/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRateLimitRepository is the GORM implementation of RateLimitRepository
type GormRateLimitRepository struct {
	db       *gorm.DB
	defaults domain.RateLimitConfig
}

// NewGormRateLimitRepository returns a repository that falls back to
// defaults for tenants without a configured row.
func NewGormRateLimitRepository(db *gorm.DB, defaults domain.RateLimitConfig) *GormRateLimitRepository {
	return &GormRateLimitRepository{db: db, defaults: defaults}
}

func (r *GormRateLimitRepository) Get(ctx context.Context, tenantID string) (*domain.RateLimitConfig, error) {
	var cfg domain.RateLimitConfig
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		def := r.defaults
		def.TenantID = tenantID
		return &def, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query rate limit config")
	}
	return &cfg, nil
}

func (r *GormRateLimitRepository) Save(ctx context.Context, cfg *domain.RateLimitConfig) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(cfg).Error
	return errors.Wrap(err, "save rate limit config")
}
