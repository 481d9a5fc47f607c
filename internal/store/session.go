package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/talkincode/wanotify/internal/domain"
	"gorm.io/gorm"
)

// GormSessionRepository is the GORM implementation of SessionRepository
type GormSessionRepository struct {
	db *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Get(ctx context.Context, tenantID string) (*domain.Session, error) {
	var sess domain.Session
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (r *GormSessionRepository) Ensure(ctx context.Context, tenantID string) (*domain.Session, error) {
	sess, err := r.Get(ctx, tenantID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "query session")
	}
	sess = &domain.Session{
		TenantID:     tenantID,
		SessionID:    uuid.NewString(),
		InstanceName: domain.InstanceName(tenantID),
		Status:       domain.SessionDisconnected,
	}
	if err := r.db.WithContext(ctx).Create(sess).Error; err != nil {
		// lost a race on the unique tenant index
		if existing, gerr := r.Get(ctx, tenantID); gerr == nil {
			return existing, nil
		}
		return nil, errors.Wrap(err, "create session")
	}
	return sess, nil
}

func (r *GormSessionRepository) update(ctx context.Context, tenantID string, values map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).Where("tenant_id = ?", tenantID).Updates(values)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update session %s", tenantID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormSessionRepository) MarkConnecting(ctx context.Context, tenantID, qr string) error {
	return r.update(ctx, tenantID, map[string]interface{}{
		"status":  domain.SessionConnecting,
		"qr_code": qr,
	})
}

func (r *GormSessionRepository) MarkConnected(ctx context.Context, tenantID string, info ConnectedInfo) error {
	if info.PhoneNumber == "" {
		return errors.Errorf("connected session %s requires a phone number", tenantID)
	}
	at := info.At
	if at.IsZero() {
		at = time.Now()
	}
	values := map[string]interface{}{
		"status":       domain.SessionConnected,
		"qr_code":      nil,
		"phone_number": info.PhoneNumber,
		"profile_name": info.ProfileName,
		"connected_at": at.UTC(),
	}
	if info.DeviceJID != "" {
		values["device_jid"] = info.DeviceJID
	}
	return r.update(ctx, tenantID, values)
}

func (r *GormSessionRepository) MarkDisconnected(ctx context.Context, tenantID string) error {
	return r.update(ctx, tenantID, map[string]interface{}{
		"status":  domain.SessionDisconnected,
		"qr_code": nil,
	})
}

func (r *GormSessionRepository) MarkError(ctx context.Context, tenantID string) error {
	return r.update(ctx, tenantID, map[string]interface{}{
		"status":  domain.SessionError,
		"qr_code": nil,
	})
}

func (r *GormSessionRepository) ResetDevice(ctx context.Context, tenantID string) error {
	return r.update(ctx, tenantID, map[string]interface{}{"device_jid": ""})
}

func (r *GormSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := r.db.WithContext(ctx).Order("tenant_id ASC").Find(&sessions).Error
	return sessions, errors.Wrap(err, "list sessions")
}
