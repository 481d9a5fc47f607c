package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wanotify/internal/domain"
	"gorm.io/gorm"
)

// GormMessageRepository is the GORM implementation of MessageRepository.
// Timestamps are stored in UTC so window queries compare consistently on
// every dialect.
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	if msg.Status == "" {
		msg.Status = domain.MessagePending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return errors.Wrap(r.db.WithContext(ctx).Create(msg).Error, "create message")
}

func (r *GormMessageRepository) Get(ctx context.Context, id int64) (*domain.Message, error) {
	var msg domain.Message
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

func (r *GormMessageRepository) ListPending(ctx context.Context, tenantID string, limit int) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND claimed_at IS NULL", tenantID, domain.MessagePending).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, errors.Wrap(err, "list pending messages")
}

func (r *GormMessageRepository) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ? AND claimed_at IS NULL", id, domain.MessagePending).
		Update("claimed_at", at.UTC())
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "claim message")
	}
	return res.RowsAffected > 0, nil
}

func (r *GormMessageRepository) ReleaseClaims(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("status = ? AND claimed_at IS NOT NULL", domain.MessagePending).
		Update("claimed_at", nil)
	return res.RowsAffected, errors.Wrap(res.Error, "release message claims")
}

func (r *GormMessageRepository) transition(ctx context.Context, query *gorm.DB, next domain.MessageStatus, values map[string]interface{}) (bool, error) {
	values["status"] = next
	res := query.WithContext(ctx).Model(&domain.Message{}).
		Where("status IN ?", domain.StatusesBefore(next)).
		Updates(values)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "transition message to %s", next)
	}
	return res.RowsAffected > 0, nil
}

func (r *GormMessageRepository) MarkSent(ctx context.Context, id int64, driverMessageID string, at time.Time) (bool, error) {
	return r.transition(ctx, r.db.Where("id = ?", id), domain.MessageSent, map[string]interface{}{
		"driver_message_id": driverMessageID,
		"sent_at":           at.UTC(),
		"error_message":     nil,
	})
}

func (r *GormMessageRepository) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return r.transition(ctx, r.db.Where("id = ?", id), domain.MessageFailed, map[string]interface{}{
		"error_message": reason,
	})
}

func (r *GormMessageRepository) ApplyAck(ctx context.Context, tenantID, driverMessageID string, status domain.MessageStatus, at time.Time) (bool, error) {
	at = at.UTC()
	values := map[string]interface{}{}
	switch status {
	case domain.MessageDelivered:
		values["delivered_at"] = at
	case domain.MessageRead:
		// a read ack may arrive without a delivered one
		values["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", at)
		values["read_at"] = at
	default:
		return false, errors.Errorf("ack cannot move a message to %s", status)
	}
	query := r.db.Where("tenant_id = ? AND driver_message_id = ?", tenantID, driverMessageID)
	return r.transition(ctx, query, status, values)
}

func (r *GormMessageRepository) CountSentSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("tenant_id = ? AND sent_at IS NOT NULL AND sent_at > ?", tenantID, since.UTC()).
		Count(&count).Error
	return count, errors.Wrap(err, "count sent messages")
}

func (r *GormMessageRepository) LastSentAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var msgs []domain.Message
	err := r.db.WithContext(ctx).
		Select("id", "sent_at").
		Where("tenant_id = ? AND sent_at IS NOT NULL", tenantID).
		Order("sent_at DESC").
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "query last sent message")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0].SentAt, nil
}

func (r *GormMessageRepository) TenantsWithPending(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("status = ? AND claimed_at IS NULL", domain.MessagePending).
		Distinct().
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	return tenants, errors.Wrap(err, "list tenants with pending messages")
}
