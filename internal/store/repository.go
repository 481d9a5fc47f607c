package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wanotify/internal/domain"
	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ConnectedInfo is the identity reported by the driver once paired.
type ConnectedInfo struct {
	PhoneNumber string
	ProfileName string
	DeviceJID   string
	At          time.Time
}

// SessionRepository persists per-tenant pairing state. Every writer keeps
// the row consistent: a QR code only while connecting, and a phone number
// without QR once connected.
type SessionRepository interface {
	// Get returns the tenant session or ErrNotFound
	Get(ctx context.Context, tenantID string) (*domain.Session, error)

	// Ensure returns the tenant session, creating it on first use
	Ensure(ctx context.Context, tenantID string) (*domain.Session, error)

	// MarkConnecting stores a fresh QR code
	MarkConnecting(ctx context.Context, tenantID, qr string) error

	// MarkConnected clears the QR code and records the paired identity
	MarkConnected(ctx context.Context, tenantID string, info ConnectedInfo) error

	MarkDisconnected(ctx context.Context, tenantID string) error

	MarkError(ctx context.Context, tenantID string) error

	// ResetDevice forgets the driver identity after a logout
	ResetDevice(ctx context.Context, tenantID string) error

	List(ctx context.Context) ([]*domain.Session, error)
}

// MessageRepository persists outbound messages. Status changes are
// conditional updates on the current status, so a transition either
// applies atomically or not at all.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error

	Get(ctx context.Context, id int64) (*domain.Message, error)

	// ListPending returns the oldest unclaimed pending messages of a tenant, FIFO
	ListPending(ctx context.Context, tenantID string, limit int) ([]*domain.Message, error)

	// Claim marks a pending, unclaimed message as owned by the caller; false
	// when it was not pending or someone else claimed it first
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)

	// ReleaseClaims clears claims on messages that are still pending
	ReleaseClaims(ctx context.Context) (int64, error)

	// MarkSent moves a pending message to sent; false when it was not pending
	MarkSent(ctx context.Context, id int64, driverMessageID string, at time.Time) (bool, error)

	// MarkFailed moves a pending message to failed; false when it was not pending
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)

	// ApplyAck advances the message carrying driverMessageID to status
	ApplyAck(ctx context.Context, tenantID, driverMessageID string, status domain.MessageStatus, at time.Time) (bool, error)

	// CountSentSince counts messages whose sent_at is after since
	CountSentSince(ctx context.Context, tenantID string, since time.Time) (int64, error)

	// LastSentAt returns the most recent sent_at of a tenant, nil when nothing was sent
	LastSentAt(ctx context.Context, tenantID string) (*time.Time, error)

	// TenantsWithPending lists tenants that have at least one pending message
	TenantsWithPending(ctx context.Context) ([]string, error)
}

// RateLimitRepository reads per-tenant throughput limits.
type RateLimitRepository interface {
	// Get returns the tenant limits, or the defaults when none are configured
	Get(ctx context.Context, tenantID string) (*domain.RateLimitConfig, error)

	Save(ctx context.Context, cfg *domain.RateLimitConfig) error
}

// AutoMigrate creates or updates the gateway tables.
func AutoMigrate(db *gorm.DB) error {
	return errors.Wrap(db.Migrator().AutoMigrate(domain.Tables...), "auto migrate")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
