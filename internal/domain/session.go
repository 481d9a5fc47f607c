package domain

import (
	"fmt"
	"regexp"
	"time"
)

type SessionStatus string

const (
	SessionConnecting   SessionStatus = "connecting"
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
	SessionError        SessionStatus = "error"
)

// Session is the persisted connection state of one tenant. There is exactly
// one row per tenant; its status changes in place.
type Session struct {
	ID           int64         `json:"id,string" gorm:"primaryKey"`
	TenantID     string        `json:"reseller_id" gorm:"uniqueIndex;size:64;not null"`
	SessionID    string        `json:"session_id" gorm:"size:64"`
	InstanceName string        `json:"instance_name" gorm:"size:128"`
	Status       SessionStatus `json:"status" gorm:"size:16;index"`
	QRCode       *string       `json:"qr_code,omitempty" gorm:"type:text"`
	PhoneNumber  *string       `json:"phone_number,omitempty" gorm:"size:32"`
	ProfileName  *string       `json:"profile_name,omitempty" gorm:"size:128"`
	DeviceJID    string        `json:"-" gorm:"size:128"` // driver identity restored on reconnect
	ConnectedAt  *time.Time    `json:"connected_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (Session) TableName() string {
	return "sessions"
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidTenantID reports whether id may name a session. Tenant ids end up in
// file paths and process matching, so only a conservative alphabet passes.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// CheckTenantID returns a ValidationError for a missing or malformed id.
func CheckTenantID(id string) error {
	if id == "" {
		return NewValidationError("reseller_id")
	}
	if !ValidTenantID(id) {
		return &ValidationError{Field: "reseller_id", Message: "reseller_id is invalid"}
	}
	return nil
}

// InstanceName is the driver-facing name of a tenant session.
func InstanceName(tenantID string) string {
	return fmt.Sprintf("reseller_%s", tenantID)
}

// Consistent reports whether the row satisfies the pairing invariants:
// connected implies no QR and a known phone number, and a QR is only
// ever present while connecting.
func (s *Session) Consistent() bool {
	if s.Status == SessionConnected && (s.QRCode != nil || s.PhoneNumber == nil || *s.PhoneNumber == "") {
		return false
	}
	if s.QRCode != nil && s.Status != SessionConnecting {
		return false
	}
	return true
}
