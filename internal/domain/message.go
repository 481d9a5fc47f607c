package domain

import (
	"strconv"
	"time"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message is one outbound notification. Its status only moves forward along
// pending -> sent -> delivered -> read, or pending -> failed. A pending row
// with ClaimedAt set is owned by the delivery in flight.
type Message struct {
	ID              int64         `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	TenantID        string        `json:"reseller_id" gorm:"size:64;index:idx_message_tenant_status"`
	SessionID       string        `json:"session_id" gorm:"size:64"`
	PhoneNumber     string        `json:"phone_number" gorm:"size:64"`
	Body            string        `json:"message" gorm:"type:text"`
	TemplateID      *string       `json:"template_id,omitempty" gorm:"size:64"`
	ClientID        *string       `json:"client_id,omitempty" gorm:"size:64"`
	InvoiceID       *string       `json:"invoice_id,omitempty" gorm:"size:64"`
	Status          MessageStatus `json:"status" gorm:"size:16;index:idx_message_tenant_status"`
	DriverMessageID *string       `json:"whatsapp_message_id,omitempty" gorm:"size:128;index"`
	ErrorMessage    *string       `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt       time.Time     `json:"created_at" gorm:"index"`
	ClaimedAt       *time.Time    `json:"-" gorm:"index"`
	SentAt          *time.Time    `json:"sent_at,omitempty" gorm:"index"`
	DeliveredAt     *time.Time    `json:"delivered_at,omitempty"`
	ReadAt          *time.Time    `json:"read_at,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) IDString() string {
	return strconv.FormatInt(m.ID, 10)
}

var statusRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// CanTransition reports whether a message may move from s to next.
// Delivery steps may be skipped (sent -> read) but never reversed.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if next == MessageFailed {
		return s == MessagePending
	}
	if s == MessagePending {
		return next == MessageSent
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to > from
}

// Terminal reports whether no further transition is possible.
func (s MessageStatus) Terminal() bool {
	return s == MessageRead || s == MessageFailed
}

// StatusesBefore lists the statuses from which next is reachable.
func StatusesBefore(next MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{MessagePending, MessageSent, MessageDelivered, MessageRead} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}
