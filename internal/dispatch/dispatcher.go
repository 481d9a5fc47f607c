// Package dispatch sends tenant messages through live sessions and drains
// the pending queue under per-tenant rate limits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/talkincode/wanotify/internal/clock"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/driver"
	"github.com/talkincode/wanotify/internal/metrics"
	"github.com/talkincode/wanotify/internal/store"
	"go.uber.org/zap"
)

// Instances exposes the live driver of a tenant. A driver is returned only
// while its session is alive and authenticated.
type Instances interface {
	Connected(tenantID string) (driver.Driver, bool)
}

type Options struct {
	// RecipientSuffix is appended to bare phone numbers
	RecipientSuffix string
	// BulkDelay separates consecutive sends of a bulk request
	BulkDelay time.Duration
	// NodeID seeds the message id generator
	NodeID int64
	Clock  clock.Clock
}

func DefaultOptions() Options {
	return Options{
		RecipientSuffix: DefaultRecipientSuffix,
		BulkDelay:       time.Second,
		NodeID:          1,
		Clock:           clock.Real{},
	}
}

// SendRequest is one outbound message as submitted by a tenant.
type SendRequest struct {
	TenantID    string  `json:"reseller_id"`
	PhoneNumber string  `json:"phone_number"`
	Body        string  `json:"message"`
	TemplateID  *string `json:"template_id,omitempty"`
	ClientID    *string `json:"client_id,omitempty"`
	InvoiceID   *string `json:"invoice_id,omitempty"`
}

func (r *SendRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return domain.NewValidationError("reseller_id")
	case !domain.ValidTenantID(r.TenantID):
		return domain.CheckTenantID(r.TenantID)
	case strings.TrimSpace(r.PhoneNumber) == "":
		return domain.NewValidationError("phone_number")
	case strings.TrimSpace(r.Body) == "":
		return domain.NewValidationError("message")
	}
	return nil
}

// BulkResult is the outcome of one item of a bulk send.
type BulkResult struct {
	Success     bool   `json:"success"`
	PhoneNumber string `json:"phone_number"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Dispatcher struct {
	sessions  store.SessionRepository
	messages  store.MessageRepository
	instances Instances
	ids       *snowflake.Node
	opts      Options
	clock     clock.Clock
}

func NewDispatcher(sessions store.SessionRepository, messages store.MessageRepository, instances Instances, opts Options) (*Dispatcher, error) {
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.RecipientSuffix == "" {
		opts.RecipientSuffix = DefaultRecipientSuffix
	}
	return &Dispatcher{
		sessions:  sessions,
		messages:  messages,
		instances: instances,
		ids:       node,
		opts:      opts,
		clock:     opts.Clock,
	}, nil
}

// Send persists the message and delivers it right away. The row exists even
// when delivery fails, carrying the failure reason.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	msg, err := d.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.Deliver(ctx, msg)
}

// Enqueue persists a pending message without sending it.
func (d *Dispatcher) Enqueue(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	msg := &domain.Message{
		ID:          d.ids.Generate().Int64(),
		TenantID:    req.TenantID,
		SessionID:   d.sessionID(ctx, req.TenantID),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Body:        req.Body,
		TemplateID:  req.TemplateID,
		ClientID:    req.ClientID,
		InvoiceID:   req.InvoiceID,
		Status:      domain.MessagePending,
		CreatedAt:   d.clock.Now(),
	}
	if err := d.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}

func (d *Dispatcher) sessionID(ctx context.Context, tenantID string) string {
	sess, err := d.sessions.Get(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("dispatch: load session failed", zap.String("tenant", tenantID), zap.Error(err))
		}
		return ""
	}
	return sess.SessionID
}

// Deliver sends a pending message through the tenant's live driver and
// records the outcome on the row. The row is claimed first, so a message
// goes over the wire at most once; a lost claim returns ErrMessageClaimed.
func (d *Dispatcher) Deliver(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	claimed, err := d.messages.Claim(ctx, msg.ID, d.clock.Now())
	if err != nil {
		return msg, fmt.Errorf("claim message: %w", err)
	}
	if !claimed {
		metrics.IncDispatched("skipped")
		return msg, domain.ErrMessageClaimed
	}

	drv, ok := d.instances.Connected(msg.TenantID)
	if !ok {
		d.fail(ctx, msg, domain.ErrNotConnected.Error())
		metrics.IncDispatched("not_connected")
		return msg, domain.ErrNotConnected
	}

	chatID := FormatRecipient(msg.PhoneNumber, d.opts.RecipientSuffix)
	if resolved, err := drv.ResolveRecipient(ctx, chatID); err != nil {
		zap.L().Debug("dispatch: resolve recipient failed, sending to formatted id",
			zap.String("tenant", msg.TenantID),
			zap.String("chat", chatID),
			zap.Error(err))
	} else if resolved != "" {
		chatID = resolved
	}

	start := time.Now()
	driverID, err := drv.SendMessage(ctx, chatID, msg.Body)
	metrics.ObserveSend(time.Since(start))
	if err != nil {
		reason := NormalizeSendError(err)
		d.fail(ctx, msg, reason)
		metrics.IncDispatched("failed")
		zap.L().Warn("dispatch: send failed",
			zap.String("tenant", msg.TenantID),
			zap.Int64("message", msg.ID),
			zap.Error(err))
		return msg, &domain.DriverSendError{Reason: reason, Err: err}
	}

	at := d.clock.Now()
	applied, err := d.messages.MarkSent(ctx, msg.ID, driverID, at)
	if err != nil {
		return msg, fmt.Errorf("record sent message: %w", err)
	}
	if !applied {
		zap.L().Error("dispatch: sent message was no longer pending",
			zap.String("tenant", msg.TenantID),
			zap.Int64("message", msg.ID),
			zap.String("driver_message", driverID))
		return msg, fmt.Errorf("record sent message %d: %w", msg.ID, domain.ErrMessageClaimed)
	}
	msg.Status = domain.MessageSent
	msg.DriverMessageID = &driverID
	msg.SentAt = &at
	msg.ErrorMessage = nil
	metrics.IncDispatched("sent")
	return msg, nil
}

func (d *Dispatcher) fail(ctx context.Context, msg *domain.Message, reason string) {
	if _, err := d.messages.MarkFailed(ctx, msg.ID, reason); err != nil {
		zap.L().Error("dispatch: record failed message", zap.Int64("message", msg.ID), zap.Error(err))
		return
	}
	msg.Status = domain.MessageFailed
	msg.ErrorMessage = &reason
}

// SendBulk sends the items one after another, pausing BulkDelay between
// them. A failed item never aborts the batch.
func (d *Dispatcher) SendBulk(ctx context.Context, tenantID string, reqs []SendRequest) []BulkResult {
	results := make([]BulkResult, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 && d.opts.BulkDelay > 0 {
			if err := d.clock.Sleep(ctx, d.opts.BulkDelay); err != nil {
				for _, rest := range reqs[i:] {
					results = append(results, BulkResult{PhoneNumber: rest.PhoneNumber, Error: err.Error()})
				}
				break
			}
		}
		req.TenantID = tenantID
		msg, err := d.Send(ctx, req)
		res := BulkResult{Success: err == nil, PhoneNumber: req.PhoneNumber}
		if msg != nil {
			res.MessageID = msg.IDString()
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// HandleAck advances the message matching the ack. Server acks carry no
// information beyond sent and are ignored.
func (d *Dispatcher) HandleAck(ctx context.Context, tenantID string, ack driver.Ack) {
	var status domain.MessageStatus
	switch {
	case ack.Level >= driver.AckRead:
		status = domain.MessageRead
	case ack.Level == driver.AckDevice:
		status = domain.MessageDelivered
	default:
		return
	}
	at := ack.At
	if at.IsZero() {
		at = d.clock.Now()
	}
	applied, err := d.messages.ApplyAck(ctx, tenantID, ack.MessageID, status, at)
	if err != nil {
		zap.L().Error("dispatch: apply ack failed",
			zap.String("tenant", tenantID),
			zap.String("driver_message", ack.MessageID),
			zap.Error(err))
		return
	}
	if applied {
		metrics.IncAck(string(status))
	}
}
