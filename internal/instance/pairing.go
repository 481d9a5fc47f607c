package instance

import (
	"context"

	"github.com/talkincode/wanotify/internal/driver"
	"github.com/talkincode/wanotify/internal/metrics"
	"github.com/talkincode/wanotify/internal/store"
	"go.uber.org/zap"
)

// handleEvent is the pairing state machine. It runs on the driver's event
// goroutine and never blocks on teardown.
//
//	qr            -> connecting, QR cached and persisted
//	ready         -> connected, QR cleared
//	auth_failure  -> error, forced cleanup
//	disconnected  -> disconnected, handle released
func (m *Manager) handleEvent(h *Handle, ev driver.Event) {
	metrics.IncPairingEvent(string(ev.Type))
	tenantID := h.TenantID
	switch ev.Type {
	case driver.EventQR:
		if h.State() == StateDead || ev.QR == "" || !m.isCurrent(m.currentGuard(h)) {
			return
		}
		m.mu.Lock()
		m.qr[tenantID] = ev.QR
		m.mu.Unlock()
		zap.L().Info("instance: qr code received", zap.String("tenant", tenantID))
		m.persist(tenantID, "connecting", func(ctx context.Context, id string) error {
			return m.sessions.MarkConnecting(ctx, id, ev.QR)
		})

	case driver.EventReady:
		if !m.isCurrent(m.currentGuard(h)) || !h.markReady() {
			return
		}
		m.mu.Lock()
		delete(m.qr, tenantID)
		m.mu.Unlock()
		info := store.ConnectedInfo{At: m.opts.Clock.Now()}
		if acc := ev.Account; acc != nil {
			info.PhoneNumber = acc.PhoneNumber
			info.ProfileName = acc.ProfileName
			info.DeviceJID = acc.DeviceJID
		}
		zap.L().Info("instance: session ready", zap.String("tenant", tenantID), zap.String("phone", info.PhoneNumber))
		m.persist(tenantID, "connected", func(ctx context.Context, id string) error {
			return m.sessions.MarkConnected(ctx, id, info)
		})
		m.publishGauges()

	case driver.EventAuthenticated:
		zap.L().Info("instance: session authenticated", zap.String("tenant", tenantID))

	case driver.EventAuthFailure:
		zap.L().Warn("instance: authentication failed", zap.String("tenant", tenantID), zap.String("reason", ev.Reason), zap.Error(ev.Err))
		guard := m.currentGuard(h)
		if !m.isCurrent(guard) {
			return
		}
		m.persist(tenantID, "error", m.sessions.MarkError)
		m.background(func() {
			m.cleanup(context.Background(), tenantID, "auth_failure", guard)
		})

	case driver.EventDisconnected:
		zap.L().Info("instance: session disconnected", zap.String("tenant", tenantID), zap.String("reason", ev.Reason))
		if m.release(h) {
			m.persist(tenantID, "disconnected", m.sessions.MarkDisconnected)
		}

	case driver.EventMessageAck:
		sink := m.ackSink()
		if sink == nil || ev.Ack == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		sink(ctx, tenantID, *ev.Ack)

	case driver.EventError:
		zap.L().Warn("instance: driver error", zap.String("tenant", tenantID), zap.String("reason", ev.Reason), zap.Error(ev.Err))
	}
}

// release drops h from the registry without the full cleanup sequence. It is
// idempotent and leaves a newer handle of the same tenant untouched. It
// reports whether h was still the tenant's current handle.
func (m *Manager) release(h *Handle) bool {
	m.mu.Lock()
	current := m.currentGuard(h)()
	if m.handles[h.TenantID] == h {
		delete(m.handles, h.TenantID)
	}
	if current {
		delete(m.qr, h.TenantID)
	}
	m.mu.Unlock()
	h.setState(StateDead)
	h.unsubscribe()
	m.background(func() { m.discard(context.Background(), h) })
	m.publishGauges()
	return current
}

func (m *Manager) isCurrent(guard func() bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return guard()
}
