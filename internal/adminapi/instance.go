package adminapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/store"
	"go.uber.org/zap"
)

type tenantRequest struct {
	TenantID tenantID `json:"reseller_id" validate:"required,tenant"`
}

func (h *api) health(c echo.Context) error {
	stats := h.gw.Instances().Stats()
	return ok(c, map[string]interface{}{
		"status": "running",
		"instances": map[string]int{
			"total":        stats.Total,
			"connected":    stats.Connected,
			"initializing": stats.Initializing,
		},
	})
}

// session loads the persisted session, nil when the tenant never connected.
func (h *api) session(ctx context.Context, tenant string) (*domain.Session, error) {
	sess, err := h.gw.Sessions().Get(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

func (h *api) connectedBody(ctx context.Context, tenant string) map[string]interface{} {
	body := map[string]interface{}{"connected": true, "profile_name": nil, "phone_number": nil}
	sess, err := h.session(ctx, tenant)
	if err != nil {
		zap.L().Warn("adminapi: load session failed", zap.String("tenant", tenant), zap.Error(err))
	}
	if sess != nil {
		body["profile_name"] = sess.ProfileName
		body["phone_number"] = sess.PhoneNumber
	}
	return body
}

// connect starts the tenant's session without waiting for it. The QR code
// follows through /instance/qrcode.
func (h *api) connect(c echo.Context) error {
	var req tenantRequest
	if err := bind(c, &req); err != nil {
		return failWith(c, err, nil)
	}
	tenant := req.TenantID.String()
	mgr := h.gw.Instances()
	if mgr.IsConnected(tenant) {
		body := h.connectedBody(c.Request().Context(), tenant)
		body["message"] = "Already connected"
		return ok(c, body)
	}

	go func() {
		if _, err := mgr.GetOrCreate(context.Background(), tenant); err != nil {
			zap.L().Error("adminapi: connect failed", zap.String("tenant", tenant), zap.Error(err))
		}
	}()
	zap.L().Info("adminapi: connect initiated", zap.String("tenant", tenant))
	return ok(c, map[string]interface{}{
		"message":     "Connection initiated. Scan the QR code to pair.",
		"reseller_id": tenant,
	})
}

func (h *api) qrcode(c echo.Context) error {
	tenant := c.Param("reseller_id")
	if err := domain.CheckTenantID(tenant); err != nil {
		return failWith(c, err, nil)
	}
	mgr := h.gw.Instances()
	if mgr.IsConnected(tenant) {
		return ok(c, h.connectedBody(c.Request().Context(), tenant))
	}
	code, found := mgr.QRCode(tenant)
	if !found {
		return fail(c, http.StatusNotFound, "QR_NOT_READY", "QR code not available yet. Connect first or try again in a few seconds.", nil)
	}
	return ok(c, map[string]interface{}{"connected": false, "qr_code": code})
}

func (h *api) status(c echo.Context) error {
	tenant := c.Param("reseller_id")
	if err := domain.CheckTenantID(tenant); err != nil {
		return failWith(c, err, nil)
	}
	mgr := h.gw.Instances()
	sess, err := h.session(c.Request().Context(), tenant)
	if err != nil {
		return failWith(c, err, nil)
	}
	body := map[string]interface{}{
		"connected":    mgr.IsConnected(tenant),
		"has_session":  mgr.HasHandle(tenant),
		"status":       domain.SessionDisconnected,
		"profile_name": nil,
		"phone_number": nil,
	}
	if sess != nil {
		body["status"] = sess.Status
		body["profile_name"] = sess.ProfileName
		body["phone_number"] = sess.PhoneNumber
	}
	return ok(c, body)
}

func (h *api) disconnect(c echo.Context) error {
	var req tenantRequest
	if err := bind(c, &req); err != nil {
		return failWith(c, err, nil)
	}
	if err := h.gw.Instances().Disconnect(c.Request().Context(), req.TenantID.String()); err != nil {
		return failWith(c, err, nil)
	}
	return ok(c, map[string]interface{}{"message": "Disconnected successfully"})
}
