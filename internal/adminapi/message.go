package adminapi

import (
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wanotify/internal/dispatch"
)

type messageItem struct {
	PhoneNumber string  `json:"phone_number"`
	Message     string  `json:"message"`
	TemplateID  *string `json:"template_id"`
	ClientID    *string `json:"client_id"`
	InvoiceID   *string `json:"invoice_id"`
}

func (m messageItem) request(tenant tenantID) dispatch.SendRequest {
	return dispatch.SendRequest{
		TenantID:    tenant.String(),
		PhoneNumber: m.PhoneNumber,
		Body:        m.Message,
		TemplateID:  m.TemplateID,
		ClientID:    m.ClientID,
		InvoiceID:   m.InvoiceID,
	}
}

type sendRequest struct {
	TenantID tenantID `json:"reseller_id" validate:"required,tenant"`
	messageItem
}

type bulkRequest struct {
	TenantID tenantID      `json:"reseller_id" validate:"required,tenant"`
	Messages []messageItem `json:"messages" validate:"required,min=1,max=1000"`
}

func (h *api) send(c echo.Context) error {
	var req sendRequest
	if err := bind(c, &req); err != nil {
		return failWith(c, err, nil)
	}
	msg, err := h.gw.Dispatcher().Send(c.Request().Context(), req.request(req.TenantID))
	if err != nil {
		var extra map[string]interface{}
		if msg != nil {
			extra = map[string]interface{}{"message_id": msg.IDString()}
		}
		return failWith(c, err, extra)
	}
	return ok(c, map[string]interface{}{
		"message_id":          msg.IDString(),
		"whatsapp_message_id": msg.DriverMessageID,
	})
}

func (h *api) sendBulk(c echo.Context) error {
	var req bulkRequest
	if err := bind(c, &req); err != nil {
		return failWith(c, err, nil)
	}
	reqs := make([]dispatch.SendRequest, 0, len(req.Messages))
	for _, m := range req.Messages {
		reqs = append(reqs, m.request(req.TenantID))
	}
	results := h.gw.Dispatcher().SendBulk(c.Request().Context(), req.TenantID.String(), reqs)
	sent := 0
	for _, r := range results {
		if r.Success {
			sent++
		}
	}
	return ok(c, map[string]interface{}{
		"total":   len(results),
		"sent":    sent,
		"failed":  len(results) - sent,
		"results": results,
	})
}
