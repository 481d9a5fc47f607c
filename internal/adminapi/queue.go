package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/wanotify/internal/dispatch"
	"github.com/talkincode/wanotify/internal/domain"
)

const maxQueueLimit = 500

// queueLimit reads ?limit=, clamped to [1, maxQueueLimit].
func queueLimit(raw string, def int) int {
	n := cast.ToInt(raw)
	if n <= 0 {
		return def
	}
	if n > maxQueueLimit {
		return maxQueueLimit
	}
	return n
}

func (h *api) pending(c echo.Context) error {
	tenant := c.Param("reseller_id")
	if err := domain.CheckTenantID(tenant); err != nil {
		return failWith(c, err, nil)
	}
	limit := queueLimit(c.QueryParam("limit"), h.gw.Config().Queue.PendingLimit)
	msgs, err := h.gw.Queue().Pending(c.Request().Context(), tenant, limit)
	if err != nil {
		return failWith(c, err, nil)
	}
	return ok(c, map[string]interface{}{"count": len(msgs), "messages": msgs})
}

func (h *api) enqueue(c echo.Context) error {
	var req sendRequest
	if err := bind(c, &req); err != nil {
		return failWith(c, err, nil)
	}
	msg, err := h.gw.Dispatcher().Enqueue(c.Request().Context(), req.request(req.TenantID))
	if err != nil {
		return failWith(c, err, nil)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success":    true,
		"message_id": msg.IDString(),
		"status":     msg.Status,
	})
}

type drainRequest struct {
	TenantID tenantID `json:"reseller_id" validate:"omitempty,tenant"`
	Limit    int      `json:"limit" validate:"omitempty,min=1,max=500"`
}

// drain runs one drain pass. Without reseller_id every tenant with pending
// messages is drained.
func (h *api) drain(c echo.Context) error {
	var req drainRequest
	if err := bind(c, &req); err != nil {
		return failWith(c, err, nil)
	}
	limit := req.Limit
	if limit == 0 {
		limit = h.gw.Config().Queue.DrainLimit
	}
	q := h.gw.Queue()
	ctx := c.Request().Context()

	if req.TenantID != "" {
		res, err := q.DrainPending(ctx, req.TenantID.String(), limit)
		if err != nil {
			return failWith(c, err, nil)
		}
		return ok(c, drainBody(res))
	}

	results, err := q.DrainAll(ctx, limit)
	if err != nil {
		return failWith(c, err, nil)
	}
	body := make([]map[string]interface{}, 0, len(results))
	count := 0
	for _, res := range results {
		body = append(body, drainBody(res))
		count += len(res.Messages)
	}
	return ok(c, map[string]interface{}{"count": count, "tenants": body})
}

func drainBody(res *dispatch.DrainResult) map[string]interface{} {
	return map[string]interface{}{
		"reseller_id":    res.TenantID,
		"count":          len(res.Messages),
		"sent":           res.Sent(),
		"stopped_reason": res.StoppedReason,
		"rate_limited":   res.RateLimited(),
		"messages":       res.Messages,
	}
}
