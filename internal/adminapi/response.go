package adminapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/wanotify/internal/domain"
	"go.uber.org/zap"
)

// ok writes a success envelope; fields are merged at the top level.
func ok(c echo.Context, fields map[string]interface{}) error {
	body := map[string]interface{}{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

// fail writes an error envelope. detail is only included when non-nil.
func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	body := map[string]interface{}{
		"success": false,
		"error":   message,
		"code":    code,
	}
	if detail != nil {
		body["detail"] = detail
	}
	return c.JSON(status, body)
}

// failWith maps the error taxonomy onto HTTP statuses.
func failWith(c echo.Context, err error, extra map[string]interface{}) error {
	var (
		verr    *domain.ValidationError
		sendErr *domain.DriverSendError
		timeout *domain.DriverTimeoutError
	)
	status, code, message := http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	switch {
	case errors.As(err, &verr):
		status, code, message = http.StatusBadRequest, "INVALID_REQUEST", verr.Error()
	case errors.Is(err, domain.ErrNotConnected):
		status, code, message = http.StatusBadRequest, "NOT_CONNECTED", domain.ErrNotConnected.Error()
	case errors.Is(err, domain.ErrMessageClaimed):
		status, code, message = http.StatusConflict, "IN_FLIGHT", "Message is already being delivered"
	case errors.As(err, &sendErr):
		status, code, message = http.StatusInternalServerError, "SEND_FAILED", sendErr.Reason
	case errors.As(err, &timeout):
		status, code, message = http.StatusGatewayTimeout, "DRIVER_TIMEOUT", "WhatsApp did not respond in time. Please try again."
	default:
		zap.L().Error("adminapi: request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	body := map[string]interface{}{
		"success": false,
		"error":   message,
		"code":    code,
	}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(status, body)
}

// bind decodes and validates the request body.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		msg := "Unable to parse request"
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Internal != nil {
			msg = he.Internal.Error()
		}
		return &domain.ValidationError{Field: "body", Message: msg}
	}
	return c.Validate(req)
}

// tenantID is the reseller_id of a request. Clients send it either as a
// JSON string or as a number.
type tenantID string

func (t *tenantID) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v.(type) {
	case string, json.Number, nil:
	default:
		return fmt.Errorf("reseller_id must be a string or a number")
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return err
	}
	*t = tenantID(strings.TrimSpace(s))
	return nil
}

func (t tenantID) String() string {
	return string(t)
}
