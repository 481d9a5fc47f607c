package dispatch

import (
	"context"
	"errors"
	"strings"
)

const DefaultRecipientSuffix = "@s.whatsapp.net"

// FormatRecipient turns a phone number into a chat id. Ids that already
// carry a server suffix are returned unchanged.
func FormatRecipient(phone, suffix string) string {
	phone = strings.TrimSpace(phone)
	if strings.Contains(phone, "@") {
		return phone
	}
	if suffix == "" {
		suffix = DefaultRecipientSuffix
	}
	return digitsOnly(phone) + suffix
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

const (
	reasonUnregistered = "Phone number is not registered on WhatsApp"
	reasonInterrupted  = "WhatsApp session was interrupted. Please reconnect and try again."
	reasonTimeout      = "Timed out while sending the message. Please try again."
)

var (
	unregisteredHints = []string{"not registered", "no lid found", "not on whatsapp", "invalid wid", "wid error"}
	interruptedHints  = []string{"execution context was destroyed", "session closed", "target closed", "protocol error", "websocket not connected", "not logged in"}
)

// NormalizeSendError maps known driver failures to a user-facing message.
// Unrecognized errors pass through verbatim.
func NormalizeSendError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range unregisteredHints {
		if strings.Contains(msg, hint) {
			return reasonUnregistered
		}
	}
	for _, hint := range interruptedHints {
		if strings.Contains(msg, hint) {
			return reasonInterrupted
		}
	}
	if strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") {
		return reasonTimeout
	}
	return err.Error()
}
