// Package adminapi exposes tenant sessions, messaging and the pending queue
// over HTTP. Every response carries a success flag.
package adminapi

import (
	"github.com/talkincode/wanotify/config"
	"github.com/talkincode/wanotify/internal/dispatch"
	"github.com/talkincode/wanotify/internal/instance"
	"github.com/talkincode/wanotify/internal/store"
	"github.com/talkincode/wanotify/internal/webserver"
)

// Gateway is the application surface the handlers depend on.
type Gateway interface {
	Config() *config.AppConfig
	Instances() *instance.Manager
	Dispatcher() *dispatch.Dispatcher
	Queue() *dispatch.Queue
	Sessions() store.SessionRepository
}

type api struct {
	gw Gateway
}

func Register(s *webserver.Server, gw Gateway) {
	h := &api{gw: gw}

	s.ApiGET("/health", h.health)

	s.ApiPOST("/instance/connect", h.connect)
	s.ApiGET("/instance/qrcode/:reseller_id", h.qrcode)
	s.ApiGET("/instance/status/:reseller_id", h.status)
	s.ApiPOST("/instance/disconnect", h.disconnect)

	s.ApiPOST("/message/send", h.send)
	s.ApiPOST("/message/send-bulk", h.sendBulk)

	s.ApiGET("/queue/pending/:reseller_id", h.pending)
	s.ApiPOST("/queue/enqueue", h.enqueue)
	s.ApiPOST("/queue/drain", h.drain)
}
