package instance

import (
	"sync"
	"time"

	"github.com/talkincode/wanotify/internal/driver"
)

type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDead         State = "dead"
)

// Handle is the in-memory reference to a tenant's live driver. Handles are
// only created and removed by Manager.
type Handle struct {
	TenantID   string
	SessionKey string
	Driver     driver.Driver
	CreatedAt  time.Time

	mu    sync.Mutex
	state State
	sub   driver.Subscription
	mark  *initMark
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// markReady moves an initializing handle to ready; dead handles stay dead.
func (h *Handle) markReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDead {
		return false
	}
	h.state = StateReady
	return true
}

// unsubscribe revokes the event subscription once.
func (h *Handle) unsubscribe() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// healthy: the driver is alive, and a handle that finished pairing is still
// authenticated. A handle waiting for its QR scan is not logged in yet.
func (h *Handle) healthy() bool {
	switch h.State() {
	case StateDead:
		return false
	case StateReady:
		return h.Driver.Alive() && h.Driver.Authenticated()
	default:
		return h.Driver.Alive()
	}
}

// initMark is held by the single creation in flight for a tenant. Waiters
// block on done; a revoked mark tells the creator to discard its driver.
type initMark struct {
	done    chan struct{}
	once    sync.Once
	revoked bool // guarded by Manager.mu
}

func newInitMark() *initMark {
	return &initMark{done: make(chan struct{})}
}

func (m *initMark) release() {
	m.once.Do(func() { close(m.done) })
}
