// Package driver describes the protocol driver capability a tenant session
// runs on. The gateway core only talks to this interface; concrete drivers
// live in sub-packages.
package driver

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventQR            EventType = "qr"
	EventReady         EventType = "ready"
	EventAuthenticated EventType = "authenticated"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessageAck    EventType = "message_ack"
	EventError         EventType = "error"
)

// AckLevel follows the usual receipt ladder of the messaging network.
type AckLevel int

const (
	AckError   AckLevel = -1
	AckPending AckLevel = 0
	AckServer  AckLevel = 1
	AckDevice  AckLevel = 2
	AckRead    AckLevel = 3
	AckPlayed  AckLevel = 4
)

type Ack struct {
	MessageID string
	Level     AckLevel
	At        time.Time
}

// Account is the paired identity reported with EventReady.
type Account struct {
	PhoneNumber string
	ProfileName string
	DeviceJID   string
}

type Event struct {
	Type    EventType
	QR      string
	Account *Account
	Ack     *Ack
	Reason  string
	Err     error
}

// Identity scopes a driver to one tenant.
type Identity struct {
	TenantID string
	// SessionKey names the tenant's on-disk state and OS processes
	SessionKey string
	// DeviceJID restores a previously paired device, empty for a fresh pairing
	DeviceJID string
}

// Subscription is returned by Subscribe and revokes the listener.
type Subscription interface {
	Unsubscribe()
}

type Driver interface {
	// Connect starts the session; pairing continues asynchronously through events
	Connect(ctx context.Context) error
	// SendMessage sends a text and returns the driver message id
	SendMessage(ctx context.Context, chatID, body string) (string, error)
	// ResolveRecipient validates chatID and returns its canonical form
	ResolveRecipient(ctx context.Context, chatID string) (string, error)
	Logout(ctx context.Context) error
	// Close releases pages and the underlying process
	Close(ctx context.Context) error
	Destroy(ctx context.Context) error
	// Alive reports whether the underlying process/connection is up
	Alive() bool
	// Authenticated reports whether the session is paired and logged in
	Authenticated() bool
	Subscribe(fn func(Event)) Subscription
}

type Factory interface {
	New(ctx context.Context, id Identity) (Driver, error)
}

type FactoryFunc func(ctx context.Context, id Identity) (Driver, error)

func (f FactoryFunc) New(ctx context.Context, id Identity) (Driver, error) {
	return f(ctx, id)
}

// Hub fans events out to subscribers. Drivers embed it to implement Subscribe.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Event)
}

type hubSubscription struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

func (s *hubSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

func (h *Hub) Subscribe(fn func(Event)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[uint64]func(Event))
	}
	h.nextID++
	h.subs[h.nextID] = fn
	return &hubSubscription{hub: h, id: h.nextID}
}

// Emit delivers ev to every current subscriber, outside the hub lock.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Reset drops every subscriber.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.subs = nil
	h.mu.Unlock()
}
