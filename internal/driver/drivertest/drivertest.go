// Package drivertest provides a scriptable in-memory driver. It backs the
// "mock" driver type and the gateway tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkincode/wanotify/internal/driver"
)

var qrSeq atomic.Int64

// Driver is a fake protocol driver. Connect emits a fresh QR code unless the
// identity carries a device, in which case it authenticates immediately.
type Driver struct {
	driver.Hub

	Identity driver.Identity

	mu            sync.Mutex
	alive         bool
	authenticated bool
	sent          []Sent
	resolved      map[string]string
	sendErr       error
	resolveErr    error
	calls         map[string]int
	seq           int

	connectDelay time.Duration
	connectErr   error
	autoPair     *driver.Account
}

type Sent struct {
	ID     string
	ChatID string
	Body   string
}

func (d *Driver) count(op string) {
	d.mu.Lock()
	d.calls[op]++
	d.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *Driver) Connect(ctx context.Context) error {
	d.count("connect")
	d.mu.Lock()
	delay, err, pair := d.connectDelay, d.connectErr, d.autoPair
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.alive = true
	d.mu.Unlock()
	if d.Identity.DeviceJID != "" && pair == nil {
		pair = &driver.Account{PhoneNumber: phoneOf(d.Identity.DeviceJID), DeviceJID: d.Identity.DeviceJID}
	}
	if pair != nil {
		d.Pair(*pair)
		return nil
	}
	d.EmitQR()
	return nil
}

func phoneOf(jid string) string {
	for i, c := range jid {
		if c < '0' || c > '9' {
			return jid[:i]
		}
	}
	return jid
}

// EmitQR emits a QR code never handed out before.
func (d *Driver) EmitQR() string {
	code := fmt.Sprintf("2@qr-%s-%d", d.Identity.TenantID, qrSeq.Add(1))
	d.Emit(driver.Event{Type: driver.EventQR, QR: code})
	return code
}

// Pair simulates a successful scan.
func (d *Driver) Pair(acc driver.Account) {
	d.mu.Lock()
	d.authenticated = true
	d.mu.Unlock()
	d.Emit(driver.Event{Type: driver.EventAuthenticated})
	d.Emit(driver.Event{Type: driver.EventReady, Account: &acc})
}

// Crash simulates the underlying process dying without an event.
func (d *Driver) Crash() {
	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()
}

func (d *Driver) SetAuthenticated(v bool) {
	d.mu.Lock()
	d.authenticated = v
	d.mu.Unlock()
}

func (d *Driver) FailSend(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

func (d *Driver) FailResolve(err error) {
	d.mu.Lock()
	d.resolveErr = err
	d.mu.Unlock()
}

// Resolve maps chatID to a canonical id returned by ResolveRecipient.
func (d *Driver) Resolve(chatID, canonical string) {
	d.mu.Lock()
	d.resolved[chatID] = canonical
	d.mu.Unlock()
}

// Ack emits a message_ack event.
func (d *Driver) Ack(messageID string, level driver.AckLevel, at time.Time) {
	d.Emit(driver.Event{Type: driver.EventMessageAck, Ack: &driver.Ack{MessageID: messageID, Level: level, At: at}})
}

func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

func (d *Driver) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	d.count("send")
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive {
		return "", errors.New("Session closed. Most likely the page has been closed.")
	}
	if d.sendErr != nil {
		return "", d.sendErr
	}
	d.seq++
	id := fmt.Sprintf("3EB0%s%04d", d.Identity.TenantID, d.seq)
	d.sent = append(d.sent, Sent{ID: id, ChatID: chatID, Body: body})
	return id, nil
}

func (d *Driver) ResolveRecipient(ctx context.Context, chatID string) (string, error) {
	d.count("resolve")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolveErr != nil {
		return "", d.resolveErr
	}
	if canonical, ok := d.resolved[chatID]; ok {
		return canonical, nil
	}
	return chatID, nil
}

func (d *Driver) Logout(ctx context.Context) error {
	d.count("logout")
	d.mu.Lock()
	d.authenticated = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.count("close")
	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) Destroy(ctx context.Context) error {
	d.count("destroy")
	d.Reset()
	return nil
}

func (d *Driver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

func (d *Driver) Authenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

// Factory builds Drivers and remembers them per tenant.
type Factory struct {
	mu      sync.Mutex
	drivers map[string][]*Driver

	// ConnectDelay delays every Connect
	ConnectDelay time.Duration
	// ConnectErr fails every Connect
	ConnectErr error
	// AutoPair makes every new driver pair on Connect
	AutoPair *driver.Account
	// NewErr fails driver construction
	NewErr error
}

func NewFactory() *Factory {
	return &Factory{drivers: make(map[string][]*Driver)}
}

func (f *Factory) New(ctx context.Context, id driver.Identity) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	d := &Driver{
		Identity:     id,
		resolved:     make(map[string]string),
		calls:        make(map[string]int),
		connectDelay: f.ConnectDelay,
		connectErr:   f.ConnectErr,
		autoPair:     f.AutoPair,
	}
	f.drivers[id.TenantID] = append(f.drivers[id.TenantID], d)
	return d, nil
}

// Drivers returns every driver built for tenantID, oldest first.
func (f *Factory) Drivers(tenantID string) []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.drivers[tenantID]...)
}

// Last returns the newest driver of tenantID, or nil.
func (f *Factory) Last(tenantID string) *Driver {
	ds := f.Drivers(tenantID)
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}
