// Package wmdriver implements the protocol driver on top of whatsmeow.
// Device keys are kept by whatsmeow's sqlstore in the application database.
package wmdriver

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/talkincode/wanotify/internal/driver"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Factory creates one whatsmeow client per tenant.
type Factory struct {
	container *sqlstore.Container
	log       *zap.Logger
}

// NewFactory wraps an existing database handle so whatsmeow tables live
// next to the gateway tables. dialect is "sqlite3" or "postgres".
func NewFactory(ctx context.Context, db *sql.DB, dialect string, log *zap.Logger) (*Factory, error) {
	if dialect == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			log.Warn("wmdriver: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}
	container := sqlstore.NewWithDB(db, dialect, NewLogger(log, "sqlstore"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore upgrade failed: %w", err)
	}
	return &Factory{container: container, log: log}, nil
}

func (f *Factory) New(ctx context.Context, id driver.Identity) (driver.Driver, error) {
	var dev *store.Device
	if id.DeviceJID != "" {
		jid, err := types.ParseJID(id.DeviceJID)
		if err != nil {
			f.log.Warn("wmdriver: invalid stored device jid", zap.String("tenant", id.TenantID), zap.Error(err))
		} else if dev, err = f.container.GetDevice(ctx, jid); err != nil {
			return nil, fmt.Errorf("load device %s: %w", id.DeviceJID, err)
		}
	}
	if dev == nil {
		dev = f.container.NewDevice()
	}
	cli := whatsmeow.NewClient(dev, NewLogger(f.log, "client."+id.SessionKey))
	// a dropped socket ends the session; the lifecycle manager rebuilds it
	cli.EnableAutoReconnect = false
	d := &Driver{
		id:  id,
		cli: cli,
		log: f.log.With(zap.String("tenant", id.TenantID)),
	}
	d.handlerID = cli.AddEventHandler(d.handleEvent)
	return d, nil
}

// Driver adapts a whatsmeow client to driver.Driver.
type Driver struct {
	driver.Hub

	id        driver.Identity
	cli       *whatsmeow.Client
	log       *zap.Logger
	handlerID uint32

	mu      sync.Mutex
	stopQR  context.CancelFunc
	pairing bool
}

func (d *Driver) Connect(ctx context.Context) error {
	if d.cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := d.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get qr channel: %w", err)
		}
		d.mu.Lock()
		d.stopQR = cancel
		d.pairing = true
		d.mu.Unlock()
		go d.consumeQR(qrChan)
	}

	done := make(chan error, 1)
	go func() { done <- d.cli.Connect() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		d.cli.Disconnect()
		return ctx.Err()
	}
}

func (d *Driver) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			d.Emit(driver.Event{Type: driver.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			d.log.Info("wmdriver: qr pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			d.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "qr_timeout"})
		case whatsmeow.QRChannelEventError:
			d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: "pairing failed", Err: item.Error})
		default:
			d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: item.Event})
		}
	}
	d.mu.Lock()
	d.pairing = false
	d.mu.Unlock()
}

func (d *Driver) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		d.log.Info("wmdriver: paired", zap.String("jid", e.ID.String()), zap.String("platform", e.Platform))
		d.Emit(driver.Event{Type: driver.EventAuthenticated})
	case *events.Connected:
		if d.cli.Store.ID == nil {
			return
		}
		d.Emit(driver.Event{Type: driver.EventReady, Account: d.account()})
	case *events.PairError:
		d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: "pair error", Err: e.Error})
	case *events.LoggedOut:
		d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: e.Reason.String()})
	case *events.TemporaryBan:
		d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: e.String()})
	case *events.ClientOutdated:
		d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: "client outdated"})
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			d.Emit(driver.Event{Type: driver.EventAuthFailure, Reason: e.Reason.String()})
			return
		}
		d.Emit(driver.Event{Type: driver.EventError, Reason: e.Reason.String(), Err: fmt.Errorf("connect failure: %s", e.Message)})
	case *events.StreamReplaced:
		d.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		d.mu.Lock()
		pairing := d.pairing
		d.mu.Unlock()
		// the QR channel reports its own timeout
		if !pairing {
			d.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "disconnected"})
		}
	case *events.Receipt:
		level, ok := ackLevel(e.Type)
		if !ok || e.IsFromMe {
			return
		}
		for _, id := range e.MessageIDs {
			d.Emit(driver.Event{Type: driver.EventMessageAck, Ack: &driver.Ack{MessageID: id, Level: level, At: e.Timestamp}})
		}
	}
}

func (d *Driver) account() *driver.Account {
	acc := &driver.Account{ProfileName: d.cli.Store.PushName}
	if jid := d.cli.Store.ID; jid != nil {
		acc.PhoneNumber = jid.User
		acc.DeviceJID = jid.String()
	}
	return acc
}

// ackLevel maps whatsmeow receipt types onto the ack ladder.
func ackLevel(t types.ReceiptType) (driver.AckLevel, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return driver.AckDevice, true
	case types.ReceiptTypeRead:
		return driver.AckRead, true
	case types.ReceiptTypePlayed:
		return driver.AckPlayed, true
	}
	return 0, false
}

func (d *Driver) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid wid %q: %w", chatID, err)
	}
	resp, err := d.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Driver) ResolveRecipient(ctx context.Context, chatID string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid wid %q: %w", chatID, err)
	}
	if jid.Server != types.DefaultUserServer {
		return chatID, nil
	}
	resp, err := d.cli.IsOnWhatsApp([]string{"+" + jid.User})
	if err != nil {
		return "", err
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return "", fmt.Errorf("phone number %s is not registered", jid.User)
	}
	return resp[0].JID.String(), nil
}

func (d *Driver) Logout(ctx context.Context) error {
	if d.cli.Store.ID == nil {
		return nil
	}
	return d.cli.Logout(ctx)
}

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.stopQR != nil {
		d.stopQR()
		d.stopQR = nil
	}
	d.mu.Unlock()
	d.cli.Disconnect()
	return nil
}

func (d *Driver) Destroy(ctx context.Context) error {
	d.cli.RemoveEventHandler(d.handlerID)
	d.Reset()
	if d.cli.IsConnected() {
		d.cli.Disconnect()
	}
	return nil
}

func (d *Driver) Alive() bool {
	return d.cli.IsConnected()
}

func (d *Driver) Authenticated() bool {
	return d.cli.IsLoggedIn()
}
