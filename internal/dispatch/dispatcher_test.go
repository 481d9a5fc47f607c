package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wanotify/internal/clock"
	"github.com/talkincode/wanotify/internal/dispatch"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/driver"
	"github.com/talkincode/wanotify/internal/driver/drivertest"
	"github.com/talkincode/wanotify/internal/instance"
	"github.com/talkincode/wanotify/internal/store"
	"github.com/talkincode/wanotify/internal/store/storetest"
)

var (
	start   = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	account = driver.Account{PhoneNumber: "5511988887777", ProfileName: "Loja Centro", DeviceJID: "5511988887777.0:2@s.whatsapp.net"}
)

type fixture struct {
	clock      *clock.Fake
	factory    *drivertest.Factory
	manager    *instance.Manager
	sessions   *store.GormSessionRepository
	messages   *store.GormMessageRepository
	limits     *store.GormRateLimitRepository
	dispatcher *dispatch.Dispatcher
	queue      *dispatch.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.NewDB(t)
	f := &fixture{
		clock:    clock.NewFake(start),
		factory:  drivertest.NewFactory(),
		sessions: store.NewGormSessionRepository(db),
		messages: store.NewGormMessageRepository(db),
		limits: store.NewGormRateLimitRepository(db, domain.RateLimitConfig{
			MessagesPerMinute:           20,
			MessagesPerHour:             500,
			DelayBetweenMessagesSeconds: 3,
		}),
	}
	f.factory.AutoPair = &account

	opts := instance.DefaultOptions()
	opts.ConnectTimeout = 2 * time.Second
	opts.Clock = clock.NewFake(start)
	f.manager = instance.NewManager(f.sessions, f.factory, instance.NoopReaper{}, instance.NewLockCleaner(t.TempDir()), opts)
	t.Cleanup(func() { f.manager.Close(context.Background()) })

	var err error
	f.dispatcher, err = dispatch.NewDispatcher(f.sessions, f.messages, f.manager, dispatch.Options{
		BulkDelay: time.Second,
		NodeID:    1,
		Clock:     f.clock,
	})
	require.NoError(t, err)
	f.manager.OnAck(f.dispatcher.HandleAck)

	f.queue, err = dispatch.NewQueue(f.dispatcher, f.messages, f.limits, dispatch.QueueOptions{DefaultLimit: 50, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(f.queue.Close)
	return f
}

func (f *fixture) connect(t *testing.T, tenant string) *drivertest.Driver {
	t.Helper()
	_, err := f.manager.GetOrCreate(context.Background(), tenant)
	require.NoError(t, err)
	require.True(t, f.manager.IsConnected(tenant))
	return f.factory.Last(tenant)
}

func (f *fixture) message(t *testing.T, id int64) *domain.Message {
	t.Helper()
	msg, err := f.messages.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func TestSendWithoutConnectionLeavesFailedRow(t *testing.T) {
	f := newFixture(t)

	msg, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{
		TenantID:    "T1",
		PhoneNumber: "5511999999999",
		Body:        "hi",
	})
	require.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Contains(t, err.Error(), "not connected")
	require.NotNil(t, msg)

	row := f.message(t, msg.ID)
	assert.Equal(t, domain.MessageFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, domain.ErrNotConnected.Error(), *row.ErrorMessage)
	assert.Nil(t, row.SentAt)
}

func TestSendValidatesRequest(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		req   dispatch.SendRequest
		field string
	}{
		{"tenant", dispatch.SendRequest{PhoneNumber: "1", Body: "x"}, "reseller_id"},
		{"phone", dispatch.SendRequest{TenantID: "T1", Body: "x"}, "phone_number"},
		{"body", dispatch.SendRequest{TenantID: "T1", PhoneNumber: "1", Body: "  "}, "message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := f.dispatcher.Send(context.Background(), tt.req)
			assert.Nil(t, msg)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSendDeliversAndRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")
	invoice := "INV-2026-0042"

	msg, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{
		TenantID:    "T1",
		PhoneNumber: "+55 (11) 99999-9999",
		Body:        "Sua fatura vence amanha",
		InvoiceID:   &invoice,
	})
	require.NoError(t, err)

	sent := drv.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511999999999@s.whatsapp.net", sent[0].ChatID)
	assert.Equal(t, "Sua fatura vence amanha", sent[0].Body)

	row := f.message(t, msg.ID)
	assert.Equal(t, domain.MessageSent, row.Status)
	require.NotNil(t, row.DriverMessageID)
	assert.Equal(t, sent[0].ID, *row.DriverMessageID)
	require.NotNil(t, row.SentAt)
	assert.True(t, row.SentAt.Equal(start))
	require.NotNil(t, row.InvoiceID)
	assert.Equal(t, invoice, *row.InvoiceID)

	sess, err := f.sessions.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, row.SessionID)
}

func TestSendUsesResolvedRecipient(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")
	drv.Resolve("5511999999999@s.whatsapp.net", "123456789012345@lid")

	_, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511999999999", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "123456789012345@lid", drv.Sent()[0].ChatID)
}

func TestSendContinuesWhenResolutionFails(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")
	drv.FailResolve(errors.New("usync query failed"))

	msg, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511999999999", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "5511999999999@s.whatsapp.net", drv.Sent()[0].ChatID)
	assert.Equal(t, domain.MessageSent, f.message(t, msg.ID).Status)
}

func TestSendFailureIsNormalizedAndPersisted(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")
	drv.FailSend(errors.New("Evaluation failed: Error: No LID found for user"))

	msg, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511000000000", Body: "hi"})
	var sendErr *domain.DriverSendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "Phone number is not registered on WhatsApp", err.Error())
	assert.Contains(t, sendErr.Err.Error(), "No LID")

	row := f.message(t, msg.ID)
	assert.Equal(t, domain.MessageFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "Phone number is not registered on WhatsApp", *row.ErrorMessage)
}

func TestSendBulkContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")

	results := f.dispatcher.SendBulk(context.Background(), "T1", []dispatch.SendRequest{
		{PhoneNumber: "5511911111111", Body: "one"},
		{PhoneNumber: "", Body: "missing phone"},
		{PhoneNumber: "5511933333333", Body: "three", TenantID: "someone-else"},
	})
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].MessageID)
	assert.False(t, results[1].Success)
	assert.Equal(t, "phone_number is required", results[1].Error)
	assert.True(t, results[2].Success)

	require.Len(t, drv.Sent(), 2)
	assert.Equal(t, 2*time.Second, f.clock.Slept(), "one delay between consecutive items")
	assert.Equal(t, start.Add(2*time.Second), f.clock.Now())
}

func TestSendBulkWithoutConnectionFailsEveryItem(t *testing.T) {
	f := newFixture(t)

	results := f.dispatcher.SendBulk(context.Background(), "T1", []dispatch.SendRequest{
		{PhoneNumber: "5511911111111", Body: "one"},
		{PhoneNumber: "5511922222222", Body: "two"},
	})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Success)
		assert.Equal(t, domain.ErrNotConnected.Error(), res.Error)
		assert.NotEmpty(t, res.MessageID, "intent is persisted")
	}
}

func TestReadAckMarksMessageRead(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")

	msg, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511999999999", Body: "hi"})
	require.NoError(t, err)
	readAt := start.Add(5 * time.Minute)

	drv.Ack(*msg.DriverMessageID, driver.AckRead, readAt)

	row := f.message(t, msg.ID)
	assert.Equal(t, domain.MessageRead, row.Status)
	require.NotNil(t, row.ReadAt)
	assert.True(t, row.ReadAt.Equal(readAt))
	require.NotNil(t, row.DeliveredAt, "skipped delivery is backfilled")
	assert.True(t, row.DeliveredAt.Equal(readAt))
}

func TestAcksNeverMoveStatusBackwards(t *testing.T) {
	f := newFixture(t)
	drv := f.connect(t, "T1")

	msg, err := f.dispatcher.Send(context.Background(), dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511999999999", Body: "hi"})
	require.NoError(t, err)
	id := *msg.DriverMessageID

	drv.Ack(id, driver.AckServer, start.Add(time.Second))
	assert.Equal(t, domain.MessageSent, f.message(t, msg.ID).Status, "server ack is not a transition")

	deliveredAt := start.Add(2 * time.Second)
	drv.Ack(id, driver.AckDevice, deliveredAt)
	assert.Equal(t, domain.MessageDelivered, f.message(t, msg.ID).Status)

	drv.Ack(id, driver.AckPlayed, start.Add(3*time.Second))
	drv.Ack(id, driver.AckDevice, start.Add(4*time.Second))

	row := f.message(t, msg.ID)
	assert.Equal(t, domain.MessageRead, row.Status)
	require.NotNil(t, row.DeliveredAt)
	assert.True(t, row.DeliveredAt.Equal(deliveredAt))
}

func TestAckForUnknownMessageIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.HandleAck(context.Background(), "T1", driver.Ack{MessageID: "3EB0UNKNOWN", Level: driver.AckRead, At: start})

	pending, err := f.queue.Pending(context.Background(), "T1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeliverSendsAClaimedMessageOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	drv := f.connect(t, "T1")

	msg, err := f.dispatcher.Enqueue(ctx, dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511999999999", Body: "hi"})
	require.NoError(t, err)
	snapshot, err := f.messages.ListPending(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	first, err := f.dispatcher.Deliver(ctx, msg)
	require.NoError(t, err)

	_, err = f.dispatcher.Deliver(ctx, snapshot[0])
	require.ErrorIs(t, err, domain.ErrMessageClaimed)

	require.Len(t, drv.Sent(), 1)
	row := f.message(t, msg.ID)
	assert.Equal(t, domain.MessageSent, row.Status)
	require.NotNil(t, row.DriverMessageID)
	assert.Equal(t, *first.DriverMessageID, *row.DriverMessageID)
	assert.Equal(t, drv.Sent()[0].ID, *row.DriverMessageID)
}

func TestConcurrentDeliveryAndDrainSendEachMessageOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{TenantID: "T1", MessagesPerMinute: 1000, MessagesPerHour: 1000}))
	drv := f.connect(t, "T1")
	msgs := f.enqueue(t, "T1", 10)

	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m *domain.Message) {
			defer wg.Done()
			_, err := f.dispatcher.Deliver(ctx, m)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrMessageClaimed)
			}
		}(m)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.queue.DrainPending(ctx, "T1", 50)
		assert.NoError(t, err)
	}()
	wg.Wait()

	sent := drv.Sent()
	require.Len(t, sent, len(msgs))
	ids := map[string]bool{}
	for _, s := range sent {
		ids[s.ID] = true
	}
	for _, m := range msgs {
		row := f.message(t, m.ID)
		assert.Equal(t, domain.MessageSent, row.Status)
		require.NotNil(t, row.DriverMessageID)
		assert.True(t, ids[*row.DriverMessageID], "row %d stores a driver id that went over the wire", m.ID)
	}
}
