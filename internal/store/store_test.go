package store_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/store"
	"github.com/talkincode/wanotify/internal/store/storetest"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestSessionEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormSessionRepository(storetest.NewDB(t))

	first, err := repo.Ensure(ctx, "42")
	require.NoError(t, err)
	second, err := repo.Ensure(ctx, "42")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, "reseller_42", first.InstanceName)
	assert.Equal(t, domain.SessionDisconnected, first.Status)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionTransitionsKeepInvariant(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormSessionRepository(storetest.NewDB(t))
	_, err := repo.Ensure(ctx, "7")
	require.NoError(t, err)

	check := func(want domain.SessionStatus) *domain.Session {
		t.Helper()
		sess, err := repo.Get(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, want, sess.Status)
		assert.True(t, sess.Consistent(), "session %+v", sess)
		return sess
	}

	require.NoError(t, repo.MarkConnecting(ctx, "7", "qr-1"))
	sess := check(domain.SessionConnecting)
	require.NotNil(t, sess.QRCode)
	assert.Equal(t, "qr-1", *sess.QRCode)

	require.NoError(t, repo.MarkConnected(ctx, "7", store.ConnectedInfo{
		PhoneNumber: "5511999999999",
		ProfileName: "Shop",
		DeviceJID:   "5511999999999.0:1@s.whatsapp.net",
		At:          t0,
	}))
	sess = check(domain.SessionConnected)
	assert.Nil(t, sess.QRCode)
	assert.Equal(t, "5511999999999", *sess.PhoneNumber)
	assert.Equal(t, "5511999999999.0:1@s.whatsapp.net", sess.DeviceJID)
	require.NotNil(t, sess.ConnectedAt)
	assert.True(t, sess.ConnectedAt.Equal(t0))

	require.NoError(t, repo.MarkDisconnected(ctx, "7"))
	check(domain.SessionDisconnected)

	require.NoError(t, repo.MarkConnecting(ctx, "7", "qr-2"))
	require.NoError(t, repo.MarkError(ctx, "7"))
	sess = check(domain.SessionError)
	assert.Nil(t, sess.QRCode)

	require.NoError(t, repo.ResetDevice(ctx, "7"))
	sess = check(domain.SessionError)
	assert.Empty(t, sess.DeviceJID)
}

func TestSessionMarkConnectedRequiresPhone(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormSessionRepository(storetest.NewDB(t))
	_, err := repo.Ensure(ctx, "1")
	require.NoError(t, err)

	assert.Error(t, repo.MarkConnected(ctx, "1", store.ConnectedInfo{}))
	assert.ErrorIs(t, repo.MarkDisconnected(ctx, "unknown"), store.ErrNotFound)
}

func newMessage(tenant string, id int64, created time.Time) *domain.Message {
	return &domain.Message{
		ID:          id,
		TenantID:    tenant,
		PhoneNumber: "5511999999999",
		Body:        "hello " + strconv.FormatInt(id, 10),
		CreatedAt:   created,
	}
}

func TestMessageStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormMessageRepository(storetest.NewDB(t))
	msg := newMessage("1", 100, t0)
	require.NoError(t, repo.Create(ctx, msg))

	status := func() domain.MessageStatus {
		got, err := repo.Get(ctx, 100)
		require.NoError(t, err)
		return got.Status
	}
	assert.Equal(t, domain.MessagePending, status())

	// acks for a pending message are ignored
	applied, err := repo.ApplyAck(ctx, "1", "WA1", domain.MessageDelivered, t0)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.MarkSent(ctx, 100, "WA1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.MarkFailed(ctx, 100, "late failure")
	require.NoError(t, err)
	assert.False(t, applied, "sent messages cannot fail")

	applied, err = repo.MarkSent(ctx, 100, "WA2", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.ApplyAck(ctx, "1", "WA1", domain.MessageRead, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.ApplyAck(ctx, "1", "WA1", domain.MessageDelivered, t0.Add(6*time.Second))
	require.NoError(t, err)
	assert.False(t, applied, "read never goes back to delivered")

	got, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageRead, got.Status)
	assert.Equal(t, "WA1", *got.DriverMessageID)
	require.NotNil(t, got.ReadAt)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.DeliveredAt.Equal(*got.ReadAt), "skipped delivered ack is backfilled")
}

func TestMessageAckIsScopedToTenant(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormMessageRepository(storetest.NewDB(t))
	require.NoError(t, repo.Create(ctx, newMessage("1", 1, t0)))
	_, err := repo.MarkSent(ctx, 1, "SAME", t0)
	require.NoError(t, err)

	applied, err := repo.ApplyAck(ctx, "2", "SAME", domain.MessageDelivered, t0)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = repo.ApplyAck(ctx, "1", "SAME", domain.MessageSent, t0)
	assert.Error(t, err)
}

func TestMessageFailedIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormMessageRepository(storetest.NewDB(t))
	require.NoError(t, repo.Create(ctx, newMessage("1", 1, t0)))

	applied, err := repo.MarkFailed(ctx, 1, "Phone number is not registered on WhatsApp")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.MarkSent(ctx, 1, "WA", t0)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, got.Status)
	assert.Equal(t, "Phone number is not registered on WhatsApp", *got.ErrorMessage)
	assert.Nil(t, got.SentAt)
}

func TestListPendingIsFIFO(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormMessageRepository(storetest.NewDB(t))
	require.NoError(t, repo.Create(ctx, newMessage("1", 3, t0.Add(2*time.Second))))
	require.NoError(t, repo.Create(ctx, newMessage("1", 1, t0)))
	require.NoError(t, repo.Create(ctx, newMessage("1", 2, t0)))
	require.NoError(t, repo.Create(ctx, newMessage("2", 4, t0)))
	_, err := repo.MarkFailed(ctx, 2, "x")
	require.NoError(t, err)

	pending, err := repo.ListPending(ctx, "1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(1), pending[0].ID)
	assert.Equal(t, int64(3), pending[1].ID)

	pending, err = repo.ListPending(ctx, "1", 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	tenants, err := repo.TenantsWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, tenants)
}

func TestSentWindowQueries(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormMessageRepository(storetest.NewDB(t))

	last, err := repo.LastSentAt(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, last)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, repo.Create(ctx, newMessage("1", i, t0)))
		_, err := repo.MarkSent(ctx, i, "WA"+strconv.FormatInt(i, 10), t0.Add(time.Duration(i)*10*time.Second))
		require.NoError(t, err)
	}
	require.NoError(t, repo.Create(ctx, newMessage("2", 9, t0)))
	_, err = repo.MarkSent(ctx, 9, "WA9", t0.Add(45*time.Second))
	require.NoError(t, err)

	// sends at +10s..+50s; window (t0+20s, ...] holds +30s, +40s, +50s
	count, err := repo.CountSentSince(ctx, "1", t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = repo.CountSentSince(ctx, "1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// the lower bound is exclusive: a send exactly at since is outside
	count, err = repo.CountSentSince(ctx, "1", t0.Add(50*time.Second))
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = repo.CountSentSince(ctx, "1", t0.Add(50*time.Second-time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	last, err = repo.LastSentAt(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t0.Add(50*time.Second)), "got %s", last)
}

func TestRateLimitDefaults(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormRateLimitRepository(storetest.NewDB(t), domain.RateLimitConfig{
		MessagesPerMinute:           20,
		MessagesPerHour:             500,
		DelayBetweenMessagesSeconds: 3,
	})

	cfg, err := repo.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.TenantID)
	assert.Equal(t, 20, cfg.MessagesPerMinute)
	assert.Equal(t, 3*time.Second, cfg.Delay())

	require.NoError(t, repo.Save(ctx, &domain.RateLimitConfig{TenantID: "1", MessagesPerMinute: 5, MessagesPerHour: 50, DelayBetweenMessagesSeconds: 1}))
	require.NoError(t, repo.Save(ctx, &domain.RateLimitConfig{TenantID: "1", MessagesPerMinute: 6, MessagesPerHour: 60, DelayBetweenMessagesSeconds: 2}))

	cfg, err = repo.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.MessagesPerMinute)
	assert.Equal(t, 60, cfg.MessagesPerHour)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := store.NewGormMessageRepository(storetest.NewDB(t))
	require.NoError(t, repo.Create(ctx, newMessage("1", 1, t0)))
	require.NoError(t, repo.Create(ctx, newMessage("1", 2, t0)))

	claimed, err := repo.Claim(ctx, 1, t0)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = repo.Claim(ctx, 1, t0)
	require.NoError(t, err)
	assert.False(t, claimed, "already claimed")

	pending, err := repo.ListPending(ctx, "1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].ID)

	_, err = repo.MarkFailed(ctx, 2, "x")
	require.NoError(t, err)
	claimed, err = repo.Claim(ctx, 2, t0)
	require.NoError(t, err)
	assert.False(t, claimed, "failed messages cannot be claimed")

	released, err := repo.ReleaseClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)
	pending, err = repo.ListPending(ctx, "1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)

	applied, err := repo.MarkSent(ctx, 1, "WA1", t0)
	require.NoError(t, err)
	assert.True(t, applied)
	released, err = repo.ReleaseClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, released, "sent messages keep their claim")
}
