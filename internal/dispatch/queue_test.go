package dispatch_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wanotify/internal/dispatch"
	"github.com/talkincode/wanotify/internal/domain"
)

func (f *fixture) enqueue(t *testing.T, tenant string, n int) []*domain.Message {
	t.Helper()
	out := make([]*domain.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := f.dispatcher.Enqueue(context.Background(), dispatch.SendRequest{
			TenantID:    tenant,
			PhoneNumber: fmt.Sprintf("55119000%05d", i),
			Body:        fmt.Sprintf("reminder %d", i),
		})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fixture) sentTimes(t *testing.T, msgs []*domain.Message) []time.Time {
	t.Helper()
	var out []time.Time
	for _, m := range msgs {
		row := f.message(t, m.ID)
		if row.SentAt != nil {
			out = append(out, *row.SentAt)
		}
	}
	return out
}

func TestEnqueueKeepsMessagePending(t *testing.T) {
	f := newFixture(t)
	msgs := f.enqueue(t, "T1", 3)

	pending, err := f.queue.Pending(context.Background(), "T1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, m := range pending {
		assert.Equal(t, msgs[i].ID, m.ID, "oldest first")
		assert.Equal(t, domain.MessagePending, m.Status)
	}
}

func TestDrainHonorsMinuteWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{
		TenantID:                    "T1",
		MessagesPerMinute:           20,
		MessagesPerHour:             500,
		DelayBetweenMessagesSeconds: 1,
	}))
	drv := f.connect(t, "T1")
	msgs := f.enqueue(t, "T1", 25)

	res, err := f.queue.DrainPending(ctx, "T1", 50)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopMinuteLimit, res.StoppedReason)
	assert.True(t, res.RateLimited())
	assert.Equal(t, 20, res.Sent())

	// drained again and again by an outside scheduler
	for f.clock.Now().Before(start.Add(70 * time.Second)) {
		f.clock.Advance(5 * time.Second)
		_, err := f.queue.DrainPending(ctx, "T1", 50)
		require.NoError(t, err)
	}

	sent := f.sentTimes(t, msgs)
	require.Len(t, sent, 25)
	require.Len(t, drv.Sent(), 25)

	inFirstMinute := 0
	for _, at := range sent {
		if at.Before(start.Add(time.Minute)) {
			inFirstMinute++
		}
	}
	assert.Equal(t, 20, inFirstMinute)

	for _, end := range sent {
		inWindow := 0
		for _, at := range sent {
			if at.After(end.Add(-time.Minute)) && !at.After(end) {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 20, "window ending at %s", end)
	}

	assert.True(t, sort.SliceIsSorted(sent, func(i, j int) bool { return sent[i].Before(sent[j]) }), "FIFO order")
	for i := 1; i < len(sent); i++ {
		assert.GreaterOrEqual(t, sent[i].Sub(sent[i-1]), time.Second, "delay between sends")
	}
}

func TestDrainMinuteWindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{TenantID: "T1", MessagesPerMinute: 2, MessagesPerHour: 100}))
	f.connect(t, "T1")
	msgs := f.enqueue(t, "T1", 3)

	res, err := f.queue.DrainPending(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent())
	assert.Equal(t, dispatch.StopMinuteLimit, res.StoppedReason)

	// both sends are still inside the window one tick before it closes
	f.clock.Advance(time.Minute - time.Millisecond)
	res, err = f.queue.DrainPending(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopMinuteLimit, res.StoppedReason)
	assert.Empty(t, res.Messages)

	// a send exactly 60s old has left the window
	f.clock.Advance(time.Millisecond)
	res, err = f.queue.DrainPending(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopDrained, res.StoppedReason)
	assert.Equal(t, 1, res.Sent())

	sent := f.sentTimes(t, msgs)
	require.Len(t, sent, 3)
	assert.True(t, sent[2].Equal(start.Add(time.Minute)), "got %s", sent[2])
}

func TestDrainHonorsHourWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{
		TenantID:          "T1",
		MessagesPerMinute: 100,
		MessagesPerHour:   3,
	}))
	f.connect(t, "T1")
	msgs := f.enqueue(t, "T1", 5)

	res, err := f.queue.DrainPending(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopHourLimit, res.StoppedReason)
	assert.Equal(t, 3, res.Sent())

	f.clock.Advance(30 * time.Minute)
	res, err = f.queue.DrainPending(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopHourLimit, res.StoppedReason)
	assert.Empty(t, res.Messages)

	f.clock.Advance(31 * time.Minute)
	res, err = f.queue.DrainPending(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopDrained, res.StoppedReason)
	assert.Equal(t, 2, res.Sent())
	assert.Len(t, f.sentTimes(t, msgs), 5)
}

func TestDrainWaitsForDelayAfterLastSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "T1")

	_, err := f.dispatcher.Send(ctx, dispatch.SendRequest{TenantID: "T1", PhoneNumber: "5511999999999", Body: "direct"})
	require.NoError(t, err)
	msgs := f.enqueue(t, "T1", 1)

	// default delay is 3s
	res, err := f.queue.DrainPending(ctx, "T1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent())
	sent := f.sentTimes(t, msgs)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Equal(start.Add(3*time.Second)))
}

func TestDrainRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{TenantID: "T1", MessagesPerMinute: 100, MessagesPerHour: 100}))
	f.connect(t, "T1")
	f.enqueue(t, "T1", 4)

	res, err := f.queue.DrainPending(ctx, "T1", 2)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopDrained, res.StoppedReason)
	assert.Len(t, res.Messages, 2)

	pending, err := f.queue.Pending(ctx, "T1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDrainWithoutConnectionLeavesRowsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "T1", 2)

	res, err := f.queue.DrainPending(ctx, "T1", 10)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopNotConnected, res.StoppedReason)
	assert.Empty(t, res.Messages)

	pending, err := f.queue.Pending(ctx, "T1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDrainRecordsSendFailuresAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{TenantID: "T1", MessagesPerMinute: 100, MessagesPerHour: 100}))
	drv := f.connect(t, "T1")
	drv.FailSend(fmt.Errorf("invalid wid"))
	msgs := f.enqueue(t, "T1", 2)

	res, err := f.queue.DrainPending(ctx, "T1", 10)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StopDrained, res.StoppedReason)
	require.Len(t, res.Messages, 2)
	for _, m := range msgs {
		assert.Equal(t, domain.MessageFailed, f.message(t, m.ID).Status)
	}
}

func TestDrainAllCoversEveryTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, tenant := range []string{"T1", "T2"} {
		require.NoError(t, f.limits.Save(ctx, &domain.RateLimitConfig{TenantID: tenant, MessagesPerMinute: 100, MessagesPerHour: 100}))
		f.connect(t, tenant)
		f.enqueue(t, tenant, 2)
	}
	f.enqueue(t, "T3", 1)

	results, err := f.queue.DrainAll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byTenant := map[string]*dispatch.DrainResult{}
	for _, res := range results {
		byTenant[res.TenantID] = res
	}
	assert.Equal(t, 2, byTenant["T1"].Sent())
	assert.Equal(t, 2, byTenant["T2"].Sent())
	assert.Equal(t, dispatch.StopNotConnected, byTenant["T3"].StoppedReason)

	tenants, err := f.messages.TenantsWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T3"}, tenants)
}
