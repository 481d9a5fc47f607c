package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/wanotify/internal/clock"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/metrics"
	"github.com/talkincode/wanotify/internal/store"
	"go.uber.org/zap"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Reasons a drain stopped.
const (
	StopDrained      = "drained"
	StopMinuteLimit  = "minute_limit"
	StopHourLimit    = "hour_limit"
	StopNotConnected = "not_connected"
	StopCanceled     = "canceled"
)

// DrainResult lists the messages a drain attempted, with their outcome, and
// why the drain stopped.
type DrainResult struct {
	TenantID      string            `json:"reseller_id"`
	Messages      []*domain.Message `json:"messages"`
	StoppedReason string            `json:"stopped_reason"`
}

// RateLimited reports whether a window cap ended the drain. The caller is
// expected to drain again later.
func (r *DrainResult) RateLimited() bool {
	return r.StoppedReason == StopMinuteLimit || r.StoppedReason == StopHourLimit
}

func (r *DrainResult) Sent() int {
	n := 0
	for _, m := range r.Messages {
		if m.Status == domain.MessageSent {
			n++
		}
	}
	return n
}

type QueueOptions struct {
	DefaultLimit int
	PoolSize     int
	Clock        clock.Clock
}

// Queue drains pending messages under the tenant's rate limits. Window
// counts are recomputed from persisted sent_at on every step, so a restart
// never resets them. Drains of one tenant are serialized; tenants drain in
// parallel on a shared pool.
type Queue struct {
	dispatcher *Dispatcher
	instances  Instances
	messages   store.MessageRepository
	limits     store.RateLimitRepository
	clock      clock.Clock
	opts       QueueOptions
	pool       *ants.Pool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewQueue(d *Dispatcher, messages store.MessageRepository, limits store.RateLimitRepository, opts QueueOptions) (*Queue, error) {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 16
	}
	if opts.Clock == nil {
		opts.Clock = d.clock
	}
	pool, err := ants.NewPool(opts.PoolSize, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("queue: drain panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create drain pool: %w", err)
	}
	return &Queue{
		dispatcher: d,
		instances:  d.instances,
		messages:   messages,
		limits:     limits,
		clock:      opts.Clock,
		opts:       opts,
		pool:       pool,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

func (q *Queue) tenantLock(tenantID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[tenantID] = l
	}
	return l
}

// Pending returns the oldest pending messages of a tenant.
func (q *Queue) Pending(ctx context.Context, tenantID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = q.opts.DefaultLimit
	}
	return q.messages.ListPending(ctx, tenantID, limit)
}

// DrainPending delivers up to limit pending messages, oldest first. It waits
// the configured delay after the last persisted send and stops as soon as
// the next send would exceed the per-minute or per-hour cap.
func (q *Queue) DrainPending(ctx context.Context, tenantID string, limit int) (*DrainResult, error) {
	if limit <= 0 {
		limit = q.opts.DefaultLimit
	}
	l := q.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	res := &DrainResult{TenantID: tenantID, Messages: []*domain.Message{}, StoppedReason: StopDrained}
	defer func() { metrics.IncDrain(res.StoppedReason) }()

	cfg, err := q.limits.Get(ctx, tenantID)
	if err != nil {
		return res, fmt.Errorf("load rate limits: %w", err)
	}
	pending, err := q.messages.ListPending(ctx, tenantID, limit)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	for _, msg := range pending {
		if _, ok := q.instances.Connected(tenantID); !ok {
			res.StoppedReason = StopNotConnected
			break
		}
		if err := q.pace(ctx, tenantID, cfg.Delay()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				res.StoppedReason = StopCanceled
				break
			}
			return res, err
		}
		reason, err := q.capped(ctx, tenantID, cfg)
		if err != nil {
			return res, err
		}
		if reason != "" {
			res.StoppedReason = reason
			break
		}

		metrics.ObserveQueueLag(q.clock.Now().Sub(msg.CreatedAt))
		sent, err := q.dispatcher.Deliver(ctx, msg)
		if errors.Is(err, domain.ErrMessageClaimed) {
			// delivered by a concurrent Send
			continue
		}
		res.Messages = append(res.Messages, sent)
		var sendErr *domain.DriverSendError
		switch {
		case err == nil, errors.As(err, &sendErr):
		case errors.Is(err, domain.ErrNotConnected):
			res.StoppedReason = StopNotConnected
		default:
			return res, err
		}
		if res.StoppedReason == StopNotConnected {
			break
		}
	}

	if len(res.Messages) > 0 || res.StoppedReason != StopDrained {
		zap.L().Info("queue: drain finished",
			zap.String("tenant", tenantID),
			zap.Int("attempted", len(res.Messages)),
			zap.Int("sent", res.Sent()),
			zap.String("reason", res.StoppedReason))
	}
	return res, nil
}

// pace sleeps until delay has passed since the tenant's last persisted send.
func (q *Queue) pace(ctx context.Context, tenantID string, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	last, err := q.messages.LastSentAt(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load last send: %w", err)
	}
	if last == nil {
		return nil
	}
	wait := last.Add(delay).Sub(q.clock.Now())
	if wait <= 0 {
		return nil
	}
	return q.clock.Sleep(ctx, wait)
}

// capped reports the window that is already full. A cap of zero or less
// disables that window.
func (q *Queue) capped(ctx context.Context, tenantID string, cfg *domain.RateLimitConfig) (string, error) {
	now := q.clock.Now()
	if cfg.MessagesPerMinute > 0 {
		n, err := q.messages.CountSentSince(ctx, tenantID, now.Add(-minuteWindow))
		if err != nil {
			return "", fmt.Errorf("count minute window: %w", err)
		}
		if n >= int64(cfg.MessagesPerMinute) {
			return StopMinuteLimit, nil
		}
	}
	if cfg.MessagesPerHour > 0 {
		n, err := q.messages.CountSentSince(ctx, tenantID, now.Add(-hourWindow))
		if err != nil {
			return "", fmt.Errorf("count hour window: %w", err)
		}
		if n >= int64(cfg.MessagesPerHour) {
			return StopHourLimit, nil
		}
	}
	return "", nil
}

// DrainAll drains every tenant with pending messages in parallel.
func (q *Queue) DrainAll(ctx context.Context, limit int) ([]*DrainResult, error) {
	tenants, err := q.messages.TenantsWithPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants with pending: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]*DrainResult, 0, len(tenants))
		errs    []error
	)
	for _, tenantID := range tenants {
		tenantID := tenantID
		wg.Add(1)
		err := q.pool.Submit(func() {
			defer wg.Done()
			res, err := q.DrainPending(ctx, tenantID, limit)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			if err != nil {
				zap.L().Error("queue: drain failed", zap.String("tenant", tenantID), zap.Error(err))
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit drain for %s: %w", tenantID, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

func (q *Queue) Close() {
	q.pool.Release()
}
