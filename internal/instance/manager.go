package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkincode/wanotify/internal/clock"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/driver"
	"github.com/talkincode/wanotify/internal/metrics"
	"github.com/talkincode/wanotify/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// InitWait bounds how long a caller waits for another caller's creation
	InitWait       time.Duration
	ConnectTimeout time.Duration
	LogoutTimeout  time.Duration
	DestroyTimeout time.Duration
	// SettleDelay is slept at the end of every forced cleanup
	SettleDelay      time.Duration
	SweepConcurrency int
	Clock            clock.Clock
}

func DefaultOptions() Options {
	return Options{
		InitWait:         30 * time.Second,
		ConnectTimeout:   90 * time.Second,
		LogoutTimeout:    5 * time.Second,
		DestroyTimeout:   5 * time.Second,
		SettleDelay:      3 * time.Second,
		SweepConcurrency: 8,
		Clock:            clock.Real{},
	}
}

// AckSink receives delivery acknowledgements reported by tenant drivers.
type AckSink func(ctx context.Context, tenantID string, ack driver.Ack)

// Stats is a point-in-time view of the registry.
type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Initializing int `json:"initializing"`
}

// Manager owns every tenant's driver handle. Lifecycle changes of one tenant
// are serialized; different tenants proceed in parallel.
type Manager struct {
	sessions store.SessionRepository
	factory  driver.Factory
	reaper   ProcessReaper
	locks    *LockCleaner
	opts     Options

	mu           sync.Mutex
	handles      map[string]*Handle
	initializing map[string]*initMark
	qr           map[string]string
	tenantLocks  map[string]*sync.Mutex

	ackMu sync.RWMutex
	onAck AckSink

	wg sync.WaitGroup
}

func NewManager(sessions store.SessionRepository, factory driver.Factory, reaper ProcessReaper, locks *LockCleaner, opts Options) *Manager {
	def := DefaultOptions()
	if opts.InitWait <= 0 {
		opts.InitWait = def.InitWait
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = def.LogoutTimeout
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = def.DestroyTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = def.SweepConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if reaper == nil {
		reaper = NoopReaper{}
	}
	return &Manager{
		sessions:     sessions,
		factory:      factory,
		reaper:       reaper,
		locks:        locks,
		opts:         opts,
		handles:      make(map[string]*Handle),
		initializing: make(map[string]*initMark),
		qr:           make(map[string]string),
		tenantLocks:  make(map[string]*sync.Mutex),
	}
}

// SessionKey names the tenant's driver state on disk and in process lists.
func SessionKey(tenantID string) string {
	return domain.InstanceName(tenantID)
}

// OnAck installs the receiver of message_ack events.
func (m *Manager) OnAck(sink AckSink) {
	m.ackMu.Lock()
	m.onAck = sink
	m.ackMu.Unlock()
}

func (m *Manager) ackSink() AckSink {
	m.ackMu.RLock()
	defer m.ackMu.RUnlock()
	return m.onAck
}

// GetOrCreate returns the tenant's healthy handle, creating one when needed.
// Concurrent callers for the same tenant converge on a single handle.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID string) (*Handle, error) {
	if err := domain.CheckTenantID(tenantID); err != nil {
		return nil, err
	}
	waitUntil := time.Now().Add(m.opts.InitWait)
	for {
		m.mu.Lock()
		if mark, ok := m.initializing[tenantID]; ok {
			m.mu.Unlock()
			timer := time.NewTimer(time.Until(waitUntil))
			select {
			case <-mark.done:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
				zap.L().Warn("instance: initialization wait exceeded, forcing cleanup",
					zap.String("tenant", tenantID), zap.Duration("wait", m.opts.InitWait))
				m.cleanup(ctx, tenantID, "init_timeout", func() bool { return m.initializing[tenantID] == mark })
				waitUntil = time.Now().Add(m.opts.InitWait)
			}
			continue
		}
		if h, ok := m.handles[tenantID]; ok {
			m.mu.Unlock()
			if h.healthy() {
				return h, nil
			}
			zap.L().Warn("instance: stale handle, replacing", zap.String("tenant", tenantID), zap.String("state", string(h.State())))
			m.cleanup(ctx, tenantID, "stale", m.currentGuard(h))
			continue
		}
		mark := newInitMark()
		m.initializing[tenantID] = mark
		m.mu.Unlock()
		m.publishGauges()
		return m.create(ctx, tenantID, mark)
	}
}

func (m *Manager) create(ctx context.Context, tenantID string, mark *initMark) (h *Handle, err error) {
	defer func() {
		m.mu.Lock()
		if m.initializing[tenantID] == mark {
			delete(m.initializing, tenantID)
		}
		m.mu.Unlock()
		mark.release()
		if err != nil {
			metrics.IncInstanceCreation("error")
		} else {
			metrics.IncInstanceCreation("ok")
		}
		m.publishGauges()
	}()

	sess, err := m.sessions.Ensure(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	key := SessionKey(tenantID)
	drv, err := m.factory.New(ctx, driver.Identity{TenantID: tenantID, SessionKey: key, DeviceJID: sess.DeviceJID})
	if err != nil {
		m.persist(tenantID, "mark error", m.sessions.MarkError)
		zap.L().Error("instance: driver construction failed", zap.String("tenant", tenantID), zap.Error(err))
		return nil, fmt.Errorf("create driver: %w", err)
	}

	h = &Handle{
		TenantID:   tenantID,
		SessionKey: key,
		Driver:     drv,
		CreatedAt:  m.opts.Clock.Now(),
		state:      StateInitializing,
		mark:       mark,
	}
	sub := drv.Subscribe(func(ev driver.Event) { m.handleEvent(h, ev) })
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()

	zap.L().Info("instance: connecting driver", zap.String("tenant", tenantID), zap.Bool("restore", sess.DeviceJID != ""))
	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	err = drv.Connect(connectCtx)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = &domain.DriverTimeoutError{Op: "connect", Timeout: m.opts.ConnectTimeout}
		}
		zap.L().Error("instance: driver connect failed", zap.String("tenant", tenantID), zap.Error(err))
		m.discard(ctx, h)
		m.persist(tenantID, "mark error", m.sessions.MarkError)
		return nil, err
	}

	m.mu.Lock()
	if mark.revoked || m.initializing[tenantID] != mark || h.State() == StateDead {
		m.mu.Unlock()
		zap.L().Warn("instance: initialization revoked, discarding driver", zap.String("tenant", tenantID))
		m.discard(ctx, h)
		return nil, domain.ErrInitAbandoned
	}
	m.handles[tenantID] = h
	delete(m.initializing, tenantID)
	m.mu.Unlock()
	zap.L().Info("instance: handle registered", zap.String("tenant", tenantID), zap.String("state", string(h.State())))
	return h, nil
}

// discard tears down a handle that never made it into (or already left) the
// registry. No logout: the pairing stays valid.
func (m *Manager) discard(ctx context.Context, h *Handle) {
	h.setState(StateDead)
	h.unsubscribe()
	m.attempt(ctx, h.TenantID, "close", m.opts.DestroyTimeout, h.Driver.Close)
	m.attempt(ctx, h.TenantID, "destroy", m.opts.DestroyTimeout, h.Driver.Destroy)
}

// ForceCleanup is the single teardown path of a tenant. Every step is best
// effort; failures are logged and teardown continues. Malformed tenant ids
// never had a handle and are ignored.
func (m *Manager) ForceCleanup(ctx context.Context, tenantID string) {
	if err := domain.CheckTenantID(tenantID); err != nil {
		zap.L().Warn("instance: cleanup skipped", zap.String("tenant", tenantID), zap.Error(err))
		return
	}
	m.cleanup(ctx, tenantID, "forced", nil)
}

// Disconnect tears the tenant down and records the session as disconnected.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	if err := domain.CheckTenantID(tenantID); err != nil {
		return err
	}
	m.cleanup(ctx, tenantID, "disconnect", nil)
	if err := m.sessions.MarkDisconnected(ctx, tenantID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark session disconnected: %w", err)
	}
	return nil
}

func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.tenantLocks[tenantID] = l
	}
	return l
}

// currentGuard limits a cleanup to the state it was triggered for: h is
// still registered, or still being created.
func (m *Manager) currentGuard(h *Handle) func() bool {
	return func() bool {
		return m.handles[h.TenantID] == h || (h.mark != nil && m.initializing[h.TenantID] == h.mark)
	}
}

// cleanup runs the teardown sequence. guard is evaluated under m.mu once the
// tenant lock is held; a false guard skips the cleanup.
func (m *Manager) cleanup(ctx context.Context, tenantID, reason string, guard func() bool) bool {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	ctx = context.WithoutCancel(ctx)

	// in-memory markers first so waiters are released immediately
	m.mu.Lock()
	if guard != nil && !guard() {
		m.mu.Unlock()
		return false
	}
	if mark, ok := m.initializing[tenantID]; ok {
		mark.revoked = true
		delete(m.initializing, tenantID)
		mark.release()
	}
	delete(m.qr, tenantID)
	h := m.handles[tenantID]
	m.mu.Unlock()

	metrics.IncInstanceCleanup(reason)
	zap.L().Info("instance: force cleanup", zap.String("tenant", tenantID), zap.String("reason", reason), zap.Bool("has_handle", h != nil))

	if h != nil {
		h.setState(StateDead)
		h.unsubscribe()
		if err := m.attempt(ctx, tenantID, "logout", m.opts.LogoutTimeout, h.Driver.Logout); err == nil {
			m.persist(tenantID, "reset device", m.sessions.ResetDevice)
		}
		m.attempt(ctx, tenantID, "close", m.opts.DestroyTimeout, h.Driver.Close)
		m.attempt(ctx, tenantID, "destroy", m.opts.DestroyTimeout, h.Driver.Destroy)

		m.mu.Lock()
		if m.handles[tenantID] == h {
			delete(m.handles, tenantID)
		}
		m.mu.Unlock()
	}

	key := SessionKey(tenantID)
	if n, err := m.reaper.Reap(ctx, key); err != nil {
		m.cleanupFailed(tenantID, "reap", err)
	} else if n > 0 {
		zap.L().Info("instance: reaped orphaned processes", zap.String("tenant", tenantID), zap.Int("count", n))
	}
	if m.locks != nil {
		if removed, err := m.locks.Clean(key); err != nil {
			m.cleanupFailed(tenantID, "locks", err)
		} else if len(removed) > 0 {
			zap.L().Info("instance: removed lock files", zap.String("tenant", tenantID), zap.Strings("files", removed))
		}
	}

	m.publishGauges()
	_ = m.opts.Clock.Sleep(ctx, m.opts.SettleDelay)
	return true
}

// attempt runs one teardown step under timeout. The step is abandoned, not
// awaited, when the driver ignores its context.
func (m *Manager) attempt(ctx context.Context, tenantID, step string, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()
	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
		err = &domain.DriverTimeoutError{Op: step, Timeout: timeout}
	}
	if err != nil {
		m.cleanupFailed(tenantID, step, err)
	}
	return err
}

func (m *Manager) cleanupFailed(tenantID, step string, err error) {
	metrics.IncCleanupError(step)
	zap.L().Warn("instance: cleanup step failed", zap.Error(&domain.ResourceCleanupError{TenantID: tenantID, Step: step, Err: err}))
}

const persistTimeout = 10 * time.Second

// persist applies a best-effort session update outside any request context.
func (m *Manager) persist(tenantID, what string, fn func(ctx context.Context, tenantID string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx, tenantID); err != nil {
		zap.L().Error("instance: session update failed", zap.String("tenant", tenantID), zap.String("update", what), zap.Error(err))
	}
}

func (m *Manager) background(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				zap.S().Error(err)
			}
		}()
		fn()
	}()
}

// Sweep health-checks every handle in parallel and force-cleans the dead
// ones. It returns how many handles were cleaned.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var cleaned atomic.Int32
	var g errgroup.Group
	g.SetLimit(m.opts.SweepConcurrency)
	for _, h := range handles {
		g.Go(func() error {
			if h.healthy() {
				return nil
			}
			if m.cleanup(ctx, h.TenantID, "sweep", m.currentGuard(h)) {
				cleaned.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := cleaned.Load(); n > 0 {
		zap.L().Info("instance: sweep cleaned dead handles", zap.Int32("count", n), zap.Int("checked", len(handles)))
	}
	return int(cleaned.Load())
}

// Close releases every driver without logging out, so pairings survive a
// restart, and waits for background teardowns.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for id, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, id)
	}
	m.qr = make(map[string]string)
	m.mu.Unlock()

	for _, h := range handles {
		m.discard(ctx, h)
	}
	m.wg.Wait()
	m.publishGauges()
}

// Wait blocks until background teardowns triggered by driver events finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) handle(tenantID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[tenantID]
}

// HasHandle reports whether a handle is registered for the tenant.
func (m *Manager) HasHandle(tenantID string) bool {
	return m.handle(tenantID) != nil
}

// IsConnected reports whether the tenant has a ready, authenticated handle.
func (m *Manager) IsConnected(tenantID string) bool {
	_, ok := m.Connected(tenantID)
	return ok
}

// Connected returns the driver of a ready, authenticated handle.
func (m *Manager) Connected(tenantID string) (driver.Driver, bool) {
	h := m.handle(tenantID)
	if h == nil || h.State() != StateReady {
		return nil, false
	}
	if !h.Driver.Alive() || !h.Driver.Authenticated() {
		return nil, false
	}
	return h.Driver, true
}

// QRCode returns the latest pairing code of the tenant, if any.
func (m *Manager) QRCode(tenantID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.qr[tenantID]
	return code, ok
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	st := Stats{Total: len(handles), Initializing: len(m.initializing)}
	m.mu.Unlock()
	for _, h := range handles {
		if h.State() == StateReady && h.Driver.Alive() && h.Driver.Authenticated() {
			st.Connected++
		}
	}
	return st
}

func (m *Manager) publishGauges() {
	st := m.Stats()
	metrics.SetInstanceHandles("total", st.Total)
	metrics.SetInstanceHandles("connected", st.Connected)
	metrics.SetInstanceHandles("initializing", st.Initializing)
}
