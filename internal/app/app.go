package app

import (
	"context"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wanotify/config"
	"github.com/talkincode/wanotify/internal/dispatch"
	"github.com/talkincode/wanotify/internal/domain"
	"github.com/talkincode/wanotify/internal/driver"
	"github.com/talkincode/wanotify/internal/driver/drivertest"
	"github.com/talkincode/wanotify/internal/driver/wmdriver"
	"github.com/talkincode/wanotify/internal/instance"
	"github.com/talkincode/wanotify/internal/metrics"
	"github.com/talkincode/wanotify/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig  *config.AppConfig
	gormDB     *gorm.DB
	sched      *cron.Cron
	registry   *prometheus.Registry
	factory    driver.Factory
	sessions   *store.GormSessionRepository
	messages   *store.GormMessageRepository
	limits     *store.GormRateLimitRepository
	instances  *instance.Manager
	dispatcher *dispatch.Dispatcher
	queue      *dispatch.Queue
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ GatewayProvider   = (*Application)(nil)
	_ MetricsProvider   = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// OverrideDriverFactory replaces the configured driver factory (used in tests).
func (a *Application) OverrideDriverFactory(f driver.Factory) {
	a.factory = f
}

func (a *Application) Registry() *prometheus.Registry {
	return a.registry
}

func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Instances() *instance.Manager {
	return a.instances
}

func (a *Application) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

func (a *Application) Queue() *dispatch.Queue {
	return a.queue
}

func (a *Application) Sessions() store.SessionRepository {
	return a.sessions
}

// InitLogger installs the global zap logger. With file output enabled the
// JSON log is rotated by lumberjack and mirrored to the console.
func InitLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

// Init opens the database and wires the gateway components. The logger must
// already be installed.
func (a *Application) Init(ctx context.Context) error {
	cfg := a.appConfig
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(a.registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if a.gormDB == nil {
		if cfg.Database.Type == "" {
			cfg.Database.Type = "sqlite"
		}
		a.gormDB, err = getDatabase(cfg.Database, cfg.System.Workdir)
		if err != nil {
			return err
		}
		zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
	}
	if err := a.MigrateDB(false); err != nil {
		return err
	}

	if a.factory == nil {
		a.factory, err = a.newDriverFactory(ctx)
		if err != nil {
			return err
		}
	}

	a.sessions = store.NewGormSessionRepository(a.gormDB)
	a.messages = store.NewGormMessageRepository(a.gormDB)
	a.limits = store.NewGormRateLimitRepository(a.gormDB, domain.RateLimitConfig{
		MessagesPerMinute:           cfg.Dispatch.DefaultPerMinute,
		MessagesPerHour:             cfg.Dispatch.DefaultPerHour,
		DelayBetweenMessagesSeconds: cfg.Dispatch.DefaultDelayBetweenSends,
	})

	a.instances = instance.NewManager(a.sessions, a.factory,
		instance.NewReaper(cfg.Instance.Reaper),
		instance.NewLockCleaner(cfg.GetSessionsDir()),
		instance.Options{
			InitWait:         cfg.Instance.InitWait,
			ConnectTimeout:   cfg.Instance.ConnectTimeout,
			LogoutTimeout:    cfg.Instance.LogoutTimeout,
			DestroyTimeout:   cfg.Instance.DestroyTimeout,
			SettleDelay:      cfg.Instance.SettleDelay,
			SweepConcurrency: cfg.Instance.SweepConcurrency,
		})

	a.dispatcher, err = dispatch.NewDispatcher(a.sessions, a.messages, a.instances, dispatch.Options{
		RecipientSuffix: cfg.Driver.RecipientSuffix,
		BulkDelay:       cfg.Dispatch.BulkDelay,
		NodeID:          1,
	})
	if err != nil {
		return err
	}
	a.instances.OnAck(a.dispatcher.HandleAck)

	a.queue, err = dispatch.NewQueue(a.dispatcher, a.messages, a.limits, dispatch.QueueOptions{
		DefaultLimit: cfg.Queue.DrainLimit,
		PoolSize:     cfg.Queue.PoolSize,
	})
	if err != nil {
		return err
	}

	a.initJob()
	return nil
}

func (a *Application) newDriverFactory(ctx context.Context) (driver.Factory, error) {
	switch a.appConfig.Driver.Type {
	case "mock":
		zap.L().Warn("app: using the in-memory mock driver, no message leaves this process")
		return drivertest.NewFactory(), nil
	case "", "whatsmeow":
		sqlDB, err := a.gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("device store: %w", err)
		}
		return wmdriver.NewFactory(ctx, sqlDB, deviceStoreDialect(a.appConfig.Database.Type), zap.L())
	default:
		return nil, fmt.Errorf("unknown driver type %q", a.appConfig.Driver.Type)
	}
}

// Restore reconciles persisted state after a restart. Deliveries claimed by
// the previous process go back to the queue. Pending pairings lost their QR
// code with it; paired sessions reconnect in the background when enabled and
// every other session still marked live is recorded as disconnected.
func (a *Application) Restore(ctx context.Context) {
	if n, err := a.messages.ReleaseClaims(ctx); err != nil {
		zap.L().Error("app: release message claims failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("app: released interrupted deliveries", zap.Int64("count", n))
	}

	sessions, err := a.sessions.List(ctx)
	if err != nil {
		zap.L().Error("app: list sessions failed", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		switch sess.Status {
		case domain.SessionConnected:
			if sess.DeviceJID != "" && a.appConfig.Instance.RestoreOnStart {
				tenant := sess.TenantID
				go func() {
					if _, err := a.instances.GetOrCreate(context.Background(), tenant); err != nil {
						zap.L().Warn("app: restore session failed", zap.String("tenant", tenant), zap.Error(err))
					}
				}()
				continue
			}
			fallthrough
		case domain.SessionConnecting:
			if err := a.sessions.MarkDisconnected(ctx, sess.TenantID); err != nil {
				zap.L().Warn("app: reset stale session failed", zap.String("tenant", sess.TenantID), zap.Error(err))
			}
		}
	}
}

// Release stops background jobs and closes every driver. Paired devices stay
// paired so the next start can restore them.
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.instances != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.instances.Close(ctx)
		cancel()
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = zap.L().Sync()
}
