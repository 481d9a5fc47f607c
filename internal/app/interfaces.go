package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wanotify/config"
	"github.com/talkincode/wanotify/internal/dispatch"
	"github.com/talkincode/wanotify/internal/instance"
	"github.com/talkincode/wanotify/internal/store"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// GatewayProvider provides the session, messaging and queue services
type GatewayProvider interface {
	Instances() *instance.Manager
	Dispatcher() *dispatch.Dispatcher
	Queue() *dispatch.Queue
	Sessions() store.SessionRepository
}

// MetricsProvider provides the prometheus registry served on /metrics
type MetricsProvider interface {
	Registry() *prometheus.Registry
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// AppContext combines all provider interfaces for full application context
type AppContext interface {
	DBProvider
	ConfigProvider
	GatewayProvider
	MetricsProvider
	SchedulerProvider

	MigrateDB(track bool) error
	Release()
}
