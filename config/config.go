package config

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig Web server config
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// DriverConfig selects the protocol driver backing each tenant session.
type DriverConfig struct {
	Type            string `yaml:"type"` // whatsmeow or mock
	RecipientSuffix string `yaml:"recipient_suffix"`
}

// InstanceConfig bounds every await of the instance lifecycle.
type InstanceConfig struct {
	InitWait         time.Duration `yaml:"init_wait"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	LogoutTimeout    time.Duration `yaml:"logout_timeout"`
	DestroyTimeout   time.Duration `yaml:"destroy_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
	Reaper           string        `yaml:"reaper"` // kill (own child processes only) or noop
	// RestoreOnStart reconnects tenants that were paired when the process stopped
	RestoreOnStart   bool          `yaml:"restore_on_start"`
}

type DispatchConfig struct {
	BulkDelay                time.Duration `yaml:"bulk_delay"`
	DefaultPerMinute         int           `yaml:"default_per_minute"`
	DefaultPerHour           int           `yaml:"default_per_hour"`
	DefaultDelayBetweenSends int           `yaml:"default_delay_between_sends"`
}

type QueueConfig struct {
	DrainCron    string `yaml:"drain_cron"` // empty disables the built-in drain job
	DrainLimit   int    `yaml:"drain_limit"`
	PoolSize     int    `yaml:"pool_size"`
	PendingLimit int    `yaml:"pending_limit"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	Driver   DriverConfig   `yaml:"driver"`
	Instance InstanceConfig `yaml:"instance"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Queue    QueueConfig    `yaml:"queue"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

// GetSessionsDir is where per-tenant driver state (and its lock files) lives.
func (c *AppConfig) GetSessionsDir() string {
	return path.Join(c.System.Workdir, "sessions")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
	_ = os.MkdirAll(c.GetSessionsDir(), 0o755)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WaNotify",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wanotify",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 3001,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wanotify.db",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wanotify/logs/wanotify.log",
	},
	Driver: DriverConfig{
		Type:            "whatsmeow",
		RecipientSuffix: "@s.whatsapp.net",
	},
	Instance: InstanceConfig{
		InitWait:         30 * time.Second,
		ConnectTimeout:   90 * time.Second,
		LogoutTimeout:    5 * time.Second,
		DestroyTimeout:   5 * time.Second,
		SettleDelay:      3 * time.Second,
		SweepInterval:    30 * time.Minute,
		SweepConcurrency: 8,
		Reaper:           "kill",
		RestoreOnStart:   true,
	},
	Dispatch: DispatchConfig{
		BulkDelay:                time.Second,
		DefaultPerMinute:         20,
		DefaultPerHour:           500,
		DefaultDelayBetweenSends: 3,
	},
	Queue: QueueConfig{
		DrainCron:    "",
		DrainLimit:   50,
		PoolSize:     16,
		PendingLimit: 50,
	},
}

// LoadConfig reads cfile (falling back to /etc/wanotify.yml), fills the
// gaps from DefaultAppConfig and applies WANOTIFY_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	if cfile == "" {
		cfile = "wanotify.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/wanotify.yml"
	}
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if fileExists(cfile) {
		data, err := os.ReadFile(filepath.Clean(cfile))
		if err != nil {
			panic(err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	}
	cfg.applyEnv()
	cfg.initDirs()
	return cfg
}

func (c *AppConfig) applyEnv() {
	setEnvValue("WANOTIFY_SYSTEM_WORKER_DIR", &c.System.Workdir)
	setEnvValue("WANOTIFY_SYSTEM_LOCATION", &c.System.Location)
	setEnvBoolValue("WANOTIFY_SYSTEM_DEBUG", &c.System.Debug)

	setEnvValue("WANOTIFY_WEB_HOST", &c.Web.Host)
	setEnvIntValue("WANOTIFY_WEB_PORT", &c.Web.Port)

	setEnvValue("WANOTIFY_DB_TYPE", &c.Database.Type)
	setEnvValue("WANOTIFY_DB_HOST", &c.Database.Host)
	setEnvValue("WANOTIFY_DB_NAME", &c.Database.Name)
	setEnvValue("WANOTIFY_DB_USER", &c.Database.User)
	setEnvValue("WANOTIFY_DB_PWD", &c.Database.Passwd)
	setEnvIntValue("WANOTIFY_DB_PORT", &c.Database.Port)
	setEnvBoolValue("WANOTIFY_DB_DEBUG", &c.Database.Debug)

	setEnvValue("WANOTIFY_LOGGER_MODE", &c.Logger.Mode)
	setEnvBoolValue("WANOTIFY_LOGGER_FILE_ENABLE", &c.Logger.FileEnable)

	setEnvValue("WANOTIFY_DRIVER_TYPE", &c.Driver.Type)
	setEnvValue("WANOTIFY_DRIVER_RECIPIENT_SUFFIX", &c.Driver.RecipientSuffix)

	setEnvDurationValue("WANOTIFY_INSTANCE_INIT_WAIT", &c.Instance.InitWait)
	setEnvDurationValue("WANOTIFY_INSTANCE_CONNECT_TIMEOUT", &c.Instance.ConnectTimeout)
	setEnvDurationValue("WANOTIFY_INSTANCE_SETTLE_DELAY", &c.Instance.SettleDelay)
	setEnvDurationValue("WANOTIFY_INSTANCE_SWEEP_INTERVAL", &c.Instance.SweepInterval)
	setEnvValue("WANOTIFY_INSTANCE_REAPER", &c.Instance.Reaper)
	setEnvBoolValue("WANOTIFY_INSTANCE_RESTORE_ON_START", &c.Instance.RestoreOnStart)

	setEnvDurationValue("WANOTIFY_DISPATCH_BULK_DELAY", &c.Dispatch.BulkDelay)
	setEnvIntValue("WANOTIFY_DISPATCH_PER_MINUTE", &c.Dispatch.DefaultPerMinute)
	setEnvIntValue("WANOTIFY_DISPATCH_PER_HOUR", &c.Dispatch.DefaultPerHour)

	setEnvValue("WANOTIFY_QUEUE_DRAIN_CRON", &c.Queue.DrainCron)
	setEnvIntValue("WANOTIFY_QUEUE_POOL_SIZE", &c.Queue.PoolSize)
}

func fileExists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}

func setEnvValue(name string, val *string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if b, err := cast.ToBoolE(v); err == nil {
		*val = b
	}
}

func setEnvIntValue(name string, val *int) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if i, err := cast.ToIntE(v); err == nil {
		*val = i
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if d, err := cast.ToDurationE(v); err == nil {
		*val = d
	}
}
