// Package config 從環境變數（可選 .env）讀取服務設定並套用預設值與驗證。
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// 儲存與鎖的驅動。
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"
)

// Config 彙整服務設定。
type Config struct {
	HTTP    HTTPConfig
	Logging LoggingConfig
	Storage StorageConfig
	Lock    LockConfig
	Redis   RedisConfig
	Events  EventsConfig
	Audit   AuditConfig
}

// HTTPConfig 控制 HTTP 伺服器。
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig 控制 zerolog 輸出。
type LoggingConfig struct {
	Level  string
	Format string // console|json
}

// StorageConfig 選擇帳戶與交易紀錄的儲存後端。
type StorageConfig struct {
	Driver       string
	SnapshotPath string // memory 專用；空字串代表不落地
	DatabaseURL  string // postgres 專用
}

// LockConfig 選擇帳戶鎖的實作。
type LockConfig struct {
	Driver  string
	Timeout time.Duration
}

// RedisConfig 供分散式鎖與冪等鍵使用；Addr 為空代表停用。
type RedisConfig struct {
	Addr           string
	IdempotencyTTL time.Duration
}

// EventsConfig 控制轉帳事件發佈；URL 為空代表不發佈。
type EventsConfig struct {
	RabbitURL      string
	Exchange       string
	PublishTimeout time.Duration
}

// AuditConfig 供稽核 worker 使用。
type AuditConfig struct {
	MongoURI string
	Database string
	Queue    string
}

const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
	defaultSnapshotPath    = "data/bank.json"
	defaultLockTimeout     = 2 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultExchange        = "ledger_events"
	defaultPublishTimeout  = 5 * time.Second
	defaultMongoDatabase   = "bank_audit"
	defaultAuditQueue      = "audit_queue"
)

// Load 先嘗試讀取 .env（不存在不視為錯誤），再從環境變數組出設定。
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv 只讀取目前的環境變數。
func FromEnv() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr: valueOrDefault("HTTP_ADDR", defaultAddr),
		},
		Logging: LoggingConfig{
			Level:  valueOrDefault("LOG_LEVEL", defaultLogLevel),
			Format: valueOrDefault("LOG_FORMAT", defaultLogFormat),
		},
		Storage: StorageConfig{
			Driver:       valueOrDefault("STORAGE_DRIVER", StorageMemory),
			SnapshotPath: valueOrDefault("SNAPSHOT_PATH", defaultSnapshotPath),
			DatabaseURL:  os.Getenv("DATABASE_URL"),
		},
		Lock: LockConfig{
			Driver: valueOrDefault("LOCK_DRIVER", LockLocal),
		},
		Redis: RedisConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		},
		Events: EventsConfig{
			RabbitURL: os.Getenv("RABBITMQ_URL"),
			Exchange:  valueOrDefault("EVENTS_EXCHANGE", defaultExchange),
		},
		Audit: AuditConfig{
			MongoURI: os.Getenv("MONGO_URI"),
			Database: valueOrDefault("MONGO_DATABASE", defaultMongoDatabase),
			Queue:    valueOrDefault("AUDIT_QUEUE", defaultAuditQueue),
		},
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout, defaultReadTimeout},
		{"HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout, defaultWriteTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout, defaultShutdownTimeout},
		{"LOCK_TIMEOUT", &cfg.Lock.Timeout, defaultLockTimeout},
		{"IDEMPOTENCY_TTL", &cfg.Redis.IdempotencyTTL, defaultIdempotencyTTL},
		{"EVENTS_PUBLISH_TIMEOUT", &cfg.Events.PublishTimeout, defaultPublishTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 檢查設定組合是否合理。
func (c Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
		return fmt.Errorf("invalid HTTP_ADDR %q: %w", c.HTTP.Addr, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid HTTP_ADDR port %q", port)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q (want %s|%s)", c.Storage.Driver, StorageMemory, StoragePostgres)
	}

	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required when LOCK_DRIVER=redis")
		}
	default:
		return fmt.Errorf("invalid LOCK_DRIVER %q (want %s|%s)", c.Lock.Driver, LockLocal, LockRedis)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q (want console|json)", c.Logging.Format)
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
