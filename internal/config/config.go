package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	Auth      AuthConfig
	Verifier  VerifierConfig
	Dispatch  DispatchConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	LockTTL  time.Duration
}

type GatewayConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// InboundToken is the bearer token the bridge presents when it pushes
	// incoming messages. Empty accepts any caller.
	InboundToken string
}

type AuthConfig struct {
	CallTimeout         time.Duration
	DiagnosticRecipient string
	DiagnosticMessage   string
}

type VerifierConfig struct {
	BatchSize    int
	ContactDelay time.Duration
	BatchDelay   time.Duration
	CallTimeout  time.Duration
}

type DispatchConfig struct {
	BatchSize    int
	SendInterval time.Duration
	MaxLanes     int
	CallTimeout  time.Duration
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadAll() (*Config, error) {
	var e env
	callTimeout := e.duration("PLATFORM_CALL_TIMEOUT", 20*time.Second)
	gatewayToken := os.Getenv("GATEWAY_TOKEN")

	cfg := &Config{
		Server: ServerConfig{
			Address: e.str("SERVER_ADDRESS", ":9724"),
		},
		Database: DatabaseConfig{
			DSN: e.str("DB_DSN", "file:outreach.db?_foreign_keys=on&_busy_timeout=5000"),
		},
		Gateway: GatewayConfig{
			URL:          e.required("GATEWAY_URL"),
			Token:        gatewayToken,
			Timeout:      e.duration("GATEWAY_TIMEOUT", 30*time.Second),
			InboundToken: e.str("GATEWAY_INBOUND_TOKEN", gatewayToken),
		},
		Auth: AuthConfig{
			CallTimeout:         callTimeout,
			DiagnosticRecipient: e.str("DIAGNOSTIC_RECIPIENT", "me"),
			DiagnosticMessage:   e.str("DIAGNOSTIC_MESSAGE", "Connection test"),
		},
		Verifier: VerifierConfig{
			BatchSize:    e.integer("VERIFY_BATCH_SIZE", 10),
			ContactDelay: e.duration("VERIFY_CONTACT_DELAY", 100*time.Millisecond),
			BatchDelay:   e.duration("VERIFY_BATCH_DELAY", 500*time.Millisecond),
			CallTimeout:  callTimeout,
		},
		Dispatch: DispatchConfig{
			BatchSize:    e.integer("DISPATCH_BATCH_SIZE", 10),
			SendInterval: e.duration("DISPATCH_SEND_INTERVAL", time.Second),
			MaxLanes:     e.integer("DISPATCH_MAX_LANES", 8),
			CallTimeout:  callTimeout,
		},
		Scheduler: SchedulerConfig{
			Enabled:  e.boolean("SCHED_ENABLED", true),
			Interval: e.duration("SCHED_INTERVAL", 30*time.Second),
		},
		Log: LogConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: strings.ToLower(e.str("LOG_FORMAT", "console")),
		},
		Redis: loadRedisConfig(&e),
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(e *env) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       e.integer("REDIS_DB", 0),
		LockTTL:  e.duration("LOCK_TTL", 30*time.Second),
	}
}

func validate(cfg *Config) error {
	switch {
	case cfg.Verifier.BatchSize <= 0:
		return fmt.Errorf("VERIFY_BATCH_SIZE must be > 0")
	case cfg.Dispatch.BatchSize <= 0:
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0")
	case cfg.Dispatch.MaxLanes <= 0:
		return fmt.Errorf("DISPATCH_MAX_LANES must be > 0")
	case cfg.Dispatch.CallTimeout <= 0:
		return fmt.Errorf("PLATFORM_CALL_TIMEOUT must be > 0")
	case cfg.Verifier.ContactDelay < 0, cfg.Verifier.BatchDelay < 0, cfg.Dispatch.SendInterval < 0:
		return fmt.Errorf("pacing delays must not be negative")
	case cfg.Scheduler.Enabled && cfg.Scheduler.Interval <= 0:
		return fmt.Errorf("SCHED_INTERVAL must be > 0")
	case cfg.Redis.Enabled && cfg.Redis.LockTTL <= 0:
		return fmt.Errorf("LOCK_TTL must be > 0")
	case cfg.Log.Format != "console" && cfg.Log.Format != "json":
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", cfg.Log.Format)
	}
	return nil
}

// env reads variables and collects every parse failure so one run reports
// all of them.
type env struct {
	errs []error
}

func (e *env) required(key string) string {
	val := os.Getenv(key)
	if val == "" {
		e.errs = append(e.errs, fmt.Errorf("missing required env var: %s", key))
	}
	return val
}

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid int for env %s: %s", key, v))
		return def
	}
	return i
}

func (e *env) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid bool for env %s: %s", key, v))
		return def
	}
	return b
}

// duration accepts Go duration strings ("250ms", "2m").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid duration for env %s: %s", key, v))
		return def
	}
	return d
}
