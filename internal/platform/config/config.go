package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the root application configuration.
// Priority: ENV > YAML > env-default tags.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Verification VerificationConfig `yaml:"verification"`
	Authority    AuthorityConfig    `yaml:"authority"`
	Poller       PollerConfig       `yaml:"poller"`
	Declarations DeclarationConfig  `yaml:"declarations"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"SERVER_ADDR"             env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	RequestTimeout  time.Duration `yaml:"request_timeout"  env:"SERVER_REQUEST_TIMEOUT"  env-default:"30s"`
	// DevRoutes mounts the development OTP, bank and authority endpoints.
	DevRoutes bool `yaml:"dev_routes" env:"SERVER_DEV_ROUTES" env-default:"false"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN selects in-memory stores.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"               env:"DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"    env:"DATABASE_MAX_OPEN_CONNS"    env-default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns"    env:"DATABASE_MAX_IDLE_CONNS"    env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" env-default:"1h"`
	TxTimeout       time.Duration `yaml:"tx_timeout"        env:"DATABASE_TX_TIMEOUT"        env-default:"5s"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"  env:"DATABASE_MIGRATE_ON_START"  env-default:"false"`
}

// RedisConfig holds Redis settings. An empty URL selects in-process filing locks.
type RedisConfig struct {
	URL          string        `yaml:"url"            env:"REDIS_URL"`
	PoolSize     int           `yaml:"pool_size"      env:"REDIS_POOL_SIZE"      env-default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" env-default:"2"`
	DialTimeout  time.Duration `yaml:"dial_timeout"   env:"REDIS_DIAL_TIMEOUT"   env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout"   env:"REDIS_READ_TIMEOUT"   env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout"  env:"REDIS_WRITE_TIMEOUT"  env-default:"3s"`
	LockTTL      time.Duration `yaml:"lock_ttl"       env:"REDIS_LOCK_TTL"       env-default:"45s"`
}

// KafkaConfig holds the audit outbox relay settings. No brokers disables the relay.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"       env:"KAFKA_BROKERS"       env-separator:","`
	AuditTopic   string        `yaml:"audit_topic"   env:"KAFKA_AUDIT_TOPIC"   env-default:"efiling.audit"`
	Partitions   int32         `yaml:"partitions"    env:"KAFKA_PARTITIONS"    env-default:"3"`
	RelayBatch   int           `yaml:"relay_batch"   env:"KAFKA_RELAY_BATCH"   env-default:"100"`
	RelayEvery   time.Duration `yaml:"relay_every"   env:"KAFKA_RELAY_EVERY"   env-default:"5s"`
	NotifyOutbox bool          `yaml:"notify_outbox" env:"KAFKA_NOTIFY_OUTBOX" env-default:"true"`
}

// VerificationConfig holds session windows and per-method provider settings.
type VerificationConfig struct {
	OTPWindow         time.Duration `yaml:"otp_window"          env:"VERIFY_OTP_WINDOW"          env-default:"5m"`
	CertificateWindow time.Duration `yaml:"certificate_window"  env:"VERIFY_CERTIFICATE_WINDOW"  env-default:"10m"`
	BankWindow        time.Duration `yaml:"bank_window"         env:"VERIFY_BANK_WINDOW"         env-default:"15m"`
	MaxAttempts       int           `yaml:"max_attempts"        env:"VERIFY_MAX_ATTEMPTS"        env-default:"3"`
	MaxResends        int           `yaml:"max_resends"         env:"VERIFY_MAX_RESENDS"         env-default:"3"`
	ResendInterval    time.Duration `yaml:"resend_interval"     env:"VERIFY_RESEND_INTERVAL"     env-default:"30s"`
	ProviderTimeout   time.Duration `yaml:"provider_timeout"    env:"VERIFY_PROVIDER_TIMEOUT"    env-default:"10s"`
	DedupeWindow      time.Duration `yaml:"dedupe_window"       env:"VERIFY_DEDUPE_WINDOW"       env-default:"30s"`
	PayloadKey        string        `yaml:"payload_key"         env:"VERIFY_PAYLOAD_KEY"         env-default:"dev-payload-key-0123456789abcdef"`
	OTPSenderURL      string        `yaml:"otp_sender_url"      env:"VERIFY_OTP_SENDER_URL"`
	BankRedirectURL   string        `yaml:"bank_redirect_url"   env:"VERIFY_BANK_REDIRECT_URL"   env-default:"https://netbanking.example.com/efiling/authorize"`
	BankStateKey      string        `yaml:"bank_state_key"      env:"VERIFY_BANK_STATE_KEY"      env-default:"dev-bank-state-signing-key-change-me"`
	BankCallbackKey   string        `yaml:"bank_callback_key"   env:"VERIFY_BANK_CALLBACK_KEY"   env-default:"dev-bank-callback-signing-key-change-me"`
	TrustedRootsPath  string        `yaml:"trusted_roots_path"  env:"VERIFY_TRUSTED_ROOTS_PATH"`
}

// AuthorityConfig holds filing authority client settings. An empty BaseURL
// selects the in-process simulator.
type AuthorityConfig struct {
	BaseURL          string        `yaml:"base_url"          env:"AUTHORITY_BASE_URL"`
	APIKey           string        `yaml:"api_key"           env:"AUTHORITY_API_KEY"`
	RequestTimeout   time.Duration `yaml:"request_timeout"   env:"AUTHORITY_REQUEST_TIMEOUT"   env-default:"15s"`
	FailureThreshold int           `yaml:"failure_threshold" env:"AUTHORITY_FAILURE_THRESHOLD" env-default:"5"`
	SuccessThreshold int           `yaml:"success_threshold" env:"AUTHORITY_SUCCESS_THRESHOLD" env-default:"2"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"  env:"AUTHORITY_BREAKER_COOLDOWN"  env-default:"30s"`
}

// PollerConfig drives the background status sweep.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"     env:"POLLER_ENABLED"     env-default:"true"`
	Interval    time.Duration `yaml:"interval"    env:"POLLER_INTERVAL"    env-default:"1m"`
	StaleAfter  time.Duration `yaml:"stale_after" env:"POLLER_STALE_AFTER" env-default:"5m"`
	BatchSize   int           `yaml:"batch_size"  env:"POLLER_BATCH_SIZE"  env-default:"50"`
	Concurrency int           `yaml:"concurrency" env:"POLLER_CONCURRENCY" env-default:"4"`
}

// DeclarationConfig points at an override catalog; empty uses the embedded one.
type DeclarationConfig struct {
	CatalogPath string `yaml:"catalog_path" env:"DECLARATIONS_CATALOG_PATH"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads an optional .env file, then YAML (CONFIG_PATH, fallback
// ./config.yaml) and environment variables, then validates the result.
// A missing file is only an error when CONFIG_PATH was set explicitly.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate performs business-rule validation on the loaded configuration.
func (c *Config) Validate() error {
	v := c.Verification
	if v.MaxAttempts < 1 {
		return fmt.Errorf("verification.max_attempts must be >= 1 (got %d)", v.MaxAttempts)
	}
	if v.MaxResends < 0 {
		return fmt.Errorf("verification.max_resends must be >= 0 (got %d)", v.MaxResends)
	}
	if v.OTPWindow <= 0 || v.CertificateWindow <= 0 || v.BankWindow <= 0 {
		return fmt.Errorf("verification windows must be positive")
	}
	if v.ProviderTimeout <= 0 {
		return fmt.Errorf("verification.provider_timeout must be positive")
	}
	if n := len(v.PayloadKey); n != 16 && n != 32 {
		return fmt.Errorf("verification.payload_key must be 16 or 32 bytes (got %d)", n)
	}
	if len(v.BankStateKey) < 32 || len(v.BankCallbackKey) < 32 {
		return fmt.Errorf("bank redirect signing keys must be at least 32 characters")
	}
	if c.Authority.RequestTimeout <= 0 {
		return fmt.Errorf("authority.request_timeout must be positive")
	}
	// A locked submit may reconcile and then hand off, each bounded by the
	// authority timeout. The lease has to outlive both.
	if c.Redis.URL != "" && c.Redis.LockTTL <= 2*c.Authority.RequestTimeout {
		return fmt.Errorf("redis.lock_ttl (%s) must exceed twice authority.request_timeout (%s)",
			c.Redis.LockTTL, c.Authority.RequestTimeout)
	}
	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("poller.concurrency must be >= 1 (got %d)", c.Poller.Concurrency)
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive when the poller is enabled")
	}
	return nil
}
