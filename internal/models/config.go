// Package models - Service configuration and operational settings.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, ledger, rate limit, ...)
// - Environment-friendly defaults that work out of the box
// - Comprehensive validation to catch misconfigurations early
// - Fail-closed credit settings, fail-open rate limit settings by default
package models

import (
	"errors"
	"fmt"
	"time"
)

// Ledger store backend types.
const (
	LedgerStoreMemory   = "memory"
	LedgerStorePostgres = "postgres"
	LedgerStoreSQLite   = "sqlite"
)

// Coordination cache backend types.
const (
	CoordinationRedis  = "redis"
	CoordinationMemory = "memory"
)

// Rate limiter backend types. The bucket backend is a single-instance
// token-bucket limiter; redis is the authoritative sliding window for
// scaled-out deployments; memory mirrors the sliding window in process.
const (
	RateLimitRedis  = "redis"
	RateLimitMemory = "memory"
	RateLimitBucket = "bucket"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig          `yaml:"server" json:"server"`
	Ledger        LedgerConfig          `yaml:"ledger" json:"ledger"`
	Coordination  CoordinationConfig    `yaml:"coordination" json:"coordination"`
	Credits       CreditsConfig         `yaml:"credits" json:"credits"`
	RateLimit     RateLimitConfig       `yaml:"rate_limit" json:"rate_limit"`
	Plans         map[string]PlanConfig `yaml:"plans" json:"plans"`
	Events        EventsConfig          `yaml:"events" json:"events"`
	Logging       LoggingConfig         `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig         `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig   `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// LedgerConfig selects and configures the authoritative ledger store.
type LedgerConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// CoordinationConfig configures the shared cache used for reservation
// bookkeeping and the rate-limit sliding windows.
type CoordinationConfig struct {
	Type      string      `yaml:"type" json:"type"`
	KeyPrefix string      `yaml:"key_prefix" json:"key_prefix"`
	Redis     RedisConfig `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// CreditsConfig tunes the reservation protocol.
type CreditsConfig struct {
	// ReservationTTL bounds how long a crashed caller can hold credits.
	ReservationTTL time.Duration `yaml:"reservation_ttl" json:"reservation_ttl"`
	// BalanceCacheTTL is the short-lived balance cache window; writes
	// invalidate rather than update.
	BalanceCacheTTL time.Duration `yaml:"balance_cache_ttl" json:"balance_cache_ttl"`
	// ConsumeRetryAttempts bounds retries of the ledger write during consume.
	ConsumeRetryAttempts int           `yaml:"consume_retry_attempts" json:"consume_retry_attempts"`
	ConsumeRetryBase     time.Duration `yaml:"consume_retry_base" json:"consume_retry_base"`
	// ReaperInterval drives active expiry of abandoned reservations.
	// Zero disables the reaper; lazy expiry on reads still applies.
	ReaperInterval time.Duration `yaml:"reaper_interval" json:"reaper_interval"`
}

// RateLimitConfig configures the three-key sliding-window admission gate.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Backend       string        `yaml:"backend" json:"backend"`
	WindowSeconds int           `yaml:"window_seconds" json:"window_seconds"`
	IPLimit       int           `yaml:"ip_limit" json:"ip_limit"`
	UserLimit     int           `yaml:"user_limit" json:"user_limit"`
	IPUserLimit   int           `yaml:"ip_user_limit" json:"ip_user_limit"`
	// Bucket backend settings (single-instance mode).
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// PlanConfig describes one subscription plan: allotment, rollover policy,
// and per-service pricing consumed by the cost calculator.
type PlanConfig struct {
	MonthlyCredits  int64 `yaml:"monthly_credits" json:"monthly_credits"`
	RolloverEnabled bool  `yaml:"rollover_enabled" json:"rollover_enabled"`
	// RolloverMonths is how many months carried credits stay valid.
	RolloverMonths int                       `yaml:"rollover_months" json:"rollover_months"`
	Pricing        map[string]ServicePricing `yaml:"pricing" json:"pricing"`
}

// Pricing modes for ServicePricing.Mode.
const (
	PricingPerCharacter = "per_character"
	PricingPerSecond    = "per_second"
	PricingFixed        = "fixed"
)

// ServicePricing prices one service under one plan.
type ServicePricing struct {
	Mode string `yaml:"mode" json:"mode"`
	// CharactersPerCredit: one credit buys this many characters (per_character).
	CharactersPerCredit int64 `yaml:"characters_per_credit" json:"characters_per_credit"`
	// CreditsPerSecond: credits charged per second of output (per_second).
	CreditsPerSecond int64 `yaml:"credits_per_second" json:"credits_per_second"`
	// FixedCredits: flat cost per operation (fixed).
	FixedCredits int64 `yaml:"fixed_credits" json:"fixed_credits"`
}

type EventsConfig struct {
	Sink       string `yaml:"sink" json:"sink"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
	Workers    int    `yaml:"workers" json:"workers"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
// Memory backends keep the service runnable with no external dependencies;
// production deployments point the ledger at postgres and coordination at
// redis via file or environment overrides.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Ledger: LedgerConfig{
			Type: LedgerStoreMemory,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
		},
		Coordination: CoordinationConfig{
			Type:      CoordinationMemory,
			KeyPrefix: "metergate:",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     50,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Credits: CreditsConfig{
			ReservationTTL:       30 * time.Minute,
			BalanceCacheTTL:      time.Minute,
			ConsumeRetryAttempts: 5,
			ConsumeRetryBase:     100 * time.Millisecond,
			ReaperInterval:       3 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Backend:           RateLimitMemory,
			WindowSeconds:     60,
			IPLimit:           120,
			UserLimit:         60,
			IPUserLimit:       30,
			RequestsPerMinute: 60,
			BurstSize:         10,
			CleanupInterval:   5 * time.Minute,
		},
		Plans: map[string]PlanConfig{
			"free": {
				MonthlyCredits:  100,
				RolloverEnabled: false,
				Pricing: map[string]ServicePricing{
					ServiceTextToSpeech:    {Mode: PricingPerCharacter, CharactersPerCredit: 100},
					ServiceMusicGeneration: {Mode: PricingPerSecond, CreditsPerSecond: 2},
					ServiceVoiceClone:      {Mode: PricingFixed, FixedCredits: 50},
				},
			},
			"pro": {
				MonthlyCredits:  1000,
				RolloverEnabled: true,
				RolloverMonths:  1,
				Pricing: map[string]ServicePricing{
					ServiceTextToSpeech:    {Mode: PricingPerCharacter, CharactersPerCredit: 200},
					ServiceMusicGeneration: {Mode: PricingPerSecond, CreditsPerSecond: 1},
					ServiceVoiceClone:      {Mode: PricingFixed, FixedCredits: 25},
				},
			},
		},
		Events: EventsConfig{
			Sink:       "log",
			BufferSize: 1024,
			Workers:    2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "metergate",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

// Validate checks the configuration for consistency across all components.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls_cert_file and tls_key_file are required when TLS is enabled"))
	}

	switch c.Ledger.Type {
	case LedgerStoreMemory:
	case LedgerStorePostgres, LedgerStoreSQLite:
		if c.Ledger.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database DSN is required for %s ledger store", c.Ledger.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported ledger store type: %s", c.Ledger.Type))
	}

	switch c.Coordination.Type {
	case CoordinationMemory:
	case CoordinationRedis:
		if c.Coordination.Redis.Addr == "" {
			errs = append(errs, errors.New("redis addr is required for redis coordination"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported coordination type: %s", c.Coordination.Type))
	}

	if c.Credits.ReservationTTL <= 0 {
		errs = append(errs, errors.New("reservation_ttl must be positive"))
	}
	if c.Credits.BalanceCacheTTL < 0 {
		errs = append(errs, errors.New("balance_cache_ttl must not be negative"))
	}
	if c.Credits.ConsumeRetryAttempts < 1 {
		errs = append(errs, errors.New("consume_retry_attempts must be at least 1"))
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case RateLimitRedis, RateLimitMemory:
			if c.RateLimit.WindowSeconds <= 0 {
				errs = append(errs, errors.New("rate limit window_seconds must be positive"))
			}
			if c.RateLimit.IPLimit <= 0 || c.RateLimit.UserLimit <= 0 || c.RateLimit.IPUserLimit <= 0 {
				errs = append(errs, errors.New("rate limits must be positive"))
			}
		case RateLimitBucket:
			if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.BurstSize <= 0 {
				errs = append(errs, errors.New("bucket rate limit requires positive requests_per_minute and burst_size"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported rate limit backend: %s", c.RateLimit.Backend))
		}
	}

	for name, plan := range c.Plans {
		if plan.MonthlyCredits < 0 {
			errs = append(errs, fmt.Errorf("plan %s: monthly_credits must not be negative", name))
		}
		if plan.RolloverEnabled && plan.RolloverMonths < 1 {
			errs = append(errs, fmt.Errorf("plan %s: rollover_months must be at least 1 when rollover is enabled", name))
		}
		for svc, pricing := range plan.Pricing {
			switch pricing.Mode {
			case PricingPerCharacter:
				if pricing.CharactersPerCredit <= 0 {
					errs = append(errs, fmt.Errorf("plan %s service %s: characters_per_credit must be positive", name, svc))
				}
			case PricingPerSecond:
				if pricing.CreditsPerSecond <= 0 {
					errs = append(errs, fmt.Errorf("plan %s service %s: credits_per_second must be positive", name, svc))
				}
			case PricingFixed:
				if pricing.FixedCredits < 0 {
					errs = append(errs, fmt.Errorf("plan %s service %s: fixed_credits must not be negative", name, svc))
				}
			default:
				errs = append(errs, fmt.Errorf("plan %s service %s: unsupported pricing mode %q", name, svc, pricing.Mode))
			}
		}
	}

	if c.Events.BufferSize < 0 {
		errs = append(errs, errors.New("events buffer_size must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported log level: %s", c.Logging.Level))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("log file_path is required when output is file"))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Metrics.Port))
		}
		if c.Metrics.Port == c.Server.Port {
			errs = append(errs, errors.New("metrics port must differ from server port"))
		}
	}

	return errors.Join(errs...)
}
