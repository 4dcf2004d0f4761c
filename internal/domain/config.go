package domain

import (
	"fmt"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backing infrastructure
	Tier Tier `json:"tier"`

	// Component configurations
	Store    StoreConfig      `json:"store"`
	EventBus EventBusConfig   `json:"eventBus"`
	Review   RepositoryConfig `json:"review"`

	// Limits are the hot-reloadable fraud and admission-control thresholds.
	Limits LimitsConfig `json:"limits"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// BlockedIPs are rejected before any other handling. Fixed at
	// startup; runtime blocks go through the blocklist API instead.
	BlockedIPs []string `json:"blockedIps,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with in-memory store + channels + SQLite
	TierCommunity Tier = "community"

	// TierPro is the paid tier with Redis + NATS + PostgreSQL
	TierPro Tier = "pro"
)

// LimitsConfig holds every tunable threshold of the engine. The whole
// struct is swapped atomically on reload, so a reader always sees one
// consistent generation of limits.
type LimitsConfig struct {
	// Demo abuse limits
	DemoPerIPLimit     int64 `json:"demoPerIpLimit"`
	DemoPerDeviceLimit int64 `json:"demoPerDeviceLimit"`
	DemoPerPhoneLimit  int64 `json:"demoPerPhoneLimit"`
	DemoCooldownDays   int   `json:"demoCooldownDays"`

	// Rate limits (requests per minute, keyed by tier)
	RatePerMinute map[string]int64 `json:"ratePerMinute"`

	// Burst limits (requests per second)
	BurstAnonymous     int64 `json:"burstAnonymous"`
	BurstAuthenticated int64 `json:"burstAuthenticated"`

	// Per-endpoint overrides for sensitive endpoints (requests per minute)
	EndpointPerMinute map[string]int64 `json:"endpointPerMinute"`

	// RateLimitFailOpen allows requests through when the store is down.
	// An explicit availability-over-strictness trade-off.
	RateLimitFailOpen bool `json:"rateLimitFailOpen"`

	// Payment thresholds
	HighRiskCountries      []string `json:"highRiskCountries"`
	MaxFailedPayments      int64    `json:"maxFailedPayments"`
	PaymentVelocityPerHour int64    `json:"paymentVelocityPerHour"`
	ChargebackThreshold    float64  `json:"chargebackThreshold"`

	// Fingerprint fuzzy matching threshold (integer percent)
	SimilarityThreshold int `json:"similarityThreshold"`

	// Decision thresholds
	BlockThreshold     float64 `json:"blockThreshold"`
	ChallengeThreshold float64 `json:"challengeThreshold"`
}

// DefaultLimits returns the default engine thresholds.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		DemoPerIPLimit:     1,
		DemoPerDeviceLimit: 1,
		DemoPerPhoneLimit:  1,
		DemoCooldownDays:   30,

		RatePerMinute: map[string]int64{
			"anonymous": 30,
			"demo":      60,
			"paid":      300,
			"business":  1000,
		},
		BurstAnonymous:     5,
		BurstAuthenticated: 20,

		EndpointPerMinute: map[string]int64{
			"/v1/auth":     10,
			"/v1/storage":  5,
			"/v1/generate": 3,
			"/v1/plan":     5,
		},
		RateLimitFailOpen: true,

		HighRiskCountries:      []string{"NG", "GH", "KE", "PH", "IN"},
		MaxFailedPayments:      3,
		PaymentVelocityPerHour: 3,
		ChargebackThreshold:    0.01,

		SimilarityThreshold: 70,

		BlockThreshold:     0.8,
		ChallengeThreshold: 0.5,
	}
}

// Validate checks that the limits are internally consistent. Invalid
// limits are fatal at startup and rejected on reload; they never surface
// per-request.
func (l *LimitsConfig) Validate() error {
	if l.BlockThreshold <= l.ChallengeThreshold {
		return fmt.Errorf("blockThreshold (%.2f) must be greater than challengeThreshold (%.2f)", l.BlockThreshold, l.ChallengeThreshold)
	}
	if l.BlockThreshold > 1 || l.ChallengeThreshold < 0 {
		return fmt.Errorf("decision thresholds must stay within [0,1]")
	}
	if l.DemoPerIPLimit < 1 || l.DemoPerDeviceLimit < 1 || l.DemoPerPhoneLimit < 1 {
		return fmt.Errorf("demo limits must be at least 1")
	}
	if l.DemoCooldownDays < 0 {
		return fmt.Errorf("demoCooldownDays must not be negative")
	}
	if l.SimilarityThreshold < 0 || l.SimilarityThreshold > 100 {
		return fmt.Errorf("similarityThreshold must be a percentage in [0,100]")
	}
	if l.ChargebackThreshold < 0 || l.ChargebackThreshold > 1 {
		return fmt.Errorf("chargebackThreshold must be in [0,1]")
	}
	for tier, limit := range l.RatePerMinute {
		if limit < 1 {
			return fmt.Errorf("rate limit for tier %q must be at least 1", tier)
		}
	}
	if l.BurstAnonymous < 1 || l.BurstAuthenticated < 1 {
		return fmt.Errorf("burst limits must be at least 1")
	}
	return nil
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Store: StoreConfig{
			Type: "memory",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Review: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Limits: DefaultLimits(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Store = StoreConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Review = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
