// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/latestcomment/idea-bidding/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port           int
	AllowedOrigins []string

	// Session behaviour.
	IdleTimeout      time.Duration
	MaxRounds        int
	MaxViewers       int
	MessageRateLimit int // inbound messages per connection per minute
	MaxMessageBytes  int
	AutoAdvance      bool
	RosterFile       string

	// Credit operations.
	RetryMax               int
	RetryBaseDelay         time.Duration
	MonitorRetention       time.Duration
	MonitorCleanupInterval time.Duration
	SamplerCapacity        int

	// Storage.
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	RedisURL       string // optional; enables the session archive
	SnapshotTTL    time.Duration
	SeedDemo       bool // insert a demo user and idea at startup

	// Identity.
	JWTSecret string // optional; enables token verification on client.init

	// AI bidders.
	OpenRouterAPIKey string // optional; heuristic bidders without it
	AIModel          string
	AITimeout        time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
// Malformed values are reported together rather than silently replaced.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                   intVar("PORT", 3000),
		AllowedOrigins:         envList("ALLOWED_ORIGINS"),
		IdleTimeout:            durVar("BIDDING_IDLE_TIMEOUT", 30*time.Minute),
		MaxRounds:              intVar("BIDDING_MAX_ROUNDS", 3),
		MaxViewers:             intVar("BIDDING_MAX_VIEWERS", 500),
		MessageRateLimit:       intVar("BIDDING_MESSAGE_RATE_LIMIT", 30),
		MaxMessageBytes:        intVar("BIDDING_MAX_MESSAGE_BYTES", 4096),
		AutoAdvance:            boolVar("BIDDING_AUTO_ADVANCE", true),
		RosterFile:             envStr("BIDDING_ROSTER_FILE", ""),
		RetryMax:               intVar("CREDIT_RETRY_MAX", 3),
		RetryBaseDelay:         durVar("CREDIT_RETRY_BASE_DELAY", time.Second),
		MonitorRetention:       durVar("MONITOR_RETENTION", time.Hour),
		MonitorCleanupInterval: durVar("MONITOR_CLEANUP_INTERVAL", 10*time.Minute),
		SamplerCapacity:        intVar("SAMPLER_CAPACITY", 100),
		DatabaseDriver:         strings.ToLower(envStr("DATABASE_DRIVER", DriverSQLite)),
		DatabaseURL:            envStr("DATABASE_URL", "bidding.db"),
		RedisURL:               envStr("REDIS_URL", ""),
		SnapshotTTL:            durVar("SNAPSHOT_TTL", 24*time.Hour),
		SeedDemo:               boolVar("BIDDING_SEED_DEMO", false),
		JWTSecret:              envStr("JWT_SECRET", ""),
		OpenRouterAPIKey:       envStr("OPENROUTER_API_KEY", ""),
		AIModel:                envStr("AI_MODEL", ""),
		AITimeout:              durVar("AI_TIMEOUT", 20*time.Second),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:           boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "idea-bidding"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that values are usable.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT must be between 1 and 65535")
	case c.MaxRounds <= 0:
		return fmt.Errorf("config: BIDDING_MAX_ROUNDS must be positive")
	case c.MaxViewers < 0:
		return fmt.Errorf("config: BIDDING_MAX_VIEWERS must not be negative")
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("config: BIDDING_MAX_MESSAGE_BYTES must be positive")
	case c.RetryMax < 0:
		return fmt.Errorf("config: CREDIT_RETRY_MAX must not be negative")
	case c.RetryBaseDelay <= 0:
		return fmt.Errorf("config: CREDIT_RETRY_BASE_DELAY must be positive")
	case c.MonitorCleanupInterval <= 0:
		return fmt.Errorf("config: MONITOR_CLEANUP_INTERVAL must be positive")
	case c.SamplerCapacity <= 0:
		return fmt.Errorf("config: SAMPLER_CAPACITY must be positive")
	case c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres:
		return fmt.Errorf("config: DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	case c.DatabaseURL == "":
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

type rosterFile struct {
	Bidders []models.Bidder `toml:"bidder"`
}

// DefaultRoster is the built-in panel of AI bidders.
func DefaultRoster() []models.Bidder {
	return []models.Bidder{
		{ID: "tech-pioneer-alex", Name: "Alex the Tech Pioneer", Specialty: "architecture and technical feasibility", Style: "balanced"},
		{ID: "business-tycoon-wang", Name: "Tycoon Wang", Specialty: "profit models and business risk", Style: "aggressive"},
		{ID: "artistic-lin", Name: "Lin the Artist", Specialty: "user experience and brand story", Style: "balanced"},
		{ID: "trend-master-allen", Name: "Allen the Trend Master", Specialty: "social reach and market timing", Style: "aggressive"},
		{ID: "scholar-li", Name: "Scholar Li", Specialty: "research grounding and systematic analysis", Style: "conservative"},
	}
}

// LoadRoster reads [[bidder]] tables from a TOML file. An empty path yields DefaultRoster.
func LoadRoster(path string) ([]models.Bidder, error) {
	if path == "" {
		return DefaultRoster(), nil
	}
	var f rosterFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: read roster %s: %w", path, err)
	}
	if len(f.Bidders) == 0 {
		return nil, fmt.Errorf("config: roster %s defines no bidders", path)
	}
	seen := make(map[string]struct{}, len(f.Bidders))
	for i, b := range f.Bidders {
		if b.ID == "" || b.Name == "" {
			return nil, fmt.Errorf("config: roster %s: bidder %d needs id and name", path, i)
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("config: roster %s: duplicate bidder id %q", path, b.ID)
		}
		seen[b.ID] = struct{}{}
		if f.Bidders[i].Style == "" {
			f.Bidders[i].Style = "balanced"
		}
	}
	return f.Bidders, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
