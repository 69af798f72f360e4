package studiocp

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/joho/godotenv"
)

// Ledger backends.
const (
	LedgerBackendSQLite = "sqlite"
	LedgerBackendRedis  = "redis"
)

// Config holds all configuration for the studio control plane.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	BaseURL     string

	StripeAPIKey        string
	StripeAPIURL        string // optional override (stripe-mock, tests)
	StripeWebhookSecret string
	PriceBasic          string
	PricePro            string
	PriceStudio         string
	PriceExtraSeat      string

	JWTSecret   string
	JWTAudience string

	ProviderTimeout     time.Duration
	ProviderReadRetries int
	WebhookTimeout      time.Duration

	LedgerBackend   string
	RedisURL        string
	LedgerRetention time.Duration
	PendingSweepAge time.Duration
	// PendingSweepMaxAge stops the sweeper from checking checkouts abandoned
	// longer ago than this.
	PendingSweepMaxAge time.Duration

	LogLevel  string
	LogFormat string

	PublicMetrics bool
	PublicStatus  bool
}

// RegistryDir returns the directory holding the tenant database.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "registry")
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Catalog builds the tier catalog from the configured price ids.
func (c *Config) Catalog() *tiers.Catalog {
	return tiers.NewCatalog(map[tiers.Name]string{
		tiers.Basic:  c.PriceBasic,
		tiers.Pro:    c.PricePro,
		tiers.Studio: c.PriceStudio,
	}, c.PriceExtraSeat)
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("STUDIOCP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	readRetries, err := envOrDefaultInt("PROVIDER_READ_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	providerTimeout, err := envOrDefaultDuration("PROVIDER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	webhookTimeout, err := envOrDefaultDuration("WEBHOOK_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := envOrDefaultDuration("LEDGER_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	sweepAge, err := envOrDefaultDuration("PENDING_SWEEP_AGE", time.Hour)
	if err != nil {
		return nil, err
	}
	sweepMaxAge, err := envOrDefaultDuration("PENDING_SWEEP_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("STUDIOCP_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("STUDIOCP_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("STUDIOCP_DATA_DIR", "/data"),
		BindAddress: envOrDefault("STUDIOCP_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("STUDIOCP_ADMIN_KEY")),
		BaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("STUDIOCP_BASE_URL")), "/"),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeAPIURL:        strings.TrimSpace(os.Getenv("STRIPE_API_URL")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PriceBasic:          strings.TrimSpace(os.Getenv("STRIPE_PRICE_BASIC")),
		PricePro:            strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO")),
		PriceStudio:         strings.TrimSpace(os.Getenv("STRIPE_PRICE_STUDIO")),
		PriceExtraSeat:      strings.TrimSpace(os.Getenv("STRIPE_PRICE_EXTRA_SEAT")),

		JWTSecret:   strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		JWTAudience: strings.TrimSpace(os.Getenv("AUTH_JWT_AUDIENCE")),

		ProviderTimeout:     providerTimeout,
		ProviderReadRetries: readRetries,
		WebhookTimeout:      webhookTimeout,

		LedgerBackend:   strings.ToLower(envOrDefault("LEDGER_BACKEND", LedgerBackendSQLite)),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		LedgerRetention: retention,
		PendingSweepAge: sweepAge,

		PendingSweepMaxAge: sweepMaxAge,

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),

		PublicMetrics: publicMetrics,
		PublicStatus:  publicStatus,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate studiocp config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{"STUDIOCP_ADMIN_KEY", c.AdminKey},
		{"STUDIOCP_BASE_URL", c.BaseURL},
		{"STRIPE_API_KEY", c.StripeAPIKey},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
		{"AUTH_JWT_SECRET", c.JWTSecret},
		{"STRIPE_PRICE_BASIC", c.PriceBasic},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if c.LedgerBackend == LedgerBackendRedis && c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("STUDIOCP_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ProviderReadRetries < 0 {
		return fmt.Errorf("PROVIDER_READ_RETRIES must not be negative, got %d", c.ProviderReadRetries)
	}
	for key, d := range map[string]time.Duration{
		"PROVIDER_TIMEOUT":  c.ProviderTimeout,
		"WEBHOOK_TIMEOUT":   c.WebhookTimeout,
		"LEDGER_RETENTION":  c.LedgerRetention,
		"PENDING_SWEEP_AGE": c.PendingSweepAge,

		"PENDING_SWEEP_MAX_AGE": c.PendingSweepMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0, got %s", key, d)
		}
	}
	if c.PendingSweepMaxAge <= c.PendingSweepAge {
		return fmt.Errorf("PENDING_SWEEP_MAX_AGE (%s) must be greater than PENDING_SWEEP_AGE (%s)", c.PendingSweepMaxAge, c.PendingSweepAge)
	}
	switch c.LedgerBackend {
	case LedgerBackendSQLite, LedgerBackendRedis:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", LedgerBackendSQLite, LedgerBackendRedis, c.LedgerBackend)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("STUDIOCP_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("STUDIOCP_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("STUDIOCP_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s", "1h30m").
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
