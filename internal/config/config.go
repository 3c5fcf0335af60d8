package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"

	"github.com/Rhymond/go-money"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is given.
const DefaultPath = "config.json"

// Config holds all application configuration.
// Values come from a JSON file; environment variables take precedence.
type Config struct {
	// Ghostfolio
	GhostfolioBaseURL   string
	GhostfolioPassword  string
	TriggerFearAndGreed bool
	RefetchForFreshness bool
	FreshnessWait       time.Duration

	// Actual Budget (via actual-http-api)
	ActualBaseURL            string
	ActualPassword           string // API key
	ActualBudgetID           string
	ActualEncryptionPassword string

	// Ghostfolio account name -> Actual account name, in file order
	AccountMapping domain.AccountMappings

	Currency string
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration
	RunTimeout  time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint   string
	PushgatewayURL string
}

// fileConfig mirrors the JSON file layout.
type fileConfig struct {
	GhostfolioBaseURL        string                 `json:"ghostfolio_base_url"`
	GhostfolioPassword       string                 `json:"ghostfolio_password"`
	GhostfolioAccessToken    string                 `json:"ghostfolio_access_token"`
	ActualBaseURL            string                 `json:"actual_base_url"`
	ActualPassword           string                 `json:"actual_password"`
	ActualBudgetID           string                 `json:"actual_budget_id"`
	ActualEncryptionPassword string                 `json:"actual_encryption_password"`
	AccountMapping           domain.AccountMappings `json:"account_mapping"`
	PlatformAccountMapping   domain.AccountMappings `json:"platform_account_mapping"`
	TriggerFearAndGreed      *bool                  `json:"trigger_fear_and_greed"`
	RefetchForFreshness      *bool                  `json:"refetch_for_freshness"`
	FreshnessWait            Duration               `json:"freshness_wait"`
	Currency                 string                 `json:"currency"`
	LogLevel                 string                 `json:"log_level"`
	HTTPTimeout              Duration               `json:"http_timeout"`
	RunTimeout               Duration               `json:"run_timeout"`
	MaxRetries               *int                   `json:"max_retries"`
	InitialBackoff           Duration               `json:"initial_backoff"`
	MaxConcurrency           *int                   `json:"max_concurrency"`
	OTLPEndpoint             string                 `json:"otlp_endpoint"`
	PushgatewayURL           string                 `json:"pushgateway_url"`
}

// Duration decodes "30s" style strings or integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Load reads the JSON file at path and applies environment overrides.
// A missing file is fine when the environment supplies everything.
func Load(path string) (*Config, error) {
	var fc fileConfig
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	mapping := fc.AccountMapping
	if len(mapping) == 0 {
		mapping = fc.PlatformAccountMapping
	}

	return &Config{
		GhostfolioBaseURL:   strings.TrimRight(getEnv("GHOSTFOLIO_BASE_URL", fc.GhostfolioBaseURL), "/"),
		GhostfolioPassword:  getEnv("GHOSTFOLIO_PASSWORD", firstNonEmpty(fc.GhostfolioPassword, fc.GhostfolioAccessToken)),
		TriggerFearAndGreed: getEnvBool("TRIGGER_FEAR_AND_GREED", deref(fc.TriggerFearAndGreed, false)),
		RefetchForFreshness: getEnvBool("REFETCH_FOR_FRESHNESS", deref(fc.RefetchForFreshness, true)),
		FreshnessWait:       getEnvDuration("FRESHNESS_WAIT", orDuration(fc.FreshnessWait, 3*time.Second)),

		ActualBaseURL:            strings.TrimRight(getEnv("ACTUAL_BASE_URL", fc.ActualBaseURL), "/"),
		ActualPassword:           getEnv("ACTUAL_PASSWORD", fc.ActualPassword),
		ActualBudgetID:           getEnv("ACTUAL_BUDGET_ID", fc.ActualBudgetID),
		ActualEncryptionPassword: getEnv("ACTUAL_ENCRYPTION_PASSWORD", fc.ActualEncryptionPassword),

		AccountMapping: mapping,

		Currency: strings.ToUpper(getEnv("CURRENCY", firstNonEmpty(fc.Currency, "GBP"))),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", firstNonEmpty(fc.LogLevel, "info"))),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", orDuration(fc.HTTPTimeout, 30*time.Second)),
		RunTimeout:  getEnvDuration("RUN_TIMEOUT", orDuration(fc.RunTimeout, 5*time.Minute)),

		MaxRetries:     getEnvInt("MAX_RETRIES", deref(fc.MaxRetries, 3)),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", orDuration(fc.InitialBackoff, 200*time.Millisecond)),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", deref(fc.MaxConcurrency, 1)),

		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", fc.OTLPEndpoint),
		PushgatewayURL: getEnv("PUSHGATEWAY_URL", fc.PushgatewayURL),
	}, nil
}

// Validate checks that every required field is present.
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"ghostfolio_base_url", c.GhostfolioBaseURL},
		{"ghostfolio_password", c.GhostfolioPassword},
		{"actual_base_url", c.ActualBaseURL},
		{"actual_password", c.ActualPassword},
		{"actual_budget_id", c.ActualBudgetID},
	}
	for _, r := range required {
		if r.value == "" {
			return &domain.ErrValidation{Field: r.field, Message: "missing required configuration"}
		}
	}
	if len(c.AccountMapping) == 0 {
		return &domain.ErrValidation{Field: "account_mapping", Message: "at least one account mapping is required"}
	}
	for _, m := range c.AccountMapping {
		if m.SourceAccount == "" || m.LedgerAccount == "" {
			return &domain.ErrValidation{Field: "account_mapping", Message: fmt.Sprintf("empty account name in mapping %q -> %q", m.SourceAccount, m.LedgerAccount)}
		}
	}
	if c.MaxConcurrency < 1 {
		return &domain.ErrValidation{Field: "max_concurrency", Message: "must be at least 1"}
	}
	if c.MaxRetries < 0 {
		return &domain.ErrValidation{Field: "max_retries", Message: "must not be negative"}
	}
	if money.GetCurrency(c.Currency) == nil {
		return &domain.ErrValidation{Field: "currency", Message: fmt.Sprintf("unknown currency code %q", c.Currency)}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func orDuration(d Duration, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}
