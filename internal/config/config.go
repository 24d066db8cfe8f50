// Package config loads the worker, API and session configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/serialentry"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string `validate:"required"`
	LogFormat   string `validate:"oneof=json console text"`
	LogLevel    string `validate:"oneof=trace debug info warn error fatal panic disabled"`
	DatabaseURL string `validate:"required,url"`
	RedisURL    string `validate:"required,url"`

	QueuePrefix            string        `validate:"required"`
	QueueConcurrency       int           `validate:"gte=1,lte=256"`
	QueueVisibilityTimeout time.Duration `validate:"gt=0"`
	QueueSoftDeadline      time.Duration `validate:"gte=0,ltefield=QueueVisibilityTimeout"`
	QueueRetryBase         time.Duration `validate:"gt=0"`
	QueueRetryMax          time.Duration `validate:"gtefield=QueueRetryBase"`
	QueueRetryJitter       float64       `validate:"gte=0,lte=1"`
	QueueMaxAttempts       int           `validate:"gte=1"`
	QueueDedupTTL          time.Duration `validate:"gt=0"`
	QueueResultTimeout     time.Duration `validate:"gt=0"`

	BreakerMinRequests  int           `validate:"gte=1"`
	BreakerFailureRatio float64       `validate:"gt=0,lte=1"`
	BreakerOpenFor      time.Duration `validate:"gt=0"`

	MetricsNamespace   string  `validate:"omitempty,excludesall=-."`
	MetricsAddr        string  `validate:"omitempty,hostname_port"`
	TracingEnabled     bool    `validate:"-"`
	OTLPEndpoint       string  `validate:"omitempty,url"`
	TracingSampleRatio float64 `validate:"gte=0,lte=1"`

	ConditionCacheTTL   time.Duration `validate:"gte=0"`
	ChangesetTablesFile string        `validate:"omitempty,file"`

	API     APIConfig
	Session SessionConfig
}

// APIConfig carries the HTTP settings of the session API.
type APIConfig struct {
	Addr               string        `validate:"required,hostname_port"`
	CORSAllowedOrigins []string      `validate:"dive,required"`
	MetricsBucketsMS   []float64     `validate:"dive,gt=0"`
	BodyLimitBytes     int64         `validate:"gte=0"`
	SessionIdleTTL     time.Duration `validate:"gt=0"`
	BuildTimeout       time.Duration `validate:"gt=0"`
	IdempotencyTTL     time.Duration `validate:"gt=0"`
	EditRateWindow     time.Duration `validate:"gte=0"`
	EditRateMax        int           `validate:"gte=0"`
	StatementsFile     string        `validate:"omitempty,file"`
	CachedStatements   []string      `validate:"dive,required"`
}

// SessionConfig carries the SERIALENTRY_* switches of editing sessions.
type SessionConfig struct {
	TargetCurrency           string  `validate:"omitempty,alpha"`
	PricingItemNumber        string  `validate:"omitempty,alphanum"`
	ComputeOnEveryColumn     bool    `validate:"-"`
	AutoCorrectQuota         bool    `validate:"-"`
	DontUpdateRowPrices      bool    `validate:"-"`
	KeepPricingOnManualPrice bool    `validate:"-"`
	OverallDiscountThreshold float64 `validate:"gte=0"`
	OverallDiscount          float64 `validate:"gte=0,lt=1"`
	SyncAfterChildren        bool    `validate:"-"`
	SaveUnchanged            bool    `validate:"-"`
	// ExchangeRates are keyed "FROM>TO".
	BaseCurrency  string             `validate:"omitempty,alpha,len=3"`
	ExchangeRates map[string]float64 `validate:"dive,keys,len=7,endkeys,gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		LogFormat:   strings.ToLower(valueOrDefault(k.String("LOG_FORMAT"), "json")),
		LogLevel:    strings.ToLower(valueOrDefault(k.String("LOG_LEVEL"), "info")),
		DatabaseURL: strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(k.String("REDIS_URL")),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_PREFIX"), "serialentry"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueSoftDeadline:      parseDuration(k.String("QUEUE_SOFT_DEADLINE"), "20s"),
		QueueRetryBase:         parseDuration(k.String("QUEUE_RETRY_BASE"), "200ms"),
		QueueRetryMax:          parseDuration(k.String("QUEUE_RETRY_MAX"), "30s"),
		QueueRetryJitter:       parseFloat(k.String("QUEUE_RETRY_JITTER"), 0.2),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
		QueueDedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "24h"),
		QueueResultTimeout:     parseDuration(k.String("QUEUE_RESULT_TIMEOUT"), "2m"),

		BreakerMinRequests:  parseInt(k.String("BREAKER_MIN_REQUESTS"), 5),
		BreakerFailureRatio: parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		MetricsNamespace:   valueOrDefault(k.String("METRICS_NAMESPACE"), "serialentry"),
		MetricsAddr:        strings.TrimSpace(k.String("METRICS_ADDR")),
		TracingEnabled:     parseBool(k.String("TRACING_ENABLED")),
		OTLPEndpoint:       strings.TrimSpace(k.String("OTLP_ENDPOINT")),
		TracingSampleRatio: parseFloat(k.String("TRACING_SAMPLE_RATIO"), 1),

		ConditionCacheTTL:   parseDuration(k.String("CONDITION_CACHE_TTL"), "10m"),
		ChangesetTablesFile: strings.TrimSpace(k.String("CHANGESET_TABLES_FILE")),

		API: APIConfig{
			Addr:               valueOrDefault(k.String("API_ADDR"), ":8080"),
			CORSAllowedOrigins: parseCSV(k.String("API_CORS_ALLOWED_ORIGINS")),
			MetricsBucketsMS:   obs.ParseBucketsCSV(k.String("API_METRICS_BUCKETS_MS")),
			BodyLimitBytes:     int64(parseInt(k.String("API_BODY_LIMIT_BYTES"), 1<<20)),
			SessionIdleTTL:     parseDuration(k.String("API_SESSION_IDLE_TTL"), "30m"),
			BuildTimeout:       parseDuration(k.String("API_BUILD_TIMEOUT"), "15s"),
			IdempotencyTTL:     parseDuration(k.String("API_IDEMPOTENCY_TTL"), "10m"),
			EditRateWindow:     parseDuration(k.String("API_EDIT_RATE_WINDOW"), "1s"),
			EditRateMax:        parseInt(k.String("API_EDIT_RATE_MAX"), 50),
			StatementsFile:     strings.TrimSpace(k.String("API_STATEMENTS_FILE")),
			CachedStatements:   parseCSV(k.String("API_CACHED_STATEMENTS")),
		},

		Session: SessionConfig{
			TargetCurrency:           strings.ToUpper(strings.TrimSpace(k.String("SERIALENTRY_TARGET_CURRENCY"))),
			PricingItemNumber:        strings.TrimSpace(k.String("SERIALENTRY_PRICING_ITEM_NUMBER")),
			ComputeOnEveryColumn:     parseBool(k.String("SERIALENTRY_COMPUTE_ON_EVERY_COLUMN")),
			AutoCorrectQuota:         parseBool(k.String("SERIALENTRY_AUTO_CORRECT_QUOTA")),
			DontUpdateRowPrices:      parseBool(k.String("SERIALENTRY_DONT_UPDATE_ROW_PRICES")),
			KeepPricingOnManualPrice: parseBool(k.String("SERIALENTRY_KEEP_PRICING_ON_MANUAL_PRICE")),
			OverallDiscountThreshold: parseFloat(k.String("SERIALENTRY_OVERALL_DISCOUNT_THRESHOLD"), 0),
			OverallDiscount:          parseFloat(k.String("SERIALENTRY_OVERALL_DISCOUNT"), 0),
			SyncAfterChildren:        parseBool(k.String("SERIALENTRY_SYNC_AFTER_CHILDREN")),
			SaveUnchanged:            parseBool(k.String("SERIALENTRY_SAVE_UNCHANGED")),
			BaseCurrency:             strings.ToUpper(strings.TrimSpace(k.String("SERIALENTRY_BASE_CURRENCY"))),
			ExchangeRates:            parseRates(k.String("SERIALENTRY_EXCHANGE_RATES")),
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", describe(err))
	}
	return cfg, nil
}

// describe flattens validator errors into one error per offending key.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s fails %q", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(errs...)
}

// SessionOptions projects the session switches into engine options.
func (c *Config) SessionOptions() serialentry.Options {
	s := c.Session
	return serialentry.Options{
		TargetCurrency:           s.TargetCurrency,
		PricingItemNumber:        function.Name(s.PricingItemNumber),
		ComputeOnEveryColumn:     s.ComputeOnEveryColumn,
		AutoCorrectQuota:         s.AutoCorrectQuota,
		DontUpdateRowPrices:      s.DontUpdateRowPrices,
		KeepPricingOnManualPrice: s.KeepPricingOnManualPrice,
		OverallDiscount: pricing.OverallDiscount{
			Threshold: s.OverallDiscountThreshold,
			Discount:  s.OverallDiscount,
		},
		SyncAfterChildren: s.SyncAfterChildren,
		SaveUnchanged:     s.SaveUnchanged,
	}
}

// Converter returns the configured exchange rates, nil when none are set.
func (c *Config) Converter() pricing.Converter {
	if len(c.Session.ExchangeRates) == 0 {
		return nil
	}
	return pricing.RateTable{Base: c.Session.BaseCurrency, Rates: c.Session.ExchangeRates}
}

// Tracing returns the tracer provider settings.
func (c *Config) Tracing(serviceName string) obs.TracingConfig {
	exporter := "none"
	if c.TracingEnabled {
		exporter = "otlp"
	}
	return obs.TracingConfig{
		ServiceName:   serviceName,
		Endpoint:      c.OTLPEndpoint,
		Exporter:      exporter,
		SamplingRatio: c.TracingSampleRatio,
		Environment:   c.AppEnv,
	}
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseRates reads "EUR>USD=1.08,GBP>USD=1.27". Malformed pairs are kept
// with a zero rate so validation reports them.
func parseRates(value string) map[string]float64 {
	pairs := parseCSV(value)
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		key, raw, _ := strings.Cut(pair, "=")
		out[strings.ToUpper(strings.TrimSpace(key))] = parseFloat(raw, 0)
	}
	return out
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests overrides environment variables for the duration of one Load.
// An empty value unsets the variable.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []error
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %w", errors.Join(errs...))
	}
	return nil
}
