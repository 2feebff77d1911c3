// Package config loads the service configuration from the environment once
// at startup. Provider credentials are parsed here but checked by each
// adapter constructor, so a missing key disables one provider instead of
// the whole service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/adapter/chapa"
	"github.com/yourorg/storefront-payments/internal/adapter/santimpay"
	"github.com/yourorg/storefront-payments/internal/adapter/telebirr"
)

// Config is the full service configuration.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"storefront-payments"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"`

	// PublicBaseURL is where providers reach our webhook receivers.
	PublicBaseURL    string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	PaymentReturnURL string `env:"PAYMENT_RETURN_URL"`

	// PostgresDSN selects the PostgreSQL store; empty means in-memory.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// KafkaBrokers enables status events; empty means events are dropped.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"payments.status"`

	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	VerifyMaxAttempts    int           `env:"VERIFY_MAX_ATTEMPTS" envDefault:"3"`
	VerifyInitialBackoff time.Duration `env:"VERIFY_INITIAL_BACKOFF" envDefault:"200ms"`

	CBFailureThreshold int           `env:"CB_FAILURE_THRESHOLD" envDefault:"3"`
	CBOpenTimeout      time.Duration `env:"CB_OPEN_TIMEOUT" envDefault:"30s"`

	ReportStaleAfter time.Duration `env:"REPORT_STALE_AFTER" envDefault:"30m"`

	TracingEnabled  bool          `env:"TRACING_ENABLED" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Chapa     chapa.Config     `envPrefix:"CHAPA_"`
	Telebirr  telebirr.Config  `envPrefix:"TELEBIRR_"`
	SantimPay santimpay.Config `envPrefix:"SANTIMPAY_"`
}

// Load reads dotenvPath (when it exists) underneath the process
// environment and parses the result. Variables already set in the process
// win over the file.
func Load(dotenvPath string) (Config, error) {
	environ := toMap(os.Environ())
	if dotenvPath != "" {
		file, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", dotenvPath, err)
		}
		for k, v := range file {
			if _, ok := environ[k]; !ok {
				environ[k] = v
			}
		}
	}
	return Parse(environ)
}

// Parse builds a Config from environ and validates it.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the server-level settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if err := absoluteURL("PUBLIC_BASE_URL", c.PublicBaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.PaymentReturnURL != "" {
		if err := absoluteURL("PAYMENT_RETURN_URL", c.PaymentReturnURL); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC must be set when KAFKA_BROKERS is"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	if c.VerifyMaxAttempts < 1 {
		errs = append(errs, errors.New("VERIFY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.VerifyInitialBackoff <= 0 {
		errs = append(errs, errors.New("VERIFY_INITIAL_BACKOFF must be positive"))
	}
	if c.CBFailureThreshold < 1 {
		errs = append(errs, errors.New("CB_FAILURE_THRESHOLD must be at least 1"))
	}
	if c.CBOpenTimeout <= 0 {
		errs = append(errs, errors.New("CB_OPEN_TIMEOUT must be positive"))
	}
	if c.ReportStaleAfter <= 0 {
		errs = append(errs, errors.New("REPORT_STALE_AFTER must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// AdapterOptions returns the settings shared by every gateway adapter.
func (c Config) AdapterOptions() adapter.Options {
	return adapter.Options{
		PublicBaseURL: c.PublicBaseURL,
		ReturnURL:     c.PaymentReturnURL,
		Timeout:       c.ProviderTimeout,
	}
}

func absoluteURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}

func toMap(kvs []string) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}
