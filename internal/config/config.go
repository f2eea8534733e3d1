package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ksred/supply-api/internal/money"
)

const (
	defaultAddress        = ":8080"
	defaultDatabasePath   = "supply.db"
	defaultJWTSecret      = "supply-secret-key"
	defaultLogLevel       = "info"
	defaultServiceFeeRate = "0.003"
	defaultPaymentBaseURL = "http://localhost:8080/pay"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Address      string
	DatabasePath string
	JWTSecret    string
	LogLevel     string
	Env          string

	ServiceFeeRate    money.Amount
	CancelWindow      time.Duration
	PaymentRequired   bool
	MarkupEnabled     bool
	AutoCompleteAfter time.Duration
	AutoCompleteEvery time.Duration

	WebhookMaxRetries     int
	WebhookBaseInterval   time.Duration
	WebhookAttemptTimeout time.Duration
	WebhookLeaseTimeout   time.Duration
	WebhookWorkers        int
	WebhookPollInterval   time.Duration

	PaymentBaseURL string
	PaymentExpiry  time.Duration
}

// Production reports whether the service runs with ENV=production
func (c *Config) Production() bool {
	return c.Env == "production"
}

var (
	once      sync.Once
	singleton *Config
	loadErr   error
)

// New returns the process configuration. It parses the command line and the
// environment only once.
func New() (*Config, error) {
	once.Do(func() {
		singleton, loadErr = Load(os.Args[1:], os.Getenv)
	})
	return singleton, loadErr
}

// Load builds a Config from args, then lets non-empty environment variables
// override the flags
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Config{}
	var feeRate string

	fs := flag.NewFlagSet("supply-api", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "a", defaultAddress, "HTTP listen address")
	fs.StringVar(&cfg.DatabasePath, "d", defaultDatabasePath, "sqlite database path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", defaultJWTSecret, "JWT signing secret")
	fs.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
	fs.StringVar(&cfg.Env, "env", "development", "environment name")

	fs.StringVar(&feeRate, "service-fee-rate", defaultServiceFeeRate, "service fee rate applied to goods amount")
	fs.DurationVar(&cfg.CancelWindow, "cancel-window", 30*time.Minute, "direct cancellation window after creation")
	fs.BoolVar(&cfg.PaymentRequired, "payment-required", true, "new orders start in pending_payment")
	fs.BoolVar(&cfg.MarkupEnabled, "markup-enabled", true, "apply markup rules when pricing")
	fs.DurationVar(&cfg.AutoCompleteAfter, "auto-complete-after", 7*24*time.Hour, "complete delivering orders after this long")
	fs.DurationVar(&cfg.AutoCompleteEvery, "auto-complete-every", 10*time.Minute, "auto completion scan interval")

	fs.IntVar(&cfg.WebhookMaxRetries, "webhook-max-retries", 5, "delivery attempts before a record fails")
	fs.DurationVar(&cfg.WebhookBaseInterval, "webhook-base-interval", time.Minute, "linear backoff step")
	fs.DurationVar(&cfg.WebhookAttemptTimeout, "webhook-attempt-timeout", 5*time.Second, "per attempt HTTP timeout")
	fs.DurationVar(&cfg.WebhookLeaseTimeout, "webhook-lease-timeout", time.Minute, "claim age after which a record can be reclaimed")
	fs.IntVar(&cfg.WebhookWorkers, "webhook-workers", 4, "delivery worker count")
	fs.DurationVar(&cfg.WebhookPollInterval, "webhook-poll-interval", 5*time.Second, "due delivery scan interval")

	fs.StringVar(&cfg.PaymentBaseURL, "payment-base-url", defaultPaymentBaseURL, "mock gateway base URL")
	fs.DurationVar(&cfg.PaymentExpiry, "payment-expiry", 15*time.Minute, "payment QR validity")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// if environment variable is set, then using it
	env := envReader{getenv: getenv}
	env.str("ADDRESS", &cfg.Address)
	env.str("DATABASE_PATH", &cfg.DatabasePath)
	env.str("JWT_SECRET", &cfg.JWTSecret)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("ENV", &cfg.Env)
	env.str("SERVICE_FEE_RATE", &feeRate)
	env.duration("CANCEL_WINDOW", &cfg.CancelWindow)
	env.boolean("PAYMENT_REQUIRED", &cfg.PaymentRequired)
	env.boolean("MARKUP_ENABLED", &cfg.MarkupEnabled)
	env.duration("AUTO_COMPLETE_AFTER", &cfg.AutoCompleteAfter)
	env.integer("WEBHOOK_MAX_RETRIES", &cfg.WebhookMaxRetries)
	env.duration("WEBHOOK_BASE_INTERVAL", &cfg.WebhookBaseInterval)
	env.duration("WEBHOOK_ATTEMPT_TIMEOUT", &cfg.WebhookAttemptTimeout)
	env.duration("WEBHOOK_LEASE_TIMEOUT", &cfg.WebhookLeaseTimeout)
	env.integer("WEBHOOK_WORKERS", &cfg.WebhookWorkers)
	env.duration("WEBHOOK_POLL_INTERVAL", &cfg.WebhookPollInterval)
	env.str("PAYMENT_BASE_URL", &cfg.PaymentBaseURL)
	env.duration("PAYMENT_EXPIRY", &cfg.PaymentExpiry)
	if env.err != nil {
		return nil, env.err
	}
	if getenv("DEBUG") == "true" {
		cfg.LogLevel = "debug"
	}

	rate, err := money.Parse(feeRate)
	if err != nil {
		return nil, fmt.Errorf("%w: SERVICE_FEE_RATE %q", ErrInvalidConfig, feeRate)
	}
	cfg.ServiceFeeRate = rate

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.ServiceFeeRate.IsNegative():
		return fmt.Errorf("%w: service fee rate must not be negative", ErrInvalidConfig)
	case c.CancelWindow < 0:
		return fmt.Errorf("%w: cancel window must not be negative", ErrInvalidConfig)
	case c.AutoCompleteAfter <= 0 || c.AutoCompleteEvery <= 0:
		return fmt.Errorf("%w: auto completion durations must be positive", ErrInvalidConfig)
	case c.WebhookMaxRetries <= 0:
		return fmt.Errorf("%w: webhook max retries must be positive", ErrInvalidConfig)
	case c.WebhookBaseInterval <= 0, c.WebhookAttemptTimeout <= 0, c.WebhookLeaseTimeout <= 0, c.WebhookPollInterval <= 0:
		return fmt.Errorf("%w: webhook intervals and timeouts must be positive", ErrInvalidConfig)
	case c.WebhookLeaseTimeout <= c.WebhookAttemptTimeout:
		return fmt.Errorf("%w: webhook lease must outlast an attempt", ErrInvalidConfig)
	case c.WebhookWorkers <= 0:
		return fmt.Errorf("%w: webhook workers must be positive", ErrInvalidConfig)
	case c.PaymentExpiry <= 0:
		return fmt.Errorf("%w: payment expiry must be positive", ErrInvalidConfig)
	}
	return nil
}

// envReader applies environment overrides and keeps the first parse error
type envReader struct {
	getenv func(string) string
	err    error
}

func (r *envReader) str(key string, dst *string) {
	if v := r.getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v := r.getenv(key)
	if v == "" || r.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
		return
	}
	*dst = d
}

func (r *envReader) integer(key string, dst *int) {
	v := r.getenv(key)
	if v == "" || r.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
		return
	}
	*dst = n
}

func (r *envReader) boolean(key string, dst *bool) {
	v := r.getenv(key)
	if v == "" || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
		return
	}
	*dst = b
}
