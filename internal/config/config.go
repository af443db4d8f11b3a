// Package config loads the server configuration. Values come from built-in
// defaults, then an optional YAML file, then the environment (which the CLI
// seeds from a .env file before loading).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"libracirc/internal/journal"
	"libracirc/internal/ledger"
)

// Config is the complete server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	LoanPeriod      time.Duration `yaml:"loan_period"`
	PenaltyUnit     time.Duration `yaml:"penalty_unit"`
	PenaltyUnitName string        `yaml:"penalty_unit_name"`
	// PenaltyRate is a decimal string so amounts never pass through float64.
	PenaltyRate     string        `yaml:"penalty_rate"`
	Currency        string        `yaml:"currency"`
	HoldWindow      time.Duration `yaml:"hold_window"`
	DefaultMaxLoans int           `yaml:"default_max_loans"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	Journal      Journal   `yaml:"journal"`
	OTLPEndpoint string    `yaml:"otlp_endpoint"`
	RateLimit    RateLimit `yaml:"rate_limit"`
}

// Journal selects the circulation journal backend. An empty driver keeps
// the journal in memory.
type Journal struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RateLimit bounds requests per second across the HTTP surface. Zero
// disables limiting.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Port:            "8080",
		LogLevel:        "info",
		LoanPeriod:      14 * 24 * time.Hour,
		PenaltyUnit:     24 * time.Hour,
		PenaltyUnitName: "day",
		PenaltyRate:     "1.00",
		HoldWindow:      7 * 24 * time.Hour,
		DefaultMaxLoans: 5,
		SweepInterval:   time.Minute,
		RateLimit:       RateLimit{RPS: 50, Burst: 100},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Port)
	str("LIBRACIRC_PORT", &c.Port)
	str("LIBRACIRC_LOG_LEVEL", &c.LogLevel)
	dur("LIBRACIRC_LOAN_PERIOD", &c.LoanPeriod)
	dur("LIBRACIRC_PENALTY_UNIT", &c.PenaltyUnit)
	str("LIBRACIRC_PENALTY_UNIT_NAME", &c.PenaltyUnitName)
	str("LIBRACIRC_PENALTY_RATE", &c.PenaltyRate)
	str("LIBRACIRC_CURRENCY", &c.Currency)
	dur("LIBRACIRC_HOLD_WINDOW", &c.HoldWindow)
	integer("LIBRACIRC_DEFAULT_MAX_LOANS", &c.DefaultMaxLoans)
	dur("LIBRACIRC_SWEEP_INTERVAL", &c.SweepInterval)
	str("LIBRACIRC_JOURNAL_DRIVER", &c.Journal.Driver)
	str("DATABASE_URL", &c.Journal.DSN)
	str("LIBRACIRC_JOURNAL_DSN", &c.Journal.DSN)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	integer("LIBRACIRC_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	if v, ok := lookup("LIBRACIRC_RATE_LIMIT_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LIBRACIRC_RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must be set"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.HoldWindow <= 0 {
		errs = append(errs, errors.New("hold window must be positive"))
	}
	if c.DefaultMaxLoans < 1 {
		errs = append(errs, errors.New("default max loans must be at least 1"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if policy, err := c.Policy(); err != nil {
		errs = append(errs, err)
	} else if err := policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Journal.Driver {
	case "":
	case journal.DriverPostgres, journal.DriverSQLite:
		if c.Journal.DSN == "" {
			errs = append(errs, fmt.Errorf("journal driver %s needs a dsn", c.Journal.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", journal.ErrUnknownDriver, c.Journal.Driver))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate limit burst must be positive when rps is set"))
	}
	return errors.Join(errs...)
}

// Policy converts the loan terms into a ledger policy.
func (c *Config) Policy() (ledger.Policy, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.PenaltyRate))
	if err != nil {
		return ledger.Policy{}, fmt.Errorf("penalty rate %q: %w", c.PenaltyRate, err)
	}
	return ledger.Policy{
		LoanPeriod:  c.LoanPeriod,
		PenaltyUnit: c.PenaltyUnit,
		PenaltyRate: rate,
		Currency:    c.Currency,
		UnitName:    c.PenaltyUnitName,
	}, nil
}

// Level parses the log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
