package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	DatabaseURL      string `yaml:"databaseURL"`
	SQLitePath       string `yaml:"sqlitePath"`
	LogLevel         string `yaml:"logLevel"`
	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	EventStream      string `yaml:"eventStream"`
	AMQPURL          string `yaml:"amqpURL"`
	AMQPExchange     string `yaml:"amqpExchange"`
	LoanPeriod       string `yaml:"loanPeriod"`
	DailyFine        string `yaml:"dailyFine"`
	SweepInterval    string `yaml:"sweepInterval"`
	SweepConcurrency int    `yaml:"sweepConcurrency"`
	SweepLeaseTTL    string `yaml:"sweepLeaseTTL"`
}

// Circulation holds the parsed lending policy and sweep schedule.
type Circulation struct {
	LoanPeriod       time.Duration
	DailyFine        decimal.Decimal
	SweepInterval    time.Duration
	SweepConcurrency int
	SweepLeaseTTL    time.Duration
}

func defaults() FileConfig {
	return FileConfig{
		LogLevel:         "info",
		EventStream:      "library:loan-events",
		AMQPExchange:     "library.loans",
		LoanPeriod:       "720h",
		DailyFine:        "0.50",
		SweepInterval:    "1h",
		SweepConcurrency: 4,
		SweepLeaseTTL:    "5m",
	}
}

// Load reads config from path (defaults to config.yaml). A missing default
// file is not an error: defaults and environment variables still apply.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	explicit := path != ""
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("CIRCULATION_LOAN_PERIOD"); v != "" {
		cfg.LoanPeriod = v
	}
	if v := os.Getenv("CIRCULATION_DAILY_FINE"); v != "" {
		cfg.DailyFine = v
	}
	if v := os.Getenv("CIRCULATION_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("CIRCULATION_SWEEP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepConcurrency = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" && strings.TrimSpace(cfg.SQLitePath) == "" {
		return errors.New("config: databaseURL or sqlitePath is required (set in config.yaml, DATABASE_URL or SQLITE_PATH)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" && strings.TrimSpace(cfg.SQLitePath) != "" {
		return errors.New("config: set only one of databaseURL and sqlitePath")
	}
	if _, err := ParseCirculation(cfg); err != nil {
		return err
	}
	return nil
}

// ParseCirculation converts the textual policy and schedule settings.
func ParseCirculation(cfg FileConfig) (Circulation, error) {
	period, err := parsePositiveDuration("loanPeriod", cfg.LoanPeriod)
	if err != nil {
		return Circulation{}, err
	}
	fine, err := decimal.NewFromString(strings.TrimSpace(cfg.DailyFine))
	if err != nil {
		return Circulation{}, fmt.Errorf("config: dailyFine: %w", err)
	}
	if !fine.IsPositive() {
		return Circulation{}, errors.New("config: dailyFine must be positive")
	}
	if !fine.Equal(fine.Round(2)) {
		return Circulation{}, fmt.Errorf("config: dailyFine %s has more than two decimal places", fine)
	}
	interval, err := parsePositiveDuration("sweepInterval", cfg.SweepInterval)
	if err != nil {
		return Circulation{}, err
	}
	ttl, err := parsePositiveDuration("sweepLeaseTTL", cfg.SweepLeaseTTL)
	if err != nil {
		return Circulation{}, err
	}
	if cfg.SweepConcurrency <= 0 {
		return Circulation{}, errors.New("config: sweepConcurrency must be positive")
	}
	return Circulation{
		LoanPeriod:       period,
		DailyFine:        fine,
		SweepInterval:    interval,
		SweepConcurrency: cfg.SweepConcurrency,
		SweepLeaseTTL:    ttl,
	}, nil
}

func parsePositiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return d, nil
}
