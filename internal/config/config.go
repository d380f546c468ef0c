package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"GapSentinel/internal/model"
)

// Config holds all application configuration. It is immutable once Load
// returns.
type Config struct {
	Symbols    []string `yaml:"symbols" default:"[\"SPY\",\"QQQ\",\"AAPL\",\"MSFT\",\"NVDA\"]" validate:"min=1,dive,required"`
	Timeframes []string `yaml:"timeframes" default:"[\"5m\",\"15m\",\"1h\"]" validate:"min=1,dive,required"`

	Scanner struct {
		Interval         time.Duration `yaml:"interval" default:"60s" validate:"gte=0"`
		Cron             string        `yaml:"cron"`
		Timezone         string        `yaml:"timezone" default:"America/New_York"`
		Workers          int           `yaml:"workers" default:"5" validate:"gte=1,lte=64"`
		Lookback         int           `yaml:"lookback" default:"100" validate:"gte=3,lte=5000"`
		MaxAttempts      int           `yaml:"max_attempts" default:"3" validate:"gte=1,lte=10"`
		InitialBackoff   time.Duration `yaml:"initial_backoff" default:"500ms" validate:"gt=0"`
		MaxBackoff       time.Duration `yaml:"max_backoff" default:"5s" validate:"gtefield=InitialBackoff"`
		AttemptTimeout   time.Duration `yaml:"attempt_timeout" default:"15s" validate:"gt=0"`
		AllowSessionGaps bool          `yaml:"allow_session_gaps" default:"true"`
	} `yaml:"scanner"`

	Cache struct {
		TTL           time.Duration `yaml:"ttl" default:"30s" validate:"gt=0"`
		Backend       string        `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
		RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
		RedisPrefix   string        `yaml:"redis_prefix" default:"gapsentinel"`
	} `yaml:"cache"`

	Detector struct {
		Threshold float64 `yaml:"threshold" default:"0.001" validate:"gte=0,lt=1"`
		Lookahead int     `yaml:"lookahead" default:"5" validate:"gte=1,lte=500"`
	} `yaml:"detector"`

	Tracker struct {
		Retention time.Duration `yaml:"retention" default:"24h" validate:"gt=0"`
		MaxPerKey int           `yaml:"max_per_key" default:"50" validate:"gte=1"`
	} `yaml:"tracker"`

	Alerts struct {
		Cooldown      time.Duration `yaml:"cooldown" default:"5m" validate:"gte=0"`
		MaxAgeCandles int           `yaml:"max_age_candles" default:"10" validate:"gte=0"`
		StrongPct     float64       `yaml:"strong_pct" default:"0.005" validate:"gt=0"`
		MediumPct     float64       `yaml:"medium_pct" default:"0.003" validate:"gt=0,ltefield=StrongPct"`
		HistorySize   int           `yaml:"history_size" default:"500" validate:"gte=1"`
		QueueSize     int           `yaml:"queue_size" default:"256" validate:"gte=1"`
		Console       bool          `yaml:"console" default:"true"`
		Sound         bool          `yaml:"sound" default:"false"`
		Telegram      bool          `yaml:"telegram" default:"false"`
	} `yaml:"alerts"`

	DataSource struct {
		Provider string `yaml:"provider" default:"yahoo" validate:"oneof=yahoo rest mock"`
		BaseURL  string `yaml:"base_url" validate:"required_if=Provider rest"`
		APIKey   string `yaml:"api_key"`
		Proxy    string `yaml:"proxy" validate:"omitempty,url"`
	} `yaml:"data_source"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
		Polling  bool   `yaml:"polling" default:"true"`
	} `yaml:"telegram"`

	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	API struct {
		Enabled bool   `yaml:"enabled" default:"false"`
		Addr    string `yaml:"addr" default:":8080" validate:"required_if=Enabled true"`
	} `yaml:"api"`

	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
}

// ConfigurationError lists every problem found while loading. It is fatal at
// startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

var (
	validate = newValidator()
	symbolRE = regexp.MustCompile(`^[A-Z0-9.\-^=]{1,12}$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Default returns a configuration populated only from default tags.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads a .env file if present, then the YAML file at path (a missing
// file is not an error), applies environment variable overrides and
// validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("parse %s: %v", path, err)}}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	cerr := &ConfigurationError{}

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				cerr.add("%s: %v", key, err)
				return
			}
			*dst = d
		}
	}

	if v := os.Getenv("GAPSENTINEL_SYMBOLS"); v != "" {
		c.Symbols = SplitList(v)
	}
	if v := os.Getenv("GAPSENTINEL_TIMEFRAMES"); v != "" {
		c.Timeframes = SplitList(v)
	}
	dur("SCAN_INTERVAL", &c.Scanner.Interval)
	str("SCAN_CRON", &c.Scanner.Cron)
	if v := os.Getenv("SCAN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			cerr.add("SCAN_WORKERS: %v", err)
		} else {
			c.Scanner.Workers = n
		}
	}
	dur("CACHE_TTL", &c.Cache.TTL)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("REDIS_ADDR", &c.Cache.RedisAddr)
	str("REDIS_PASSWORD", &c.Cache.RedisPassword)
	if v := os.Getenv("GAP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			cerr.add("GAP_THRESHOLD: %v", err)
		} else {
			c.Detector.Threshold = f
		}
	}
	dur("ALERT_COOLDOWN", &c.Alerts.Cooldown)
	str("DATA_PROVIDER", &c.DataSource.Provider)
	str("DATA_BASE_URL", &c.DataSource.BaseURL)
	str("DATA_API_KEY", &c.DataSource.APIKey)
	str("HTTPS_PROXY", &c.DataSource.Proxy)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	str("SQLITE_PATH", &c.Database.SQLitePath)
	str("API_ADDR", &c.API.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if len(cerr.Problems) > 0 {
		return cerr
	}
	return nil
}

// Validate normalizes symbols and checks every field. Problems are collected
// into a single *ConfigurationError.
func (c *Config) Validate() error {
	cerr := &ConfigurationError{}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			cerr.Problems = append(cerr.Problems, fieldMessage(fe))
		}
	}

	if syms, err := NormalizeSymbols(c.Symbols); err != nil {
		cerr.add("symbols: %v", err)
	} else {
		c.Symbols = syms
	}
	if _, err := c.ParsedTimeframes(); err != nil {
		cerr.add("timeframes: %v", err)
	}
	if c.Scanner.Interval <= 0 && c.Scanner.Cron == "" {
		cerr.add("scanner.interval must be positive when scanner.cron is empty")
	}
	if _, err := time.LoadLocation(c.Scanner.Timezone); err != nil {
		cerr.add("scanner.timezone: %v", err)
	}
	if c.Alerts.Telegram && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		cerr.add("telegram.bot_token and telegram.chat_id are required when alerts.telegram is enabled")
	}

	if len(cerr.Problems) > 0 {
		return cerr
	}
	return nil
}

// ParsedTimeframes converts the configured timeframes, dropping duplicates.
func (c *Config) ParsedTimeframes() ([]model.Timeframe, error) {
	seen := make(map[model.Timeframe]bool, len(c.Timeframes))
	out := make([]model.Timeframe, 0, len(c.Timeframes))
	for _, raw := range c.Timeframes {
		tf, err := model.ParseTimeframe(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	return out, nil
}

// Location returns the scheduling time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scanner.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NormalizeSymbols upper-cases, validates and de-duplicates symbols, keeping
// first-seen order. Symbols are 1-12 characters of A-Z, 0-9, '.', '-', '^'
// or '='.
func NormalizeSymbols(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if !symbolRE.MatchString(sym) {
			return nil, fmt.Errorf("invalid symbol %q", s)
		}
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no symbols configured")
	}
	return out, nil
}

// SplitList splits a comma or whitespace separated list.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func fieldMessage(fe validator.FieldError) string {
	// drop the root struct name
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtefield", "ltefield":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"gtefield": ">=", "ltefield": "<="}[fe.Tag()], fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
