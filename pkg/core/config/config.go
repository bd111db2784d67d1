// Package config loads pipeline configuration with priority: defaults -> file -> environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"filing_valuation/pkg/core/httpx"
	"filing_valuation/pkg/core/ingest"
	"filing_valuation/pkg/core/kpi"
	"filing_valuation/pkg/core/market"
	"filing_valuation/pkg/core/pipeline"
	"filing_valuation/pkg/models"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

// Config is the full pipeline configuration.
type Config struct {
	Offline    bool             `toml:"offline" yaml:"offline"` // serve from caches only, never touch the network
	Edgar      EdgarConfig      `toml:"edgar" yaml:"edgar"`
	Market     MarketConfig     `toml:"market" yaml:"market"`
	Cache      CacheConfig      `toml:"cache" yaml:"cache"`
	Extraction ExtractionConfig `toml:"extraction" yaml:"extraction"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
	Pipeline   PipelineConfig   `toml:"pipeline" yaml:"pipeline"`
}

type EdgarConfig struct {
	UserAgent         string  `toml:"user_agent" yaml:"user_agent" validate:"required"` // SEC requires a contact in the User-Agent
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second" validate:"gt=0,lte=10"`
	Timeout           string  `toml:"timeout" yaml:"timeout" validate:"required"` // e.g. "30s", per network call
	MaxAttempts       int     `toml:"max_attempts" yaml:"max_attempts" validate:"min=1,max=10"`
	IncludeAmendments bool    `toml:"include_amendments" yaml:"include_amendments"`
	SubmissionsURL    string  `toml:"submissions_url" yaml:"submissions_url" validate:"omitempty,url"`
	ArchivesURL       string  `toml:"archives_url" yaml:"archives_url" validate:"omitempty,url"`
	TickersURL        string  `toml:"tickers_url" yaml:"tickers_url" validate:"omitempty,url"`
}

type MarketConfig struct {
	Provider          string  `toml:"provider" yaml:"provider" validate:"oneof=eodhd"`
	APIKey            string  `toml:"api_key" yaml:"api_key"`
	BaseURL           string  `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second" validate:"gt=0"`
	LookbackDays      int     `toml:"lookback_days" yaml:"lookback_days" validate:"min=1,max=60"`
}

type CacheConfig struct {
	Dir      string `toml:"dir" yaml:"dir" validate:"required"` // filing cache root
	PriceDir string `toml:"price_dir" yaml:"price_dir"`         // badger price store, default <dir>/prices
}

type ExtractionConfig struct {
	SynonymsFile string   `toml:"synonyms_file" yaml:"synonyms_file"` // .yaml or .hjson, merged over the built-in table
	TieBreak     []string `toml:"tie_break" yaml:"tie_break" validate:"dive,oneof=specificity magnitude document_order declared_period section"`
	Targets      []string `toml:"targets" yaml:"targets"` // metrics whose absence is a failure; empty keeps the default set
}

type StoreConfig struct {
	DatabaseURL string `toml:"database_url" yaml:"database_url"` // empty disables persistence
}

type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	TimeFormat string `toml:"time_format" yaml:"time_format"`
	File       string `toml:"file" yaml:"file"` // optional log file, in addition to the console
}

type PipelineConfig struct {
	Forms       []string `toml:"forms" yaml:"forms" validate:"min=1,dive,required"` // preference order for the latest filing
	Concurrency int      `toml:"concurrency" yaml:"concurrency" validate:"min=1,max=32"`
}

// NewDefaultConfig returns the configuration used when no file is given.
func NewDefaultConfig() *Config {
	return &Config{
		Edgar: EdgarConfig{
			UserAgent:         ingest.DefaultUserAgent,
			RequestsPerSecond: ingest.SECRequestsPerSecond,
			Timeout:           httpx.DefaultTimeout.String(),
			MaxAttempts:       httpx.DefaultRetryPolicy.MaxAttempts,
		},
		Market: MarketConfig{
			Provider:          "eodhd",
			BaseURL:           market.DefaultBaseURL,
			RequestsPerSecond: market.DefaultRateLimit,
			LookbackDays:      int(market.DefaultLookback / (24 * time.Hour)),
		},
		Cache: CacheConfig{
			Dir: filepath.Join(".", "data", "filings"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
		Pipeline: PipelineConfig{
			Forms:       append([]string(nil), pipeline.DefaultFormPreference...),
			Concurrency: pipeline.DefaultConcurrency,
		},
	}
}

// LoadEnv loads .env files into the process environment. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration file at path (TOML, or YAML for .yaml/.yml),
// applies environment overrides and validates the result. An empty path
// yields defaults plus environment.
func Load(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, filepath.Ext(path), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(data []byte, ext string, config *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.UnmarshalStrict(data, config)
	case ".toml", "":
		return toml.Unmarshal(data, config)
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if ua := os.Getenv("SEC_USER_AGENT"); ua != "" {
		config.Edgar.UserAgent = ua
	}
	if key := os.Getenv("EODHD_API_KEY"); key != "" {
		config.Market.APIKey = key
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.Store.DatabaseURL = url
	}
	if dir := os.Getenv("CACHE_DIR"); dir != "" {
		config.Cache.Dir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if offline := os.Getenv("OFFLINE"); offline != "" {
		if b, err := strconv.ParseBool(offline); err == nil {
			config.Offline = b
		}
	}
}

// Validate checks field constraints and the values that need the domain
// packages to interpret (durations, metric names).
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.ParseDuration(c.Edgar.Timeout); err != nil {
		return fmt.Errorf("invalid config: edgar.timeout: %w", err)
	}
	if _, err := c.TargetMetrics(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Timeout is the per-call network timeout.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.Edgar.Timeout)
	if err != nil {
		return httpx.DefaultTimeout
	}
	return d
}

// RetryPolicy is the default backoff bounded by the configured attempt count.
func (c *Config) RetryPolicy() httpx.RetryPolicy {
	p := httpx.DefaultRetryPolicy
	p.MaxAttempts = c.Edgar.MaxAttempts
	return p
}

// Lookback is the price search window behind the filing date.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.Market.LookbackDays) * 24 * time.Hour
}

// PriceDir is the badger store directory.
func (c *Config) PriceDir() string {
	if c.Cache.PriceDir != "" {
		return c.Cache.PriceDir
	}
	return filepath.Join(c.Cache.Dir, "prices")
}

// TieBreakPolicy builds the configured tie-break policy.
func (c *Config) TieBreakPolicy() (kpi.Policy, error) {
	return kpi.PolicyFromNames(c.Extraction.TieBreak)
}

// TargetMetrics resolves configured metric names; nil keeps the engine default.
func (c *Config) TargetMetrics() ([]models.Metric, error) {
	if len(c.Extraction.Targets) == 0 {
		return nil, nil
	}
	metrics := make([]models.Metric, 0, len(c.Extraction.Targets))
	for _, name := range c.Extraction.Targets {
		m := models.Metric(strings.TrimSpace(name))
		if !models.IsKnownMetric(m) {
			return nil, fmt.Errorf("unknown target metric %q", name)
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}
