package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxPagesCeiling is the hard upper bound on pages per job; MaxPagesLimit may
// only lower it.
const MaxPagesCeiling = 50

// Config holds scraper configuration.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	Impersonate string        `yaml:"impersonate"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxBodySize int           `yaml:"max_body_size"`

	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	PageDelay   time.Duration `yaml:"page_delay"`

	DefaultMaxPages int  `yaml:"default_max_pages"`
	MaxPagesLimit   int  `yaml:"max_pages_limit"`
	Pagination      bool `yaml:"pagination"`

	DedupeCacheSize  int `yaml:"dedupe_cache_size"`
	EventBuffer      int `yaml:"event_buffer"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	DatabaseDSN  string `yaml:"database_dsn"`
	OutputFile   string `yaml:"output_file"`
	OutputFormat string `yaml:"output_format"` // "", csv, json, or dual

	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultConfig returns the defaults used against the live marketplace.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.flipkart.com/",
		Impersonate:      "chrome136",
		Timeout:          30 * time.Second,
		MaxBodySize:      0,
		MaxAttempts:      3,
		RetryDelay:       2 * time.Second,
		PageDelay:        5 * time.Second,
		DefaultMaxPages:  10,
		MaxPagesLimit:    MaxPagesCeiling,
		Pagination:       true,
		DedupeCacheSize:  10000,
		EventBuffer:      1024,
		SubscriberBuffer: 256,
		DatabaseDSN:      "data/products.db",
		OutputFile:       "",
		OutputFormat:     "",
		ListenAddr:       ":8000",
		MetricsAddr:      "",
		Verbose:          false,
	}
}

// Load overlays the YAML file at path on top of DefaultConfig. Durations use
// Go syntax ("2s", "500ms").
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.Impersonate == "" {
		return fmt.Errorf("impersonation profile cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max body size cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.PageDelay < 0 {
		return fmt.Errorf("page delay cannot be negative")
	}
	if c.MaxPagesLimit <= 0 || c.MaxPagesLimit > MaxPagesCeiling {
		return fmt.Errorf("max pages limit must be between 1 and %d", MaxPagesCeiling)
	}
	if c.DefaultMaxPages <= 0 || c.DefaultMaxPages > c.MaxPagesLimit {
		return fmt.Errorf("default max pages must be between 1 and %d", c.MaxPagesLimit)
	}
	if c.DedupeCacheSize < 0 {
		return fmt.Errorf("dedupe cache size cannot be negative")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be positive")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	switch c.OutputFormat {
	case "", "csv", "json", "dual":
	default:
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.OutputFormat != "" && c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty when output format is set")
	}

	return nil
}
