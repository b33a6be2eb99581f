package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key with time.ParseDuration.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides fields from SCRAPER_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"SCRAPER_BASE_URL":      &c.BaseURL,
		"SCRAPER_IMPERSONATE":   &c.Impersonate,
		"SCRAPER_DATABASE_DSN":  &c.DatabaseDSN,
		"SCRAPER_OUTPUT":        &c.OutputFile,
		"SCRAPER_OUTPUT_FORMAT": &c.OutputFormat,
		"SCRAPER_LISTEN_ADDR":   &c.ListenAddr,
		"SCRAPER_METRICS_ADDR":  &c.MetricsAddr,
	}
	for key, dst := range strs {
		if value, ok := EnvString(key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"SCRAPER_PAGES":             &c.DefaultMaxPages,
		"SCRAPER_MAX_ATTEMPTS":      &c.MaxAttempts,
		"SCRAPER_DEDUPE_CACHE_SIZE": &c.DedupeCacheSize,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"SCRAPER_TIMEOUT":     &c.Timeout,
		"SCRAPER_RETRY_DELAY": &c.RetryDelay,
		"SCRAPER_PAGE_DELAY":  &c.PageDelay,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	if value, ok, err := EnvBool("SCRAPER_PAGINATION"); err != nil {
		return err
	} else if ok {
		c.Pagination = value
	}
	return nil
}
