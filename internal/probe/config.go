package probe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/warden/internal/platform/env"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultStartPeriod = 10 * time.Second
	DefaultRetries     = 3
	DefaultURL         = "http://127.0.0.1:8080/health"
)

type Config struct {
	URL         string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

func DefaultConfig(target string) Config {
	return Config{
		URL:         target,
		Interval:    DefaultInterval,
		Timeout:     DefaultTimeout,
		StartPeriod: DefaultStartPeriod,
		Retries:     DefaultRetries,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig(env.String("WARDEN_PROBE_URL", DefaultURL))
	var err error
	if cfg.Interval, err = env.Duration("WARDEN_PROBE_INTERVAL", cfg.Interval); err != nil {
		return Config{}, err
	}
	if cfg.Timeout, err = env.Duration("WARDEN_PROBE_TIMEOUT", cfg.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.StartPeriod, err = env.Duration("WARDEN_PROBE_START_PERIOD", cfg.StartPeriod); err != nil {
		return Config{}, err
	}
	if cfg.Retries, err = env.Int("WARDEN_PROBE_RETRIES", cfg.Retries); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("probe url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("probe url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("probe url scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("probe url host is required")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.StartPeriod < 0 {
		return errors.New("start period must not be negative")
	}
	if c.Retries < 1 {
		return errors.New("retries must be at least 1")
	}
	return nil
}
