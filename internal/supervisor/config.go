package supervisor

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/warden/internal/platform/env"
)

type Config struct {
	Addr           string
	BindRetries    int
	BindRetryDelay time.Duration
	StartupTimeout time.Duration
	GracePeriod    time.Duration
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{Addr: env.String("WARDEN_LISTEN_ADDR", ":8080")}
	var err error
	if cfg.BindRetries, err = env.Int("WARDEN_BIND_RETRIES", 0); err != nil {
		return Config{}, err
	}
	if cfg.BindRetryDelay, err = env.Duration("WARDEN_BIND_RETRY_DELAY", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StartupTimeout, err = env.Duration("WARDEN_STARTUP_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.GracePeriod, err = env.Duration("WARDEN_GRACE_PERIOD", 10*time.Second); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	_, port, err := net.SplitHostPort(strings.TrimSpace(c.Addr))
	if err != nil {
		return fmt.Errorf("listen addr: %w", err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("listen port %q is invalid", port)
	}
	if c.BindRetries < 0 {
		return errors.New("bind retries must not be negative")
	}
	if c.BindRetries > 0 && c.BindRetryDelay <= 0 {
		return errors.New("bind retry delay must be positive")
	}
	if c.StartupTimeout < 0 {
		return errors.New("startup timeout must not be negative")
	}
	if c.GracePeriod <= 0 {
		return errors.New("grace period must be positive")
	}
	return nil
}
