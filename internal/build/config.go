package build

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/warden/internal/probe"
	"github.com/animus-labs/warden/internal/promoter"
	"github.com/animus-labs/warden/internal/steward"
)

const ConfigSchemaV1 = "warden.build.v1"

var ErrInvalidConfig = errors.New("invalid_build_config")

const (
	IndexKindDir = "dir"
	IndexKindS3  = "s3"
)

type Config struct {
	Schema      string            `yaml:"schema"`
	Manifest    string            `yaml:"manifest"`
	Index       IndexConfig       `yaml:"index"`
	BuildRoot   string            `yaml:"build_root"`
	RuntimeRoot string            `yaml:"runtime_root"`
	Promote     []string          `yaml:"promote"`
	Sources     []promoter.Source `yaml:"sources,omitempty"`
	AppDir      string            `yaml:"app_dir"`
	Identity    steward.Identity  `yaml:"identity"`
	Service     ServiceConfig     `yaml:"service"`
	HealthCheck HealthCheckConfig `yaml:"healthcheck"`
	Publish     bool              `yaml:"publish,omitempty"`
}

type IndexConfig struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

type ServiceConfig struct {
	Port        int      `yaml:"port"`
	Command     []string `yaml:"command,omitempty"`
	NotifyReady bool     `yaml:"notify_ready,omitempty"`
}

type HealthCheckConfig struct {
	Path        string        `yaml:"path"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	StartPeriod time.Duration `yaml:"start_period"`
	Retries     int           `yaml:"retries"`
}

// ParseConfig decodes a build configuration, fills defaults and validates it.
func ParseConfig(input []byte) (Config, error) {
	cfg := Config{
		AppDir:   "app",
		Identity: steward.DefaultIdentity(),
		Service:  ServiceConfig{Port: 8080},
		HealthCheck: HealthCheckConfig{
			Path:        "/health",
			Interval:    probe.DefaultInterval,
			Timeout:     probe.DefaultTimeout,
			StartPeriod: probe.DefaultStartPeriod,
			Retries:     probe.DefaultRetries,
		},
	}
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads path and resolves relative host paths against its directory.
func LoadConfig(p string) (Config, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return Config{}, err
	}
	base := filepath.Dir(p)
	resolve := func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(base, s)
	}
	cfg.Manifest = resolve(cfg.Manifest)
	cfg.BuildRoot = resolve(cfg.BuildRoot)
	cfg.RuntimeRoot = resolve(cfg.RuntimeRoot)
	if cfg.Index.Kind == IndexKindDir {
		cfg.Index.Path = resolve(cfg.Index.Path)
	}
	for i := range cfg.Sources {
		cfg.Sources[i].From = resolve(cfg.Sources[i].From)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Schema != ConfigSchemaV1 {
		return invalid("schema must be %q", ConfigSchemaV1)
	}
	if strings.TrimSpace(c.Manifest) == "" {
		return invalid("manifest is required")
	}
	switch c.Index.Kind {
	case IndexKindDir:
		if strings.TrimSpace(c.Index.Path) == "" {
			return invalid("index.path is required for kind %q", IndexKindDir)
		}
	case IndexKindS3:
	default:
		return invalid("index.kind unsupported: %q", c.Index.Kind)
	}
	if strings.TrimSpace(c.BuildRoot) == "" {
		return invalid("build_root is required")
	}
	if strings.TrimSpace(c.RuntimeRoot) == "" {
		return invalid("runtime_root is required")
	}
	if overlaps(c.BuildRoot, c.RuntimeRoot) {
		return invalid("build_root and runtime_root must not overlap")
	}
	for i, p := range c.Promote {
		if strings.HasPrefix(filepath.ToSlash(p), "/") {
			return invalid("promote[%d] must be relative", i)
		}
	}
	if err := c.PromoterConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	app := filepath.ToSlash(strings.TrimSpace(c.AppDir))
	if app == "" || strings.HasPrefix(app, "/") || path.Clean(app) == "." || strings.HasPrefix(path.Clean(app), "..") {
		return invalid("app_dir must be a relative directory below the runtime root")
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("%w: identity: %w", ErrInvalidConfig, err)
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return invalid("service.port must be 1-65535")
	}
	for i, arg := range c.Service.Command {
		if strings.TrimSpace(arg) == "" {
			return invalid("service.command[%d] is empty", i)
		}
	}
	if !strings.HasPrefix(c.HealthCheck.Path, "/") {
		return invalid("healthcheck.path must start with /")
	}
	if err := c.ProbeConfig("127.0.0.1").Validate(); err != nil {
		return fmt.Errorf("%w: healthcheck: %w", ErrInvalidConfig, err)
	}
	return nil
}

func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	sep := string(filepath.Separator)
	return a == b || strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}

func (c Config) PromoterConfig() promoter.Config {
	return promoter.Config{AllowList: c.Promote, Sources: c.Sources}
}

// WorkingDir is the absolute app directory inside the image.
func (c Config) WorkingDir() string {
	return "/" + path.Clean(filepath.ToSlash(c.AppDir))
}

func (c Config) ProbeConfig(host string) probe.Config {
	return probe.Config{
		URL:         fmt.Sprintf("http://%s:%d%s", host, c.Service.Port, c.HealthCheck.Path),
		Interval:    c.HealthCheck.Interval,
		Timeout:     c.HealthCheck.Timeout,
		StartPeriod: c.HealthCheck.StartPeriod,
		Retries:     c.HealthCheck.Retries,
	}
}
