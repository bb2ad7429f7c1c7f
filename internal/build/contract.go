package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/animus-labs/warden/internal/probe"
	"github.com/animus-labs/warden/internal/steward"
)

const (
	ContractSchemaV1 = "warden.image.v1"
	// ContractPath is where the image contract lives inside a runtime root.
	ContractPath = "etc/warden/image.json"
)

// Contract tells the runtime side how to run the image: port, identity,
// working directory, command and health check.
type Contract struct {
	Schema            string           `json:"schema"`
	BuildID           string           `json:"build_id"`
	Port              int              `json:"port"`
	Identity          steward.Identity `json:"identity"`
	WorkingDir        string           `json:"working_dir"`
	Command           []string         `json:"command,omitempty"`
	NotifyReady       bool             `json:"notify_ready,omitempty"`
	HealthCheck       HealthCheck      `json:"healthcheck"`
	ManifestDigest    string           `json:"manifest_digest"`
	RuntimeRootDigest string           `json:"runtime_root_digest"`
}

type HealthCheck struct {
	Path        string   `json:"path"`
	Interval    Duration `json:"interval"`
	Timeout     Duration `json:"timeout"`
	StartPeriod Duration `json:"start_period"`
	Retries     int      `json:"retries"`
}

// Duration encodes as a Go duration string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (c Contract) Validate() error {
	if c.Schema != ContractSchemaV1 {
		return fmt.Errorf("contract schema must be %q", ContractSchemaV1)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("contract port must be 1-65535")
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("contract identity: %w", err)
	}
	if !filepath.IsAbs(c.WorkingDir) {
		return errors.New("contract working_dir must be absolute")
	}
	return c.ProbeConfig("127.0.0.1").Validate()
}

func (c Contract) ProbeConfig(host string) probe.Config {
	return probe.Config{
		URL:         fmt.Sprintf("http://%s:%d%s", host, c.Port, c.HealthCheck.Path),
		Interval:    time.Duration(c.HealthCheck.Interval),
		Timeout:     time.Duration(c.HealthCheck.Timeout),
		StartPeriod: time.Duration(c.HealthCheck.StartPeriod),
		Retries:     c.HealthCheck.Retries,
	}
}

func NewContract(cfg Config, buildID, manifestDigest, runtimeDigest string) Contract {
	return Contract{
		Schema:      ContractSchemaV1,
		BuildID:     buildID,
		Port:        cfg.Service.Port,
		Identity:    cfg.Identity,
		WorkingDir:  cfg.WorkingDir(),
		Command:     cfg.Service.Command,
		NotifyReady: cfg.Service.NotifyReady,
		HealthCheck: HealthCheck{
			Path:        cfg.HealthCheck.Path,
			Interval:    Duration(cfg.HealthCheck.Interval),
			Timeout:     Duration(cfg.HealthCheck.Timeout),
			StartPeriod: Duration(cfg.HealthCheck.StartPeriod),
			Retries:     cfg.HealthCheck.Retries,
		},
		ManifestDigest:    manifestDigest,
		RuntimeRootDigest: runtimeDigest,
	}
}

func WriteContract(runtimeRoot string, c Contract) error {
	p := filepath.Join(runtimeRoot, filepath.FromSlash(ContractPath))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	if err := os.WriteFile(p, append(raw, '\n'), 0o644); err != nil {
		return err
	}
	return os.Chmod(p, 0o644)
}

// ReadContract loads a contract from a file path or from a runtime root.
func ReadContract(p string) (Contract, error) {
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		p = filepath.Join(p, filepath.FromSlash(ContractPath))
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return Contract{}, fmt.Errorf("read contract: %w", err)
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return Contract{}, fmt.Errorf("decode contract: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Contract{}, err
	}
	return c, nil
}
