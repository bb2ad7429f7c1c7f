// Package build runs the image build: resolve and install into a build root,
// promote allow-listed artifacts into a runtime root, create the runtime
// identity and write the image contract.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/warden/internal/fstree"
	"github.com/animus-labs/warden/internal/manifest"
	"github.com/animus-labs/warden/internal/promoter"
	"github.com/animus-labs/warden/internal/resolver"
	"github.com/animus-labs/warden/internal/steward"
)

// Recorder persists build reports.
type Recorder interface {
	RecordBuild(ctx context.Context, r Report) error
}

// Publisher ships a finished runtime root and returns its location.
type Publisher interface {
	Publish(ctx context.Context, buildID, runtimeRoot string) (string, error)
}

type Pipeline struct {
	cfg       Config
	index     resolver.Index
	logger    *slog.Logger
	recorder  Recorder
	publisher Publisher
	stewardOp []steward.Option
	now       func() time.Time
}

type Option func(*Pipeline)

func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

func WithPublisher(pub Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

func WithStewardOptions(opts ...steward.Option) Option {
	return func(p *Pipeline) { p.stewardOp = append(p.stewardOp, opts...) }
}

func NewPipeline(cfg Config, index resolver.Index, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if index == nil {
		return nil, errors.New("package index is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{cfg: cfg, index: index, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.Publish && p.publisher == nil {
		return nil, fmt.Errorf("%w: publish requested but no object store configured", ErrInvalidConfig)
	}
	return p, nil
}

// Run executes every build step in order. Any failure is fatal: the runtime
// root is removed and a failed report is recorded and returned with the error.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	report := Report{
		ID:        uuid.NewString(),
		Identity:  p.cfg.Identity,
		Port:      p.cfg.Service.Port,
		StartedAt: p.now().UTC(),
	}
	logger := p.logger.With("build_id", report.ID)
	logger.Info("build started", "manifest", p.cfg.Manifest)

	err := p.run(ctx, logger, &report)
	report.FinishedAt = p.now().UTC()
	if err != nil {
		report.Status = StatusFailed
		report.ErrorCode = ErrorCode(err)
		report.Error = err.Error()
		for _, dir := range []string{p.cfg.RuntimeRoot, p.cfg.BuildRoot} {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logger.Error("cleanup failed", "path", dir, "error", rmErr)
			}
		}
		logger.Error("build failed", "error_code", report.ErrorCode, "error", err)
	} else {
		report.Status = StatusSucceeded
		logger.Info("build succeeded",
			"runtime_root_digest", report.RuntimeRootDigest,
			"build_root_bytes", report.BuildRootBytes,
			"runtime_root_bytes", report.RuntimeRootBytes,
		)
	}

	if p.recorder != nil {
		// A canceled build is still recorded.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if recErr := p.recorder.RecordBuild(recordCtx, report); recErr != nil {
			logger.Error("record build", "error", recErr)
			if err == nil {
				err = fmt.Errorf("record build: %w", recErr)
				report.Status = StatusFailed
				report.ErrorCode = "ledger_unavailable"
				report.Error = err.Error()
			}
		}
	}
	return report, err
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, report *Report) error {
	m, err := manifest.Load(p.cfg.Manifest)
	if err != nil {
		return err
	}
	report.ManifestDigest = m.Digest()

	for _, dir := range []string{p.cfg.BuildRoot, p.cfg.RuntimeRoot} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("reset %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(p.cfg.BuildRoot, 0o755); err != nil {
		return fmt.Errorf("create build root: %w", err)
	}

	res, err := resolver.New(p.index, logger)
	if err != nil {
		return err
	}
	resolution, err := res.Resolve(ctx, m)
	if err != nil {
		return err
	}
	installed, err := res.Install(ctx, resolution, p.cfg.BuildRoot)
	if err != nil {
		return err
	}
	report.Packages = installed.Packages
	if report.BuildRootDigest, err = fstree.Digest(p.cfg.BuildRoot); err != nil {
		return fmt.Errorf("digest build root: %w", err)
	}

	prom, err := promoter.New(p.cfg.PromoterConfig(), logger)
	if err != nil {
		return err
	}
	promoted, err := prom.Promote(ctx, p.cfg.BuildRoot, p.cfg.RuntimeRoot)
	if err != nil {
		return err
	}
	report.BuildRootBytes = promoted.BuildBytes
	report.RuntimeRootBytes = promoted.RuntimeBytes
	if err := prom.Discard(p.cfg.BuildRoot); err != nil {
		return err
	}

	stewardOpts := append([]steward.Option{steward.WithHome(p.cfg.WorkingDir())}, p.stewardOp...)
	st, err := steward.New(p.cfg.Identity, logger, stewardOpts...)
	if err != nil {
		return err
	}
	if _, err := st.EnsureIdentity(p.cfg.RuntimeRoot); err != nil {
		return err
	}
	appDir, err := fstree.Within(p.cfg.RuntimeRoot, p.cfg.AppDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return fmt.Errorf("create app dir: %w", err)
	}
	if report.RuntimeRootDigest, err = fstree.Digest(p.cfg.RuntimeRoot); err != nil {
		return fmt.Errorf("digest runtime root: %w", err)
	}

	contract := NewContract(p.cfg, report.ID, report.ManifestDigest, report.RuntimeRootDigest)
	if err := WriteContract(p.cfg.RuntimeRoot, contract); err != nil {
		return fmt.Errorf("write contract: %w", err)
	}
	if err := fstree.PinTimes(p.cfg.RuntimeRoot); err != nil {
		return fmt.Errorf("pin times: %w", err)
	}
	if err := st.AssignOwnership(ctx, appDir); err != nil {
		return err
	}

	if p.cfg.Publish {
		location, err := p.publisher.Publish(ctx, report.ID, p.cfg.RuntimeRoot)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		report.Artifact = location
	}
	return nil
}
