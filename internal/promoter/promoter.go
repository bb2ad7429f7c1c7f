// Package promoter copies allow-listed artifacts from a build root into a
// fresh runtime root and discards everything else.
package promoter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/animus-labs/warden/internal/fstree"
)

var (
	ErrMissingArtifact   = errors.New("missing_artifact")
	ErrBuildOnlyPath     = errors.New("build_only_path")
	ErrRuntimeNotSmaller = errors.New("runtime_not_smaller")
)

// Source is application material copied from the host into the runtime root.
type Source struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

type Config struct {
	AllowList []string
	Sources   []Source
}

func (c Config) Validate() error {
	if len(c.AllowList) == 0 {
		return errors.New("allow list is required")
	}
	seen := make([]string, 0, len(c.AllowList)+len(c.Sources))
	for i, raw := range c.AllowList {
		rel, err := cleanRel(raw)
		if err != nil {
			return fmt.Errorf("promote[%d] %w", i, err)
		}
		reason := buildOnlyReason(rel, true)
		if reason == "" {
			reason = buildOnlyReason(rel, false)
		}
		if reason != "" {
			return fmt.Errorf("%w: promote[%d] %s is %s", ErrBuildOnlyPath, i, rel, reason)
		}
		if other := overlapping(seen, rel); other != "" {
			return fmt.Errorf("promote[%d] %s overlaps %s", i, rel, other)
		}
		seen = append(seen, rel)
	}
	for i, src := range c.Sources {
		if strings.TrimSpace(src.From) == "" {
			return fmt.Errorf("sources[%d].from is required", i)
		}
		rel, err := cleanRel(src.To)
		if err != nil {
			return fmt.Errorf("sources[%d].to %w", i, err)
		}
		if other := overlapping(seen, rel); other != "" {
			return fmt.Errorf("sources[%d].to %s overlaps %s", i, rel, other)
		}
		seen = append(seen, rel)
	}
	return nil
}

func cleanRel(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("must not be empty")
	}
	slashed := filepath.ToSlash(raw)
	if strings.HasPrefix(slashed, "/") {
		return "", errors.New("must be relative")
	}
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", errors.New("must not contain ..")
		}
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", errors.New("must not name the root")
	}
	return clean, nil
}

func overlapping(existing []string, rel string) string {
	for _, other := range existing {
		if other == rel || strings.HasPrefix(rel, other+"/") || strings.HasPrefix(other, rel+"/") {
			return other
		}
	}
	return ""
}

type Result struct {
	Artifacts    int
	BuildBytes   int64
	RuntimeBytes int64
}

type Promoter struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Promoter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Promoter{cfg: cfg, logger: logger}, nil
}

// Promote populates runtimeRoot, which must not exist yet. On any error the
// runtime root is removed so no partial image remains.
func (p *Promoter) Promote(ctx context.Context, buildRoot, runtimeRoot string) (Result, error) {
	if _, err := os.Lstat(runtimeRoot); err == nil {
		return Result{}, fmt.Errorf("runtime root %s already exists", runtimeRoot)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Result{}, err
	}

	allow := make([]string, 0, len(p.cfg.AllowList))
	for _, raw := range p.cfg.AllowList {
		rel, _ := cleanRel(raw)
		allow = append(allow, rel)
	}
	var missing []string
	for _, rel := range allow {
		if _, err := os.Lstat(filepath.Join(buildRoot, filepath.FromSlash(rel))); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Result{}, err
			}
			missing = append(missing, rel)
		}
	}
	for _, src := range p.cfg.Sources {
		if _, err := os.Lstat(src.From); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Result{}, err
			}
			missing = append(missing, src.From)
		}
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingArtifact, strings.Join(missing, ", "))
	}

	res, err := p.populate(ctx, buildRoot, runtimeRoot, allow)
	if err != nil {
		if rmErr := os.RemoveAll(runtimeRoot); rmErr != nil {
			p.logger.Error("runtime root cleanup failed", "path", runtimeRoot, "error", rmErr)
		}
		return Result{}, err
	}
	p.logger.Info("artifacts promoted",
		"artifacts", res.Artifacts,
		"build_bytes", res.BuildBytes,
		"runtime_bytes", res.RuntimeBytes,
	)
	return res, nil
}

func (p *Promoter) populate(ctx context.Context, buildRoot, runtimeRoot string, allow []string) (Result, error) {
	if err := os.MkdirAll(runtimeRoot, 0o755); err != nil {
		return Result{}, err
	}
	for _, rel := range allow {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		src := filepath.Join(buildRoot, filepath.FromSlash(rel))
		info, err := os.Lstat(src)
		if err != nil {
			return Result{}, err
		}
		// A single allow-listed file was already vetted by Validate.
		var keep fstree.Filter
		if info.IsDir() {
			prefix := rel
			keep = func(sub string, d fs.DirEntry) bool {
				return buildOnlyReason(path.Join(prefix, sub), d.IsDir()) == ""
			}
		}
		dst := filepath.Join(runtimeRoot, filepath.FromSlash(rel))
		if err := fstree.Copy(src, dst, keep); err != nil {
			return Result{}, fmt.Errorf("promote %s: %w", rel, err)
		}
		p.logger.Debug("artifact promoted", "path", rel)
	}
	for _, src := range p.cfg.Sources {
		rel, _ := cleanRel(src.To)
		keep := func(sub string, d fs.DirEntry) bool {
			return buildOnlyReason(sub, d.IsDir()) == ""
		}
		if err := fstree.Copy(src.From, filepath.Join(runtimeRoot, filepath.FromSlash(rel)), keep); err != nil {
			return Result{}, fmt.Errorf("copy source %s: %w", src.From, err)
		}
	}
	if err := normalizeParents(runtimeRoot, allow, p.cfg.Sources); err != nil {
		return Result{}, err
	}
	if err := fstree.PinTimes(runtimeRoot); err != nil {
		return Result{}, err
	}

	buildBytes, err := fstree.Size(buildRoot)
	if err != nil {
		return Result{}, err
	}
	runtimeBytes, err := fstree.Size(runtimeRoot)
	if err != nil {
		return Result{}, err
	}
	if runtimeBytes >= buildBytes {
		return Result{}, fmt.Errorf("%w: runtime %d bytes, build %d bytes", ErrRuntimeNotSmaller, runtimeBytes, buildBytes)
	}
	return Result{
		Artifacts:    len(allow) + len(p.cfg.Sources),
		BuildBytes:   buildBytes,
		RuntimeBytes: runtimeBytes,
	}, nil
}

// normalizeParents fixes directories created implicitly above each copied entry.
func normalizeParents(runtimeRoot string, allow []string, sources []Source) error {
	targets := append([]string(nil), allow...)
	for _, src := range sources {
		rel, _ := cleanRel(src.To)
		targets = append(targets, rel)
	}
	for _, rel := range targets {
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			if err := os.Chmod(filepath.Join(runtimeRoot, filepath.FromSlash(dir)), 0o755); err != nil {
				return err
			}
		}
	}
	return nil
}

// Discard removes the build root and everything in it.
func (p *Promoter) Discard(buildRoot string) error {
	if err := os.RemoveAll(buildRoot); err != nil {
		return fmt.Errorf("discard build root: %w", err)
	}
	p.logger.Info("build root discarded", "path", buildRoot)
	return nil
}
