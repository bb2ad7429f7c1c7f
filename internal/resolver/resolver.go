// Package resolver installs a pinned manifest from a package index snapshot
// into a build root.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/warden/internal/fstree"
	"github.com/animus-labs/warden/internal/manifest"
)

var (
	ErrUnresolvableDependency = errors.New("unresolvable_dependency")
	ErrVersionConflict        = errors.New("version_conflict")
	ErrFileCollision          = errors.New("file_collision")
)

const (
	// CacheDir holds the package metadata cache. It lives in the build root only.
	CacheDir = "var/cache/warden/packages"
	// RecordFile lists what was installed, one name==version per line.
	RecordFile = "var/lib/warden/installed"
)

type Resolution struct {
	Packages []Package
}

func (r Resolution) Entries() []manifest.Entry {
	out := make([]manifest.Entry, 0, len(r.Packages))
	for _, pkg := range r.Packages {
		out = append(out, pkg.Entry())
	}
	return out
}

type Installed struct {
	Packages []manifest.Entry
	Files    int
}

type Resolver struct {
	index  Index
	logger *slog.Logger
}

func New(index Index, logger *slog.Logger) (*Resolver, error) {
	if index == nil {
		return nil, errors.New("package index is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{index: index, logger: logger}, nil
}

type pin struct {
	version    string
	requiredBy string
}

// Resolve walks the manifest and every transitive requirement breadth first.
// Each package name may be pinned to exactly one version.
func (r *Resolver) Resolve(ctx context.Context, m manifest.Manifest) (Resolution, error) {
	pins := make(map[string]pin, m.Len())
	queue := m.Entries()
	for _, e := range queue {
		pins[manifest.NormalizeName(e.Name)] = pin{version: e.Version, requiredBy: "manifest"}
	}

	resolved := make(map[string]Package, len(queue))
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		e := queue[0]
		queue = queue[1:]
		key := manifest.NormalizeName(e.Name)
		if _, ok := resolved[key]; ok {
			continue
		}

		pkg, err := r.index.Lookup(ctx, e.Name, e.Version)
		if err != nil {
			if errors.Is(err, ErrPackageNotFound) {
				return Resolution{}, fmt.Errorf("%w: %s (required by %s)", ErrUnresolvableDependency, e, pins[key].requiredBy)
			}
			return Resolution{}, fmt.Errorf("lookup %s: %w", e, err)
		}
		resolved[key] = pkg

		for _, req := range pkg.Requires {
			if err := manifest.ValidateName(req.Name); err != nil {
				return Resolution{}, fmt.Errorf("%w: %s requires %v", ErrUnresolvableDependency, e, err)
			}
			if err := manifest.ValidateVersion(req.Version); err != nil {
				return Resolution{}, fmt.Errorf("%w: %s requires %s: %v", ErrUnresolvableDependency, e, req.Name, err)
			}
			reqKey := manifest.NormalizeName(req.Name)
			if existing, ok := pins[reqKey]; ok {
				if existing.version != req.Version {
					return Resolution{}, fmt.Errorf("%w: %s requires %s==%s but %s requires %s==%s",
						ErrVersionConflict, e, req.Name, req.Version, existing.requiredBy, req.Name, existing.version)
				}
				continue
			}
			pins[reqKey] = pin{version: req.Version, requiredBy: e.String()}
			queue = append(queue, req)
		}
	}

	keys := make([]string, 0, len(resolved))
	for key := range resolved {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := Resolution{Packages: make([]Package, 0, len(keys))}
	for _, key := range keys {
		out.Packages = append(out.Packages, resolved[key])
	}
	r.logger.Info("dependencies resolved", "requested", m.Len(), "resolved", len(out.Packages))
	return out, nil
}

// Install writes every resolved payload into buildRoot with normalized modes
// and epoch timestamps, plus the package cache and install record.
func (r *Resolver) Install(ctx context.Context, res Resolution, buildRoot string) (Installed, error) {
	owners := make(map[string]string)
	installed := Installed{Packages: res.Entries()}

	for _, pkg := range res.Packages {
		files, err := r.index.Files(ctx, pkg)
		if err != nil {
			return Installed{}, err
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return Installed{}, err
			}
			if reservedPath(f.Path) {
				return Installed{}, fmt.Errorf("%w: %s==%s writes reserved path %s", ErrFileCollision, pkg.Name, pkg.Version, f.Path)
			}
			if owner, ok := owners[f.Path]; ok {
				return Installed{}, fmt.Errorf("%w: %s provided by %s and %s", ErrFileCollision, f.Path, owner, pkg.Entry())
			}
			owners[f.Path] = pkg.Entry().String()

			target, err := fstree.Within(buildRoot, f.Path)
			if err != nil {
				return Installed{}, fmt.Errorf("%s==%s: %w", pkg.Name, pkg.Version, err)
			}
			if err := installFile(ctx, target, f); err != nil {
				return Installed{}, fmt.Errorf("install %s from %s: %w", f.Path, pkg.Entry(), err)
			}
			installed.Files++
		}
		if err := cachePackage(buildRoot, pkg); err != nil {
			return Installed{}, err
		}
		r.logger.Info("package installed", "package", pkg.Name, "version", pkg.Version, "files", len(files))
	}

	if err := writeRecord(buildRoot, installed.Packages); err != nil {
		return Installed{}, err
	}
	if err := normalizeDirs(buildRoot); err != nil {
		return Installed{}, err
	}
	if err := fstree.PinTimes(buildRoot); err != nil {
		return Installed{}, fmt.Errorf("pin times: %w", err)
	}
	return installed, nil
}

func reservedPath(rel string) bool {
	for _, reserved := range []string{CacheDir, RecordFile} {
		if rel == reserved || strings.HasPrefix(rel, reserved+"/") {
			return true
		}
	}
	return false
}

func installFile(ctx context.Context, target string, f File) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if f.Executable {
		mode = 0o755
	}
	src, err := f.Open(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

func cachePackage(buildRoot string, pkg Package) error {
	dir := filepath.Join(buildRoot, filepath.FromSlash(CacheDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	name := manifest.NormalizeName(pkg.Name) + "-" + pkg.Version + ".yaml"
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}

func writeRecord(buildRoot string, entries []manifest.Entry) error {
	p := filepath.Join(buildRoot, filepath.FromSlash(RecordFile))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(manifest.NormalizeName(e.Name) + "==" + e.Version + "\n")
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Chmod(p, 0o644)
}

func normalizeDirs(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root || !d.IsDir() {
			return nil
		}
		return os.Chmod(p, 0o755)
	})
}
