package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/warden/internal/fstree"
	"github.com/animus-labs/warden/internal/manifest"
	"github.com/animus-labs/warden/internal/platform/objectstore"
)

var ErrPackageNotFound = errors.New("package_not_found")

const packageFile = "package.yaml"

// Package is one name/version record of the index snapshot.
type Package struct {
	Name        string           `yaml:"name"`
	Version     string           `yaml:"version"`
	Requires    []manifest.Entry `yaml:"requires,omitempty"`
	Executables []string         `yaml:"executables,omitempty"`
}

func (p Package) Entry() manifest.Entry {
	return manifest.Entry{Name: p.Name, Version: p.Version}
}

func (p Package) isExecutable(rel string) bool {
	for _, e := range p.Executables {
		if path.Clean(strings.TrimPrefix(e, "/")) == rel {
			return true
		}
	}
	return false
}

// File is one payload entry, relative to the image root.
type File struct {
	Path       string
	Executable bool
	Open       func(ctx context.Context) (io.ReadCloser, error)
}

// Index is an immutable package index snapshot.
type Index interface {
	Lookup(ctx context.Context, name, version string) (Package, error)
	Files(ctx context.Context, pkg Package) ([]File, error)
}

func parsePackage(raw []byte, name, version string) (Package, error) {
	var pkg Package
	if err := yaml.Unmarshal(raw, &pkg); err != nil {
		return Package{}, fmt.Errorf("decode %s: %w", packageFile, err)
	}
	if manifest.NormalizeName(pkg.Name) != manifest.NormalizeName(name) || pkg.Version != version {
		return Package{}, fmt.Errorf("index record %s==%s describes %s==%s", name, version, pkg.Name, pkg.Version)
	}
	return pkg, nil
}

// DirIndex reads a snapshot laid out as <root>/<name>/<version>/{package.yaml,files/}.
type DirIndex struct {
	root string
}

func NewDirIndex(root string) (*DirIndex, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("index root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("index root %s is not a directory", root)
	}
	return &DirIndex{root: root}, nil
}

func (x *DirIndex) dir(name, version string) string {
	return filepath.Join(x.root, manifest.NormalizeName(name), version)
}

func (x *DirIndex) Lookup(ctx context.Context, name, version string) (Package, error) {
	raw, err := os.ReadFile(filepath.Join(x.dir(name, version), packageFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Package{}, fmt.Errorf("%w: %s==%s", ErrPackageNotFound, name, version)
		}
		return Package{}, err
	}
	return parsePackage(raw, name, version)
}

func (x *DirIndex) Files(ctx context.Context, pkg Package) ([]File, error) {
	base := filepath.Join(x.dir(pkg.Name, pkg.Version), "files")
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var out []File
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s", fstree.ErrUnsupportedEntry, p)
		}
		rel, err := fstree.Rel(base, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		src := p
		out = append(out, File{
			Path:       rel,
			Executable: pkg.isExecutable(rel) || info.Mode().Perm()&0o111 != 0,
			Open: func(context.Context) (io.ReadCloser, error) {
				return os.Open(src)
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s==%s: %w", pkg.Name, pkg.Version, err)
	}
	return out, nil
}

// ObjectIndex reads the same layout from a bucket below prefix.
type ObjectIndex struct {
	store  objectstore.Store
	bucket string
	prefix string
}

func NewObjectIndex(store objectstore.Store, bucket, prefix string) (*ObjectIndex, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &ObjectIndex{store: store, bucket: bucket, prefix: prefix}, nil
}

func (x *ObjectIndex) key(name, version string) string {
	return x.prefix + manifest.NormalizeName(name) + "/" + version + "/"
}

func (x *ObjectIndex) Lookup(ctx context.Context, name, version string) (Package, error) {
	body, err := x.store.Get(ctx, x.bucket, x.key(name, version)+packageFile)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return Package{}, fmt.Errorf("%w: %s==%s", ErrPackageNotFound, name, version)
		}
		return Package{}, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return Package{}, fmt.Errorf("read %s==%s: %w", name, version, err)
	}
	return parsePackage(raw, name, version)
}

func (x *ObjectIndex) Files(ctx context.Context, pkg Package) ([]File, error) {
	prefix := x.key(pkg.Name, pkg.Version) + "files/"
	objects, err := x.store.List(ctx, x.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s==%s: %w", pkg.Name, pkg.Version, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	out := make([]File, 0, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		key := obj.Key
		out = append(out, File{
			Path:       rel,
			Executable: pkg.isExecutable(rel),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return x.store.Get(ctx, x.bucket, key)
			},
		})
	}
	return out, nil
}
