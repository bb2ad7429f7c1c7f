// Package publish archives a runtime root and uploads it to object storage.
package publish

import (
	"archive/tar"
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

	"github.com/klauspost/compress/gzip"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/fstree"
	"github.com/animus-labs/warden/internal/platform/objectstore"
)

const (
	ArchiveName = "runtime-root.tar.gz"
	contentType = "application/gzip"
)

// Key is the object key of a build's archive.
func Key(buildID string) string {
	return "builds/" + buildID + "/" + ArchiveName
}

type Publisher struct {
	store  objectstore.Store
	bucket string
	logger *slog.Logger
}

func New(store objectstore.Store, bucket string, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, bucket: bucket, logger: logger}, nil
}

// Publish writes the archive to a temp file first so the upload carries an exact size.
func (p *Publisher) Publish(ctx context.Context, buildID, runtimeRoot string) (string, error) {
	contract, err := build.ReadContract(runtimeRoot)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "warden-publish-*.tar.gz")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := WriteArchive(tmp, runtimeRoot, contract); err != nil {
		return "", fmt.Errorf("archive runtime root: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	key := Key(buildID)
	if err := p.store.Put(ctx, p.bucket, key, tmp, size, contentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	p.logger.Info("runtime root published", "build_id", buildID, "location", location, "bytes", size)
	return location, nil
}

// WriteArchive streams root as a gzip'd tar. Entries are sorted and carry
// fstree.Epoch so equal trees give equal archives. Everything below the
// contract's working directory belongs to its identity, the rest to root.
func WriteArchive(w io.Writer, root string, contract build.Contract) error {
	appDir := strings.TrimPrefix(contract.WorkingDir, "/")

	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, p := range paths {
		rel, err := fstree.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		if err := writeEntry(tw, p, rel, info, owned(rel, appDir), contract); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func owned(rel, appDir string) bool {
	return appDir != "" && (rel == appDir || strings.HasPrefix(rel, appDir+"/"))
}

func writeEntry(tw *tar.Writer, p, rel string, info fs.FileInfo, owned bool, c build.Contract) error {
	hdr := &tar.Header{
		Name:    rel,
		Mode:    int64(info.Mode().Perm()),
		ModTime: fstree.Epoch,
		Format:  tar.FormatPAX,
	}
	if owned {
		hdr.Uid, hdr.Gid = int(c.Identity.UID), int(c.Identity.GID)
		hdr.Uname, hdr.Gname = c.Identity.User, c.Identity.Group
	}
	switch {
	case info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
	case info.Mode().IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
	default:
		return fmt.Errorf("%w: %s", fstree.ErrUnsupportedEntry, rel)
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
