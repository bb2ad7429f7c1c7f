// Package fstree walks, hashes and copies directory trees deterministically.
//
// Entries are visited in lexical order and every timestamp written by this
// package is pinned to Epoch, so two trees with the same content produce the
// same Digest regardless of when or where they were built.
package fstree

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var Epoch = time.Unix(0, 0).UTC()

var ErrUnsupportedEntry = errors.New("unsupported_entry")

// Filter reports whether a slash-separated relative path is copied.
type Filter func(rel string, d fs.DirEntry) bool

// Digest hashes path, type, permission bits and content of every entry below root.
// Ownership and timestamps are excluded.
func Digest(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		switch {
		case mode.IsDir():
			fmt.Fprintf(h, "d %s %o\n", rel, mode.Perm())
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "l %s %s\n", rel, target)
		case mode.IsRegular():
			sum, err := fileSHA256(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "f %s %o %d %s\n", rel, mode.Perm(), info.Size(), sum)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedEntry, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", root, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Size sums the byte size of regular files below root.
func Size(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", root, err)
	}
	return total, nil
}

// Copy replicates src into dst, skipping entries rejected by keep.
// Directories rejected by keep are skipped with their whole subtree.
func Copy(src, dst string, keep Filter) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if keep != nil && !keep(filepath.Base(src), fs.FileInfoToDirEntry(info)) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyEntry(src, dst, info)
	}

	var dirs []string
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && keep != nil && !keep(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			if err := os.Chmod(target, info.Mode().Perm()); err != nil {
				return err
			}
			dirs = append(dirs, target)
			return nil
		}
		return copyEntry(p, target, info)
	})
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	// Directory times last: adding children bumps them.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chtimes(dirs[i], Epoch, Epoch); err != nil {
			return err
		}
	}
	return nil
}

// PinTimes sets every timestamp below root to Epoch, children before parents.
func PinTimes(root string) error {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.Chtimes(paths[i], Epoch, Epoch); err != nil {
			return err
		}
	}
	return nil
}

// Rel returns the slash-separated path of p below root, "." for root itself.
func Rel(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Within joins rel onto root and rejects results that escape root.
func Within(root, rel string) (string, error) {
	slashed := filepath.ToSlash(rel)
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("path %q escapes the root", rel)
		}
	}
	clean := path.Clean("/" + slashed)
	if clean == "/" {
		return "", fmt.Errorf("path %q resolves to the root", rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean[1:])), nil
}

func copyEntry(src, dst string, info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case mode.IsRegular():
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		if err := os.Chmod(dst, mode.Perm()); err != nil {
			return err
		}
		return os.Chtimes(dst, Epoch, Epoch)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEntry, src)
	}
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
