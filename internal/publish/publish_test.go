package publish

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/platform/objectstore"
	"github.com/animus-labs/warden/internal/steward"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Put(_ context.Context, bucket, key string, body io.Reader, size int64, _ string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(raw)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[bucket+"/"+key] = raw
	return nil
}

func (m *memStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memStore) List(context.Context, string, string) ([]objectstore.ObjectInfo, error) {
	return nil, nil
}

func runtimeRoot(t *testing.T) (string, build.Contract) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range map[string]string{
		"app/main.py":           "print('hi')\n",
		"usr/local/bin/serve":   "#!/bin/sh\n",
		"usr/local/lib/core.so": "core",
	} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Symlink("core.so", filepath.Join(root, "usr", "local", "lib", "libcore.so")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	c := build.Contract{
		Schema:     build.ContractSchemaV1,
		BuildID:    "b-1",
		Port:       8080,
		Identity:   steward.Identity{User: "svc", Group: "svc", UID: 54321, GID: 54322},
		WorkingDir: "/app",
		HealthCheck: build.HealthCheck{
			Path:        "/health",
			Interval:    build.Duration(30 * time.Second),
			Timeout:     build.Duration(5 * time.Second),
			StartPeriod: build.Duration(10 * time.Second),
			Retries:     3,
		},
	}
	if err := build.WriteContract(root, c); err != nil {
		t.Fatalf("WriteContract() err=%v", err)
	}
	return root, c
}

func TestPublish(t *testing.T) {
	root, _ := runtimeRoot(t)
	store := &memStore{}
	p, err := New(store, "warden-artifacts", slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	location, err := p.Publish(context.Background(), "b-1", root)
	if err != nil {
		t.Fatalf("Publish() err=%v", err)
	}
	if location != "s3://warden-artifacts/builds/b-1/runtime-root.tar.gz" {
		t.Fatalf("Publish()=%q", location)
	}

	rc, err := store.Get(context.Background(), "warden-artifacts", Key("b-1"))
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	gz, err := gzip.NewReader(rc)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	owners := map[string]int{}
	links := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
		owners[hdr.Name] = hdr.Uid
		if hdr.Typeflag == tar.TypeSymlink {
			links[hdr.Name] = hdr.Linkname
		}
		if !hdr.ModTime.Equal(time.Unix(0, 0)) {
			t.Fatalf("%s mtime=%v, want epoch", hdr.Name, hdr.ModTime)
		}
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("entries not sorted: %v", names)
		}
	}
	if owners["app/main.py"] != 54321 || owners["app/"] != 54321 {
		t.Fatalf("app owners=%v", owners)
	}
	if links["usr/local/lib/libcore.so"] != "core.so" {
		t.Fatalf("symlinks=%v, want libcore.so -> core.so", links)
	}
	if owners["usr/local/bin/serve"] != 0 {
		t.Fatalf("usr owner=%d, want 0", owners["usr/local/bin/serve"])
	}
}

func TestWriteArchive_Deterministic(t *testing.T) {
	root, c := runtimeRoot(t)
	var a, b bytes.Buffer
	if err := WriteArchive(&a, root, c); err != nil {
		t.Fatalf("WriteArchive() err=%v", err)
	}
	if err := os.Chtimes(filepath.Join(root, "app", "main.py"), time.Now(), time.Now()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := WriteArchive(&b, root, c); err != nil {
		t.Fatalf("WriteArchive() err=%v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatalf("archives differ")
	}

	gz, err := gzip.NewReader(bytes.NewReader(a.Bytes()))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		if hdr.Name == "usr/local/lib/libcore.so" {
			found = hdr.Typeflag == tar.TypeSymlink && hdr.Linkname == "core.so" && hdr.Size == 0
		}
	}
	if !found {
		t.Fatalf("archive missing symlink usr/local/lib/libcore.so -> core.so")
	}
}

func TestPublish_RequiresContract(t *testing.T) {
	p, err := New(&memStore{}, "bucket", nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := p.Publish(context.Background(), "b-1", t.TempDir()); err == nil {
		t.Fatalf("Publish() expected error without contract")
	}
}
