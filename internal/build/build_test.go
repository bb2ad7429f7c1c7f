package build

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/warden/internal/promoter"
	"github.com/animus-labs/warden/internal/resolver"
	"github.com/animus-labs/warden/internal/steward"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T, manifestText string) workspace {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"requirements.txt": manifestText,

		"index/web/2.1.0/package.yaml":                   "name: web\nversion: 2.1.0\nrequires:\n  - name: toolchain\n    version: 13.2.0\nexecutables:\n  - usr/local/bin/web\n",
		"index/web/2.1.0/files/usr/local/bin/web":         "#!/bin/sh\n",
		"index/web/2.1.0/files/usr/local/lib/web/core.so": strings.Repeat("w", 128),
		"index/web/2.1.0/files/usr/local/include/web.h":   "header",
		"index/toolchain/13.2.0/package.yaml":             "name: toolchain\nversion: 13.2.0\n",
		"index/toolchain/13.2.0/files/usr/bin/gcc":        strings.Repeat("g", 8192),

		"src/main.py": "print('ok')\n",
	})
	cfg := `schema: warden.build.v1
manifest: requirements.txt
index:
  kind: dir
  path: index
build_root: out/build
runtime_root: out/runtime
promote:
  - usr/local/lib/web
  - usr/local/bin/web
sources:
  - from: src
    to: app
app_dir: app
identity:
  user: svc
  group: svc
  uid: 54321
  gid: 54321
service:
  port: 9090
  command: ["/usr/local/bin/web"]
healthcheck:
  path: /health
  interval: 15s
  retries: 2
`
	writeFiles(t, dir, map[string]string{"warden.yaml": cfg})
	return workspace{dir: dir, config: filepath.Join(dir, "warden.yaml")}
}

type memRecorder struct {
	mu      sync.Mutex
	reports []Report
}

func (m *memRecorder) RecordBuild(ctx context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

type memPublisher struct {
	calls int
}

func (m *memPublisher) Publish(ctx context.Context, buildID, runtimeRoot string) (string, error) {
	m.calls++
	return "s3://artifacts/builds/" + buildID + "/runtime-root.tar.gz", nil
}

func newTestPipeline(t *testing.T, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	idx, err := resolver.NewDirIndex(cfg.Index.Path)
	if err != nil {
		t.Fatalf("NewDirIndex() err=%v", err)
	}
	opts = append(opts, WithStewardOptions(
		steward.WithCapabilityCheck(func() (bool, error) { return true, nil }),
		steward.WithChown(func(string, int, int) error { return nil }),
	))
	p, err := NewPipeline(cfg, idx, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewPipeline() err=%v", err)
	}
	return p
}

func TestLoadConfig_ResolvesPathsAndDefaults(t *testing.T) {
	ws := newWorkspace(t, "web==2.1.0\n")
	cfg, err := LoadConfig(ws.config)
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	if cfg.Manifest != filepath.Join(ws.dir, "requirements.txt") {
		t.Fatalf("Manifest=%q", cfg.Manifest)
	}
	if cfg.Sources[0].From != filepath.Join(ws.dir, "src") {
		t.Fatalf("Sources[0].From=%q", cfg.Sources[0].From)
	}
	if cfg.HealthCheck.Interval != 15*time.Second || cfg.HealthCheck.Timeout != 5*time.Second || cfg.HealthCheck.Retries != 2 {
		t.Fatalf("HealthCheck=%+v", cfg.HealthCheck)
	}
	if got := cfg.ProbeConfig("127.0.0.1").URL; got != "http://127.0.0.1:9090/health" {
		t.Fatalf("ProbeConfig().URL=%q", got)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	base := "schema: warden.build.v1\nmanifest: m.txt\nindex: {kind: dir, path: idx}\nbuild_root: /b\nruntime_root: /r\npromote: [usr/lib]\n"
	cases := map[string]string{
		"schema":       strings.Replace(base, "warden.build.v1", "v0", 1),
		"index kind":   strings.Replace(base, "kind: dir", "kind: ftp", 1),
		"absolute":     strings.Replace(base, "[usr/lib]", "[/usr/lib]", 1),
		"build only":   strings.Replace(base, "[usr/lib]", "[usr/include]", 1),
		"overlap":      strings.Replace(base, "runtime_root: /r", "runtime_root: /b/r", 1),
		"root user":    base + "identity: {user: root, group: app, uid: 10001, gid: 10001}\n",
		"port":         base + "service: {port: 70000}\n",
		"retries":      base + "healthcheck: {retries: 0}\n",
		"app dir":      base + "app_dir: ../app\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(input)); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("ParseConfig() err=%v, want ErrInvalidConfig", err)
			}
		})
	}
	if _, err := ParseConfig([]byte(base)); err != nil {
		t.Fatalf("ParseConfig(base) err=%v", err)
	}
}

func TestPipelineRun_Succeeds(t *testing.T) {
	ws := newWorkspace(t, "web==2.1.0\n")
	cfg, err := LoadConfig(ws.config)
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	cfg.Publish = true
	rec := &memRecorder{}
	pub := &memPublisher{}
	report, err := newTestPipeline(t, cfg, WithRecorder(rec), WithPublisher(pub)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if report.Status != StatusSucceeded || report.ID == "" {
		t.Fatalf("Run()=%+v", report)
	}
	if report.RuntimeRootBytes >= report.BuildRootBytes {
		t.Fatalf("runtime %d bytes not smaller than build %d", report.RuntimeRootBytes, report.BuildRootBytes)
	}
	if pub.calls != 1 || !strings.Contains(report.Artifact, report.ID) {
		t.Fatalf("publish calls=%d artifact=%q", pub.calls, report.Artifact)
	}
	if len(rec.reports) != 1 || rec.reports[0].ID != report.ID {
		t.Fatalf("recorded=%+v", rec.reports)
	}

	if _, err := os.Stat(cfg.BuildRoot); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("build root not discarded: %v", err)
	}
	for _, rel := range []string{"usr/local/include/web.h", "usr/bin/gcc", "var/cache", "var/lib/warden"} {
		if _, err := os.Stat(filepath.Join(cfg.RuntimeRoot, rel)); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("runtime root contains %s", rel)
		}
	}
	passwd, err := os.ReadFile(filepath.Join(cfg.RuntimeRoot, "etc", "passwd"))
	if err != nil || !strings.Contains(string(passwd), "svc:x:54321:54321::/app:/sbin/nologin") {
		t.Fatalf("passwd=%q err=%v", passwd, err)
	}

	contract, err := ReadContract(cfg.RuntimeRoot)
	if err != nil {
		t.Fatalf("ReadContract() err=%v", err)
	}
	if contract.BuildID != report.ID || contract.Port != 9090 || contract.WorkingDir != "/app" {
		t.Fatalf("contract=%+v", contract)
	}
	if contract.Identity.UID != 54321 || contract.RuntimeRootDigest != report.RuntimeRootDigest {
		t.Fatalf("contract=%+v", contract)
	}
	if contract.ProbeConfig("127.0.0.1").Interval != 15*time.Second {
		t.Fatalf("contract healthcheck=%+v", contract.HealthCheck)
	}
}

func TestPipelineRun_Reproducible(t *testing.T) {
	ws := newWorkspace(t, "web==2.1.0\n")
	cfg, err := LoadConfig(ws.config)
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	first, err := newTestPipeline(t, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	second, err := newTestPipeline(t, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("build ids repeat")
	}
	if first.BuildRootDigest != second.BuildRootDigest || first.RuntimeRootDigest != second.RuntimeRootDigest {
		t.Fatalf("digests differ across identical builds")
	}
}

func TestPipelineRun_FailureLeavesNoRuntimeRoot(t *testing.T) {
	ws := newWorkspace(t, "web==2.1.0\n")
	cfg, err := LoadConfig(ws.config)
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	cfg.Promote = append(cfg.Promote, "usr/local/share/missing")
	rec := &memRecorder{}
	report, err := newTestPipeline(t, cfg, WithRecorder(rec)).Run(context.Background())
	if !errors.Is(err, promoter.ErrMissingArtifact) {
		t.Fatalf("Run() err=%v, want ErrMissingArtifact", err)
	}
	if report.Status != StatusFailed || report.ErrorCode != "missing_artifact" {
		t.Fatalf("report=%+v", report)
	}
	if len(rec.reports) != 1 || rec.reports[0].Status != StatusFailed {
		t.Fatalf("recorded=%+v", rec.reports)
	}
	for _, dir := range []string{cfg.RuntimeRoot, cfg.BuildRoot} {
		if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("%s left behind after failure", dir)
		}
	}
}

func TestPipelineRun_Unresolvable(t *testing.T) {
	ws := newWorkspace(t, "web==3.0.0\n")
	cfg, err := LoadConfig(ws.config)
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	report, err := newTestPipeline(t, cfg).Run(context.Background())
	if !errors.Is(err, resolver.ErrUnresolvableDependency) {
		t.Fatalf("Run() err=%v, want ErrUnresolvableDependency", err)
	}
	if report.ErrorCode != "unresolvable_dependency" {
		t.Fatalf("ErrorCode=%q", report.ErrorCode)
	}
}

func TestNewPipeline_PublishRequiresPublisher(t *testing.T) {
	ws := newWorkspace(t, "web==2.1.0\n")
	cfg, err := LoadConfig(ws.config)
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	cfg.Publish = true
	idx, _ := resolver.NewDirIndex(cfg.Index.Path)
	if _, err := NewPipeline(cfg, idx, testLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewPipeline() err=%v, want ErrInvalidConfig", err)
	}
}
