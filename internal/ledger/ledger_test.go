package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/manifest"
	"github.com/animus-labs/warden/internal/steward"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(context.Background(), dsn, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReport(id string, finished time.Time) build.Report {
	return build.Report{
		ID:                id,
		Status:            build.StatusSucceeded,
		ManifestDigest:    "sha256:aa",
		RuntimeRootDigest: "sha256:bb",
		Packages:          []manifest.Entry{{Name: "web", Version: "2.1.0"}},
		Identity:          steward.DefaultIdentity(),
		Port:              8080,
		StartedAt:         finished.Add(-time.Minute),
		FinishedAt:        finished,
	}
}

func TestRecordAndGetBuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	want := testReport("b-1", now)
	if err := s.RecordBuild(ctx, want); err != nil {
		t.Fatalf("RecordBuild() err=%v", err)
	}
	got, err := s.GetBuild(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBuild() err=%v", err)
	}
	if got.Report.ID != want.ID || got.Report.RuntimeRootDigest != want.RuntimeRootDigest || !got.Report.FinishedAt.Equal(now) {
		t.Fatalf("GetBuild()=%+v", got.Report)
	}
	if len(got.Report.Packages) != 1 || got.Report.Packages[0].Name != "web" {
		t.Fatalf("GetBuild().Packages=%v", got.Report.Packages)
	}
	if got.IntegritySHA256 == "" {
		t.Fatalf("GetBuild() missing integrity")
	}

	if err := s.RecordBuild(ctx, want); !errors.Is(err, ErrDuplicateBuild) {
		t.Fatalf("RecordBuild() duplicate err=%v, want ErrDuplicateBuild", err)
	}
	if _, err := s.GetBuild(ctx, "missing"); !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("GetBuild() err=%v, want ErrBuildNotFound", err)
	}
}

func TestListBuilds_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"b-1", "b-2", "b-3"} {
		r := testReport(id, base.Add(time.Duration(i)*time.Hour))
		if id == "b-2" {
			r.Status = build.StatusFailed
			r.ErrorCode = "missing_artifact"
		}
		if err := s.RecordBuild(ctx, r); err != nil {
			t.Fatalf("RecordBuild(%s) err=%v", id, err)
		}
	}

	got, err := s.ListBuilds(ctx, 2)
	if err != nil {
		t.Fatalf("ListBuilds() err=%v", err)
	}
	if len(got) != 2 || got[0].Report.ID != "b-3" || got[1].Report.ID != "b-2" {
		t.Fatalf("ListBuilds()=%v", got)
	}
	if got[1].Report.ErrorCode != "missing_artifact" {
		t.Fatalf("ListBuilds()[1].ErrorCode=%q", got[1].Report.ErrorCode)
	}
}

func TestGetBuild_DetectsTampering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.RecordBuild(ctx, testReport("b-1", time.Now().UTC())); err != nil {
		t.Fatalf("RecordBuild() err=%v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE builds SET report = replace(report, '"port":8080', '"port":9090')`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := s.GetBuild(ctx, "b-1"); !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("GetBuild() err=%v, want ErrIntegrityFailure", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "ledger.db")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := Open(context.Background(), dsn, logger)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	if err := s.RecordBuild(context.Background(), testReport("b-1", time.Now().UTC())); err != nil {
		t.Fatalf("RecordBuild() err=%v", err)
	}
	_ = s.Close()

	s, err = Open(context.Background(), dsn, logger)
	if err != nil {
		t.Fatalf("Open() second err=%v", err)
	}
	defer s.Close()
	if _, err := s.GetBuild(context.Background(), "b-1"); err != nil {
		t.Fatalf("GetBuild() after reopen err=%v", err)
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() err=%v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatalf("Ping() expected error after Close")
	}
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://user:secret@db/ledger", nil); err == nil {
		t.Fatalf("Open() expected error")
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: DialectSQLite}
	got := s.rebind("SELECT $1, $12 FROM t WHERE a = $2")
	if got != "SELECT ?, ? FROM t WHERE a = ?" {
		t.Fatalf("rebind()=%q", got)
	}
	pg := &Store{dialect: DialectPostgres}
	if got := pg.rebind("a = $1"); got != "a = $1" {
		t.Fatalf("rebind()=%q", got)
	}
}
