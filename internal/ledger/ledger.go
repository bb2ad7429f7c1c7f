// Package ledger stores build reports in postgres or sqlite.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/platform/postgres"
	"github.com/animus-labs/warden/internal/platform/sqlite"
)

var (
	ErrBuildNotFound    = errors.New("build_not_found")
	ErrDuplicateBuild   = errors.New("duplicate_build")
	ErrIntegrityFailure = errors.New("integrity_mismatch")
)

//go:embed migrations
var migrations embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

type Record struct {
	Report          build.Report
	IntegritySHA256 string
}

type Store struct {
	db      *sql.DB
	dialect string
}

// Open selects the backend from dsn: postgres:// or postgresql:// URLs use
// pgx, sqlite:<path> uses an embedded database. Migrations run before return.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db      *sql.DB
		dialect string
		err     error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		cfg, cfgErr := postgres.ConfigFromEnv(dsn)
		if cfgErr != nil {
			return nil, cfgErr
		}
		db, err = postgres.Open(ctx, cfg)
		dialect = DialectPostgres
	case strings.HasPrefix(dsn, "sqlite:"):
		db, err = sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported ledger dsn %q: want postgres:// or sqlite:", redact(dsn))
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	s, err := New(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("ledger ready", "dialect", dialect)
	return s, nil
}

// New migrates db and wraps it.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := migrate(db, dialect); err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: dialect}, nil
}

func migrate(db *sql.DB, dialect string) error {
	gooseDialect := map[string]string{DialectPostgres: "postgres", DialectSQLite: "sqlite3"}[dialect]
	if gooseDialect == "" {
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/"+dialect); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind rewrites $N placeholders for sqlite.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
	}
	return t.UTC()
}

func (s *Store) RecordBuild(ctx context.Context, r build.Report) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("build id is required")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	integrity := ComputeIntegritySHA256(payload)

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO builds (
			build_id,
			status,
			manifest_digest,
			runtime_root_digest,
			error_code,
			started_at,
			finished_at,
			report,
			integrity_sha256
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		r.ID,
		string(r.Status),
		r.ManifestDigest,
		r.RuntimeRootDigest,
		r.ErrorCode,
		s.timeArg(r.StartedAt),
		s.timeArg(r.FinishedAt),
		string(payload),
		integrity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateBuild, r.ID)
		}
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (s *Store) GetBuild(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT report, integrity_sha256 FROM builds WHERE build_id = $1`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	return rec, err
}

// ListBuilds returns the newest builds first.
func (s *Store) ListBuilds(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT report, integrity_sha256 FROM builds
		ORDER BY finished_at DESC, build_id DESC
		LIMIT `+strconv.Itoa(limit)))
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var payload, integrity string
	if err := row.Scan(&payload, &integrity); err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec.Report); err != nil {
		return Record{}, fmt.Errorf("decode report: %w", err)
	}
	rec.IntegritySHA256 = integrity
	// JSONB normalizes whitespace and key order, so verify over re-encoded JSON.
	canonical, err := json.Marshal(rec.Report)
	if err != nil {
		return Record{}, err
	}
	if ComputeIntegritySHA256(canonical) != integrity {
		return Record{}, fmt.Errorf("%w: %s", ErrIntegrityFailure, rec.Report.ID)
	}
	return rec, nil
}

// ComputeIntegritySHA256 hashes the canonical JSON encoding of a report.
func ComputeIntegritySHA256(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		return "***" + dsn[i:]
	}
	return dsn
}
