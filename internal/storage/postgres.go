package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/site-crawler/internal/domain"
)

// pgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS crawled_pages (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT NOT NULL,
		url         TEXT NOT NULL,
		filename    TEXT,
		status      TEXT NOT NULL,
		fail_reason TEXT,
		http_status INTEGER,
		crawled_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_runs (
		run_id        TEXT PRIMARY KEY,
		base_url      TEXT NOT NULL,
		pages_crawled INTEGER NOT NULL,
		pages_failed  INTEGER NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ NOT NULL,
		duration_ms   BIGINT NOT NULL
	)`,
}

// PostgresStore indexes crawled pages and run summaries in PostgreSQL.
type PostgresStore struct {
	db pgxPool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// EnsureSchema creates the index tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RecordPage upserts the outcome of one processed page.
func (s *PostgresStore) RecordPage(ctx context.Context, rec domain.PageRecord) error {
	query := `
		INSERT INTO crawled_pages (run_id, url, filename, status, fail_reason, http_status, crawled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, url) DO UPDATE SET
			filename = EXCLUDED.filename,
			status = EXCLUDED.status,
			fail_reason = EXCLUDED.fail_reason,
			http_status = EXCLUDED.http_status,
			crawled_at = EXCLUDED.crawled_at;
	`
	_, err := s.db.Exec(ctx, query,
		rec.RunID,
		rec.URL,
		rec.Filename,
		rec.Status,
		rec.FailReason,
		rec.HTTPStatus,
		rec.CrawledAt,
	)
	return err
}

// RecordRun stores the final statistics of a run.
func (s *PostgresStore) RecordRun(ctx context.Context, rec domain.RunRecord) error {
	query := `
		INSERT INTO crawl_runs (run_id, base_url, pages_crawled, pages_failed, started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			pages_crawled = EXCLUDED.pages_crawled,
			pages_failed = EXCLUDED.pages_failed,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms;
	`
	_, err := s.db.Exec(ctx, query,
		rec.RunID,
		rec.BaseURL,
		rec.Stats.PagesCrawled,
		rec.Stats.PagesFailed,
		rec.Stats.StartTime,
		rec.Stats.EndTime,
		rec.Stats.Duration().Milliseconds(),
	)
	return err
}
