package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/deckeval/internal/db"
	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"put_report": `INSERT INTO reports (id, company_name, status, report, overall_score, created_at, finalized_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)
	 ON CONFLICT (id) DO UPDATE SET
	   status = EXCLUDED.status, report = EXCLUDED.report,
	   overall_score = EXCLUDED.overall_score, finalized_at = EXCLUDED.finalized_at
	 WHERE reports.status = 'pending'`,
	"get_report":    `SELECT report FROM reports WHERE id = $1`,
	"exists_report": `SELECT 1 FROM reports WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY,
	company_name  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	report        JSONB NOT NULL,
	overall_score DOUBLE PRECISION,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finalized_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	submission     JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// PutReport inserts or replaces a report. The conditional upsert only fires
// while the stored row is still pending, which makes finalization a
// first-writer-wins operation under concurrency.
func (s *PostgresStore) PutReport(ctx context.Context, report *model.Report) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	var overall *float64
	if report.OverallScore != nil {
		overall = report.OverallScore
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, company_name, status, report, overall_score, created_at, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, report = EXCLUDED.report,
		   overall_score = EXCLUDED.overall_score, finalized_at = EXCLUDED.finalized_at
		 WHERE reports.status = 'pending'`,
		report.ID, report.CompanyName, string(report.Status), reportJSON,
		overall, report.CreatedAt.UTC(), report.FinalizedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: put report %s", report.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrAlreadyFinalized, "postgres: put report %s", report.ID)
	}
	return nil
}

// ReopenReport flips a failed report back to pending, releasing the
// finalize guard so a replay can overwrite the row. The stored JSON is
// rewritten too so a read between reopen and replay sees a pending report.
func (s *PostgresStore) ReopenReport(ctx context.Context, id string) error {
	report, err := s.GetReport(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: reopen report %s", id)
	}
	switch report.Status {
	case model.StatusComplete:
		return eris.Wrapf(ErrAlreadyFinalized, "postgres: reopen report %s", id)
	case model.StatusPending:
		return nil
	}

	reopened := report.Reopen()
	reportJSON, err := json.Marshal(reopened)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	// The status guard protects against a concurrent finalize between the
	// read above and this write.
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = 'pending', report = $1, overall_score = NULL, finalized_at = NULL
		 WHERE id = $2 AND status = 'failed'`,
		reportJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reopen report %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrAlreadyFinalized, "postgres: reopen report %s", id)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var reportJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT report FROM reports WHERE id = $1`, id,
	).Scan(&reportJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get report %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get report %s", id)
	}

	var report model.Report
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal report %s", id)
	}
	return &report, nil
}

func (s *PostgresStore) ExistsReport(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM reports WHERE id = $1`, id,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "postgres: exists report %s", id)
	}
	return true, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	query := `SELECT report FROM reports WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		var reportJSON []byte
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		var report model.Report
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
		reports = append(reports, report)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	subJSON, err := json.Marshal(entry.Submission)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq submission")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, submission, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, failed_stage = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, subJSON, entry.Error, entry.ErrorType,
		entry.FailedStage, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, submission, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var subJSON []byte
		var failedStage *string
		if err := rows.Scan(&e.ID, &subJSON, &e.Error, &e.ErrorType,
			&failedStage, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if failedStage != nil {
			e.FailedStage = *failedStage
		}
		if err := json.Unmarshal(subJSON, &e.Submission); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq submission")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete dlq %s", id)
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE retry_count < max_retries`,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
