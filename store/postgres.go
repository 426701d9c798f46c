package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds the connection pool settings
type PostgresConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// Connect opens and pings a connection pool
func Connect(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore implements Store using pgx/v5
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore. The store owns the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Jobs ---

const jobColumns = `id, external_id, source, source_url, title, company, location, type,
	description, salary, url, published_at, raw, created_at, updated_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	var raw []byte
	if err := row.Scan(&j.ID, &j.ExternalID, &j.Source, &j.SourceURL, &j.Title, &j.Company,
		&j.Location, &j.Type, &j.Description, &j.Salary, &j.URL, &j.PublishedAt, &raw,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &j.Raw); err != nil {
			return nil, fmt.Errorf("decode raw item: %w", err)
		}
	}
	return &j, nil
}

func encodeRaw(raw map[string]any) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode raw item: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) FindJobByExternalID(ctx context.Context, externalID string) (*types.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by external id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) InsertJob(ctx context.Context, job *types.Job) error {
	raw, err := encodeRaw(job.Raw)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		id, job.ExternalID, job.Source, job.SourceURL, job.Title, job.Company, job.Location,
		job.Type, job.Description, job.Salary, job.URL, job.PublishedAt, raw, now, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}

	job.ID, job.CreatedAt, job.UpdatedAt = id, now, now
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *types.Job) error {
	raw, err := encodeRaw(job.Raw)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = s.pool.QueryRow(ctx,
		`UPDATE jobs SET source = $2, source_url = $3, title = $4, company = $5, location = $6,
		   type = $7, description = $8, salary = $9, url = $10, published_at = $11, raw = $12,
		   updated_at = $13
		 WHERE external_id = $1
		 RETURNING id, created_at`,
		job.ExternalID, job.Source, job.SourceURL, job.Title, job.Company, job.Location,
		job.Type, job.Description, job.Salary, job.URL, job.PublishedAt, raw, now,
	).Scan(&job.ID, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	job.UpdatedAt = now
	return nil
}

// whereBuilder accumulates numbered SQL predicates
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// escapeLike quotes the ILIKE wildcards in a user supplied term
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, int, error) {
	skip, limit := normalizeWindow(filter.Skip, filter.Limit)

	var w whereBuilder
	if filter.SourceURL != "" {
		w.add("source_url = ?", filter.SourceURL)
	}
	if filter.Company != "" {
		w.add("company = ?", filter.Company)
	}
	if filter.Location != "" {
		w.add("location = ?", filter.Location)
	}
	if filter.Type != "" {
		w.add("type = ?", filter.Type)
	}
	if filter.Search != "" {
		w.add("(title ILIKE ? OR description ILIKE ?)", "%"+escapeLike(filter.Search)+"%")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args := append(w.args, limit, skip)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs%s
		 ORDER BY published_at DESC NULLS LAST, created_at DESC, id
		 LIMIT $%d OFFSET $%d`, jobColumns, w.String(), len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*types.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// --- Import logs ---

const importLogColumns = `id, started_at, finished_at, source_url, status, total_fetched,
	total_imported, new_jobs, updated_jobs, failed_jobs, failures`

func scanImportLog(row pgx.Row) (*types.ImportLog, error) {
	var l types.ImportLog
	var status string
	var failures []byte
	if err := row.Scan(&l.ID, &l.StartedAt, &l.FinishedAt, &l.SourceURL, &status,
		&l.TotalFetched, &l.TotalImported, &l.NewJobs, &l.UpdatedJobs, &l.FailedJobs,
		&failures); err != nil {
		return nil, err
	}
	l.Status = types.RunStatus(status)
	l.Failures = []types.Failure{}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &l.Failures); err != nil {
			return nil, fmt.Errorf("decode failures: %w", err)
		}
	}
	return &l, nil
}

func encodeFailures(fs ...types.Failure) (string, error) {
	if fs == nil {
		fs = []types.Failure{}
	}
	b, err := json.Marshal(fs)
	if err != nil {
		return "", fmt.Errorf("encode failures: %w", err)
	}
	return string(b), nil
}

func (s *PostgresStore) CreateImportLog(ctx context.Context, log *types.ImportLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.Failures == nil {
		log.Failures = []types.Failure{}
	}
	failures, err := encodeFailures(log.Failures...)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_logs (`+importLogColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)`,
		log.ID, log.StartedAt, log.FinishedAt, log.SourceURL, string(log.Status),
		log.TotalFetched, log.TotalImported, log.NewJobs, log.UpdatedJobs, log.FailedJobs, failures)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create import log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImportLog(ctx context.Context, id string) (*types.ImportLog, error) {
	l, err := scanImportLog(s.pool.QueryRow(ctx,
		`SELECT `+importLogColumns+` FROM import_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import log: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]*types.ImportLog, int, error) {
	skip, limit := normalizeWindow(filter.Skip, filter.Limit)

	var w whereBuilder
	if filter.SourceURL != "" {
		w.add("source_url = ?", filter.SourceURL)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM import_logs`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count import logs: %w", err)
	}

	args := append(w.args, limit, skip)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM import_logs%s
		 ORDER BY started_at DESC, id
		 LIMIT $%d OFFSET $%d`, importLogColumns, w.String(), len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list import logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*types.ImportLog, 0)
	for rows.Next() {
		l, err := scanImportLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan import log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// execLog runs an update against one import log and maps a missing row to ErrNotFound
func (s *PostgresStore) execLog(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetTotalFetched(ctx context.Context, id string, total int) error {
	return s.execLog(ctx, "set total fetched",
		`UPDATE import_logs SET total_fetched = $2 WHERE id = $1`, id, total)
}

func (s *PostgresStore) IncrementImported(ctx context.Context, id string, isNew bool) error {
	column := "updated_jobs"
	if isNew {
		column = "new_jobs"
	}
	return s.execLog(ctx, "increment imported",
		`UPDATE import_logs SET total_imported = total_imported + 1, `+column+` = `+column+` + 1
		 WHERE id = $1`, id)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, f types.Failure) error {
	failure, err := encodeFailures(f)
	if err != nil {
		return err
	}
	return s.execLog(ctx, "record failure",
		`UPDATE import_logs SET failed_jobs = failed_jobs + 1, failures = failures || $2::jsonb
		 WHERE id = $1`, id, failure)
}

func (s *PostgresStore) MarkSuccessIfComplete(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_logs SET status = 'success', finished_at = $2
		 WHERE id = $1 AND status = 'running' AND total_imported + failed_jobs >= total_fetched`,
		id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("mark import log success: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, f types.Failure, now time.Time) (bool, error) {
	failure, err := encodeFailures(f)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_logs SET status = 'failed', finished_at = $2, failures = failures || $3::jsonb
		 WHERE id = $1 AND status = 'running'`,
		id, now.UTC(), failure)
	if err != nil {
		return false, fmt.Errorf("mark import log failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
