package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/db"
	"github.com/sells-group/acronym-cli/internal/model"
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

const pgRecordUpsert = `INSERT INTO progress (key, token, status, result, reason, detail, attempt_count, run_id, seq, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key) DO UPDATE SET
	token = EXCLUDED.token,
	status = EXCLUDED.status,
	result = EXCLUDED.result,
	reason = EXCLUDED.reason,
	detail = EXCLUDED.detail,
	attempt_count = EXCLUDED.attempt_count,
	run_id = EXCLUDED.run_id,
	seq = EXCLUDED.seq,
	updated_at = EXCLUDED.updated_at
WHERE progress.status <> 'done'
  AND (progress.status = 'pending' OR progress.run_id <> EXCLUDED.run_id)`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot write path.
var preparedStatements = map[string]string{
	"record_upsert": pgRecordUpsert,
	"update_run":    `UPDATE runs SET status = $1, reason = $2, options = $3, summary = $4, updated_at = $5 WHERE id = $6`,
	"done_keys":     `SELECT key FROM progress WHERE status = 'done'`,
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

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
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	reason     TEXT NOT NULL DEFAULT '',
	options    JSONB NOT NULL,
	summary    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS progress (
	key           TEXT PRIMARY KEY,
	token         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	result        JSONB,
	reason        TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	run_id        TEXT NOT NULL,
	seq           BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_progress_status ON progress(status);
CREATE INDEX IF NOT EXISTS idx_progress_run_seq ON progress(run_id, seq);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
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

func (s *PostgresStore) DoneKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM progress WHERE status = 'done'`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: done keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan done key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: done keys iterate")
}

// MarkPending bulk-loads the run's jobs through a temp table so large inputs
// cost one round trip.
func (s *PostgresStore) MarkPending(ctx context.Context, runID string, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(jobs))
	for i, job := range jobs {
		rows[i] = []any{job.Key(), job.Token, string(model.ProgressPending), runID, now.UnixNano(), now}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "progress",
		Columns:      []string{"key", "token", "status", "run_id", "seq", "updated_at"},
		ConflictKeys: []string{"key"},
		ExtraSet:     []string{"result = NULL", "reason = ''", "detail = ''", "attempt_count = 0"},
		Where:        "progress.status <> 'done'",
	}, rows)
	return eris.Wrapf(err, "postgres: mark pending for run %s", runID)
}

func (s *PostgresStore) Record(ctx context.Context, rec model.ProgressRecord) (bool, error) {
	var resultJSON []byte
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return false, eris.Wrap(err, "postgres: marshal result")
		}
		resultJSON = b
	}
	now := recordTime(rec)

	tag, err := s.pool.Exec(ctx, pgRecordUpsert,
		rec.Key, rec.Token, string(rec.Status), resultJSON, rec.Reason, rec.Detail,
		rec.AttemptCount, rec.RunID, now.UnixNano(), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: record %s", rec.Key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetProgress(ctx context.Context, key string) (*model.ProgressRecord, error) {
	query, args, err := psql.Select(progressColumns...).From("progress").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get progress")
	}
	rec, err := scanProgressPG(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: progress %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get progress %s", key)
	}
	return rec, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ProgressRecord, error) {
	q := psql.Select(progressColumns...).From("progress").OrderBy("seq ASC", "key ASC")
	if filter.RunID != "" {
		q = q.Where(sq.Eq{"run_id": filter.RunID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	q = q.Limit(uint64(limitOrDefault(filter.Limit)))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list results")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.ProgressRecord
	for rows.Next() {
		rec, err := scanProgressPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) Summarize(ctx context.Context, runID string) (*model.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, reason, COUNT(*) FROM progress WHERE run_id = $1 GROUP BY status, reason`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: summarize %s", runID)
	}
	defer rows.Close()

	sum := newSummary()
	for rows.Next() {
		var status, reason string
		var n int64
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		addToSummary(sum, model.ProgressStatus(status), reason, int(n))
	}
	return sum, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	optsJSON, sumJSON, err := marshalRun(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, reason, options, summary, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Status), run.Reason, []byte(optsJSON), []byte(sumJSON), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	optsJSON, sumJSON, err := marshalRun(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, reason = $2, options = $3, summary = $4, updated_at = $5 WHERE id = $6`,
		string(run.Status), run.Reason, []byte(optsJSON), []byte(sumJSON), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	query, args, err := psql.Select(runColumns...).From("runs").Where(sq.Eq{"id": runID}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get run")
	}
	r, err := scanRunPG(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := psql.Select(runColumns...).From("runs").OrderBy("created_at DESC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	q = q.Limit(uint64(limitOrDefault(filter.Limit)))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list runs")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRunPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanProgressPG(row pgx.Row) (*model.ProgressRecord, error) {
	var rec model.ProgressRecord
	var status string
	var resultJSON []byte
	if err := row.Scan(&rec.Key, &rec.Token, &status, &resultJSON, &rec.Reason, &rec.Detail,
		&rec.AttemptCount, &rec.RunID, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = model.ProgressStatus(status)
	if len(resultJSON) > 0 {
		rec.Result = &model.EnrichmentResult{}
		if err := json.Unmarshal(resultJSON, rec.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &rec, nil
}

func scanRunPG(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var optsJSON, sumJSON []byte
	if err := row.Scan(&r.ID, &status, &r.Reason, &optsJSON, &sumJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(optsJSON, &r.Options); err != nil {
		return nil, eris.Wrap(err, "unmarshal run options")
	}
	if err := json.Unmarshal(sumJSON, &r.Summary); err != nil {
		return nil, eris.Wrap(err, "unmarshal run summary")
	}
	return &r, nil
}
