package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/acronym-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver to every pooled connection, so
// concurrent writers wait on busy_timeout instead of failing with
// SQLITE_BUSY. synchronous=FULL makes every committed record durable before
// Record returns.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
}

// sqliteDSN appends the connection pragmas to path. Transactions take the
// write lock at BEGIN so a read-then-write never needs a lock upgrade.
func sqliteDSN(path string) string {
	params := url.Values{}
	for _, p := range sqlitePragmas {
		params.Add("_pragma", p)
	}
	params.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// NewSQLite opens a SQLite database at the given path in WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "sqlite: open %s", path)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	reason     TEXT NOT NULL DEFAULT '',
	options    TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS progress (
	key           TEXT PRIMARY KEY,
	token         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	result        TEXT,
	reason        TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	run_id        TEXT NOT NULL,
	seq           INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_progress_status ON progress(status);
CREATE INDEX IF NOT EXISTS idx_progress_run_seq ON progress(run_id, seq);
`

// recordUpsert applies the progress write rules in a single statement.
const sqliteRecordUpsert = `
INSERT INTO progress (key, token, status, result, reason, detail, attempt_count, run_id, seq, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	token = excluded.token,
	status = excluded.status,
	result = excluded.result,
	reason = excluded.reason,
	detail = excluded.detail,
	attempt_count = excluded.attempt_count,
	run_id = excluded.run_id,
	seq = excluded.seq,
	updated_at = excluded.updated_at
WHERE progress.status <> 'done'
  AND (progress.status = 'pending' OR progress.run_id <> excluded.run_id)`

const sqlitePendingUpsert = `
INSERT INTO progress (key, token, status, run_id, seq, updated_at)
VALUES (?, ?, 'pending', ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	token = excluded.token,
	status = 'pending',
	result = NULL,
	reason = '',
	detail = '',
	attempt_count = 0,
	run_id = excluded.run_id,
	seq = excluded.seq,
	updated_at = excluded.updated_at
WHERE progress.status <> 'done'`

var progressColumns = []string{"key", "token", "status", "result", "reason", "detail", "attempt_count", "run_id", "updated_at"}

var runColumns = []string{"id", "status", "reason", "options", "summary", "created_at", "updated_at"}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) DoneKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM progress WHERE status = 'done'`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: done keys")
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan done key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: done keys iterate")
}

func (s *SQLiteStore) MarkPending(ctx context.Context, runID string, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark pending begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqlitePendingUpsert)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark pending prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, job := range jobs {
		if _, err := stmt.ExecContext(ctx, job.Key(), job.Token, runID, now.UnixNano(), now); err != nil {
			return eris.Wrapf(err, "sqlite: mark pending %s", job.Token)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: mark pending commit")
}

func (s *SQLiteStore) Record(ctx context.Context, rec model.ProgressRecord) (bool, error) {
	resultJSON, err := marshalResult(rec.Result)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal result")
	}
	now := recordTime(rec)

	res, err := s.db.ExecContext(ctx, sqliteRecordUpsert,
		rec.Key, rec.Token, string(rec.Status), resultJSON, rec.Reason, rec.Detail,
		rec.AttemptCount, rec.RunID, now.UnixNano(), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: record %s", rec.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetProgress(ctx context.Context, key string) (*model.ProgressRecord, error) {
	query, args, err := sq.Select(progressColumns...).From("progress").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get progress")
	}
	rec, err := scanProgress(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: progress %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get progress %s", key)
	}
	return rec, nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ProgressRecord, error) {
	q := sq.Select(progressColumns...).From("progress").OrderBy("seq ASC", "key ASC")
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
		return nil, eris.Wrap(err, "sqlite: build list results")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProgressRecord
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) Summarize(ctx context.Context, runID string) (*model.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, reason, COUNT(*) FROM progress WHERE run_id = ? GROUP BY status, reason`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: summarize %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	sum := newSummary()
	for rows.Next() {
		var status, reason string
		var n int
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		addToSummary(sum, model.ProgressStatus(status), reason, n)
	}
	return sum, eris.Wrap(rows.Err(), "sqlite: summarize iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	optsJSON, sumJSON, err := marshalRun(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, reason, options, summary, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Reason, optsJSON, sumJSON, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	optsJSON, sumJSON, err := marshalRun(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, reason = ?, options = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), run.Reason, optsJSON, sumJSON, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	query, args, err := sq.Select(runColumns...).From("runs").Where(sq.Eq{"id": runID}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get run")
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := sq.Select(runColumns...).From("runs").OrderBy("created_at DESC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	q = q.Limit(uint64(limitOrDefault(filter.Limit)))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list runs")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProgress(row scannable) (*model.ProgressRecord, error) {
	var rec model.ProgressRecord
	var status string
	var resultJSON sql.NullString
	if err := row.Scan(&rec.Key, &rec.Token, &status, &resultJSON, &rec.Reason, &rec.Detail,
		&rec.AttemptCount, &rec.RunID, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = model.ProgressStatus(status)
	if resultJSON.Valid && resultJSON.String != "" {
		rec.Result = &model.EnrichmentResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), rec.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &rec, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, optsJSON, sumJSON string
	if err := row.Scan(&r.ID, &status, &r.Reason, &optsJSON, &sumJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(optsJSON), &r.Options); err != nil {
		return nil, eris.Wrap(err, "unmarshal run options")
	}
	if err := json.Unmarshal([]byte(sumJSON), &r.Summary); err != nil {
		return nil, eris.Wrap(err, "unmarshal run summary")
	}
	return &r, nil
}

func marshalResult(res *model.EnrichmentResult) (*string, error) {
	if res == nil {
		return nil, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func marshalRun(run *model.Run) (string, string, error) {
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return "", "", err
	}
	sum, err := json.Marshal(run.Summary)
	if err != nil {
		return "", "", err
	}
	return string(opts), string(sum), nil
}

func recordTime(rec model.ProgressRecord) time.Time {
	if rec.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.UpdatedAt.UTC()
}
