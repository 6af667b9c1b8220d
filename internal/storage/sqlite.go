package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	app_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('CREATED','STAGING_INPUTS','RUNNING','ARCHIVING','FINISHED','FAILED','STOPPED')),
	inputs BLOB,
	parameters BLOB,
	created_at INTEGER NOT NULL,
	start_time INTEGER,
	end_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_seq ON jobs(status, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username, seq);
`

const jobColumns = `job_id, username, token, app_id, name, status, inputs, parameters, created_at, start_time, end_time`

// SQLite is the single-file registry.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, opError("open", errors.New("empty sqlite path"))
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, opError("open", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, opError("open", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, opError("open", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, opError("init schema", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Named("registry").Info("opened sqlite registry", zap.String("path", path))
	return &SQLite{db: db, logger: logger.Named("registry")}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AddJob(ctx context.Context, rec domain.JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.StatusCreated
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, rec.Token, rec.AppID, rec.Name, string(rec.Status),
		rec.Inputs, rec.Parameters, toMillis(rec.CreatedAt),
		nullMillis(rec.StartTime), nullMillis(rec.EndTime),
	)
	if isUniqueViolation(err) {
		return opError("add job", errors.Wrap(ErrDuplicateJob, rec.ID))
	}
	return opError("add job", err)
}

func (s *SQLite) GetJob(ctx context.Context, id string) (domain.JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	rec, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, false, nil
	}
	if err != nil {
		return domain.JobRecord{}, false, opError("get job", err)
	}
	return rec, true, nil
}

func (s *SQLite) GetJobs(ctx context.Context) ([]domain.JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY seq`)
	return jobs, opError("get jobs", err)
}

func (s *SQLite) GetJobsForOwner(ctx context.Context, owner string) ([]domain.JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE username = ? ORDER BY seq`, owner)
	return jobs, opError("get jobs for owner", err)
}

func (s *SQLite) GetActiveJobs(ctx context.Context) ([]domain.JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN ('FINISHED','FAILED','STOPPED') ORDER BY seq`)
	return jobs, opError("get active jobs", err)
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, status domain.Status, finished bool) error {
	if !status.Valid() {
		return opError("update job", errors.Errorf("invalid status %q", status))
	}
	now := toMillis(time.Now().UTC())
	var start, end any
	if status == domain.StatusStagingInputs {
		start = now
	}
	if finished {
		end = now
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET status = ?, start_time = COALESCE(start_time, ?), end_time = COALESCE(?, end_time)
		WHERE job_id = ?`, string(status), start, end, id)
	if err != nil {
		return opError("update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return opError("update job", err)
	}
	if n == 0 {
		return opError("update job", errors.Wrap(ErrJobNotFound, id))
	}
	return nil
}

func (s *SQLite) StopJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'STOPPED'
		WHERE status NOT IN ('FINISHED','FAILED','STOPPED')`)
	if err != nil {
		return 0, opError("stop jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, opError("stop jobs", err)
	}
	if n > 0 {
		s.logger.Info("stopped unfinished jobs", zap.Int64("count", n))
	}
	return n, nil
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]domain.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (domain.JobRecord, error) {
	var (
		rec        domain.JobRecord
		status     string
		created    int64
		start, end sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.Token, &rec.AppID, &rec.Name, &status,
		&rec.Inputs, &rec.Parameters, &created, &start, &end); err != nil {
		return domain.JobRecord{}, err
	}
	s, err := domain.ParseStatus(status)
	if err != nil {
		return domain.JobRecord{}, err
	}
	rec.Status = s
	rec.CreatedAt = fromMillis(created)
	if start.Valid {
		t := fromMillis(start.Int64)
		rec.StartTime = &t
	}
	if end.Valid {
		t := fromMillis(end.Int64)
		rec.EndTime = &t
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
