package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
)

// DefaultMigrationsDir is used when Options.MigrationsDir is empty.
const DefaultMigrationsDir = "migrations/postgres"

// Postgres is the shared registry backed by a pgx pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres applies pending migrations and connects the pool.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registry")

	dir := opts.MigrationsDir
	if dir == "" {
		dir = DefaultMigrationsDir
	}
	if err := migrate(dsn, dir); err != nil {
		return nil, opError("migrate", err)
	}

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, opError("open", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, opError("open", err)
	}
	logger.Info("opened postgres registry", zap.String("migrations", dir))
	return &Postgres{db: db, logger: logger}, nil
}

func migrate(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return errors.Wrapf(goose.Up(db, dir), "apply migrations from %s", dir)
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func (s *Postgres) AddJob(ctx context.Context, rec domain.JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.StatusCreated
	}
	_, err := s.db.Exec(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.Owner, rec.Token, rec.AppID, rec.Name, string(rec.Status),
		rec.Inputs, rec.Parameters, rec.CreatedAt, rec.StartTime, rec.EndTime,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return opError("add job", errors.Wrap(ErrDuplicateJob, rec.ID))
	}
	return opError("add job", err)
}

func (s *Postgres) GetJob(ctx context.Context, id string) (domain.JobRecord, bool, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where job_id = $1`, id)
	rec, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobRecord{}, false, nil
	}
	if err != nil {
		return domain.JobRecord{}, false, opError("get job", err)
	}
	return rec, true, nil
}

func (s *Postgres) GetJobs(ctx context.Context) ([]domain.JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `select `+jobColumns+` from jobs order by seq`)
	return jobs, opError("get jobs", err)
}

func (s *Postgres) GetJobsForOwner(ctx context.Context, owner string) ([]domain.JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `select `+jobColumns+` from jobs where username = $1 order by seq`, owner)
	return jobs, opError("get jobs for owner", err)
}

func (s *Postgres) GetActiveJobs(ctx context.Context) ([]domain.JobRecord, error) {
	jobs, err := s.queryJobs(ctx, `select `+jobColumns+` from jobs
where status not in ('FINISHED','FAILED','STOPPED') order by seq`)
	return jobs, opError("get active jobs", err)
}

func (s *Postgres) UpdateJob(ctx context.Context, id string, status domain.Status, finished bool) error {
	if !status.Valid() {
		return opError("update job", errors.Errorf("invalid status %q", status))
	}
	now := time.Now().UTC()
	var start, end *time.Time
	if status == domain.StatusStagingInputs {
		start = &now
	}
	if finished {
		end = &now
	}
	tag, err := s.db.Exec(ctx, `update jobs
   set status = $1,
       start_time = coalesce(start_time, $2::timestamptz),
       end_time = coalesce($3::timestamptz, end_time)
 where job_id = $4`, string(status), start, end, id)
	if err != nil {
		return opError("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return opError("update job", errors.Wrap(ErrJobNotFound, id))
	}
	return nil
}

func (s *Postgres) StopJobs(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `update jobs set status = 'STOPPED'
where status not in ('FINISHED','FAILED','STOPPED')`)
	if err != nil {
		return 0, opError("stop jobs", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("stopped unfinished jobs", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) queryJobs(ctx context.Context, query string, args ...any) ([]domain.JobRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPostgresJob(row pgx.Row) (domain.JobRecord, error) {
	var (
		rec    domain.JobRecord
		status string
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.Token, &rec.AppID, &rec.Name, &status,
		&rec.Inputs, &rec.Parameters, &rec.CreatedAt, &rec.StartTime, &rec.EndTime); err != nil {
		return domain.JobRecord{}, err
	}
	s, err := domain.ParseStatus(status)
	if err != nil {
		return domain.JobRecord{}, err
	}
	rec.Status = s
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
