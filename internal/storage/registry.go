// Package storage is the durable job registry. It is the source of truth for
// job status; the scheduler rehydrates every job from it on each tick.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already exists")
)

// Registry persists job records.
type Registry interface {
	AddJob(ctx context.Context, rec domain.JobRecord) error
	// GetJob reports false when no job has the id.
	GetJob(ctx context.Context, id string) (domain.JobRecord, bool, error)
	GetJobs(ctx context.Context) ([]domain.JobRecord, error)
	GetJobsForOwner(ctx context.Context, owner string) ([]domain.JobRecord, error)
	// GetActiveJobs returns non-terminal jobs in insertion order.
	GetActiveJobs(ctx context.Context) ([]domain.JobRecord, error)
	// UpdateJob sets the status. Entering STAGING_INPUTS stamps the start
	// time once; finished stamps the end time.
	UpdateJob(ctx context.Context, id string, status domain.Status, finished bool) error
	// StopJobs marks every non-terminal job STOPPED and returns how many
	// changed.
	StopJobs(ctx context.Context) (int64, error)
	Close() error
}

// Error wraps a failed registry operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

type Options struct {
	// MigrationsDir holds the goose migrations for PostgreSQL.
	MigrationsDir string
	Logger        *zap.Logger
}

// Open picks the backend from location: postgres:// and postgresql:// DSNs
// open PostgreSQL, anything else is a SQLite file path with an optional
// sqlite:// prefix.
func Open(ctx context.Context, location string, opts Options) (Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch {
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		return OpenPostgres(ctx, location, opts)
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(location, "sqlite://"), opts)
	}
}
