// Package scheduler is the job manager: it recovers from crashes, admits
// CREATED jobs under a concurrency cap and drives each job's pipeline.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
	"github.com/SirClappington/planb/internal/events"
	"github.com/SirClappington/planb/internal/job"
	"github.com/SirClappington/planb/internal/metrics"
	"github.com/SirClappington/planb/internal/storage"
)

// ErrNotMaster is returned by loop operations on a manager that does not own
// the scheduling role.
var ErrNotMaster = errors.New("job manager is not the master")

type Config struct {
	Master          bool
	MaxRunningJobs  int
	InitialDelay    time.Duration
	RefreshInterval time.Duration
	// ServicePrincipal may read every job.
	ServicePrincipal string
}

// Builder rehydrates a job from its registry record.
type Builder interface {
	Build(rec domain.JobRecord) (*job.Job, error)
}

type Manager struct {
	cfg      Config
	registry storage.Registry
	builder  Builder
	events   events.Publisher
	logger   *zap.Logger
	tasks    *tasks
}

func New(cfg Config, registry storage.Registry, builder Builder, publisher events.Publisher, logger *zap.Logger) *Manager {
	if cfg.MaxRunningJobs <= 0 {
		cfg.MaxRunningJobs = 4
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		builder:  builder,
		events:   publisher,
		logger:   logger.Named("scheduler"),
		tasks:    newTasks(),
	}
}

// Recover marks every job left unfinished by a previous process STOPPED.
func (m *Manager) Recover(ctx context.Context) error {
	if !m.cfg.Master {
		return ErrNotMaster
	}
	n, err := m.registry.StopJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "stop unfinished jobs")
	}
	metrics.JobsStoppedTotal.Add(float64(n))
	m.logger.Info("recovery sweep finished", zap.Int64("stopped", n))
	return nil
}

// Start recovers and then runs the loop until ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Recover(ctx); err != nil {
		return err
	}
	return m.Run(ctx)
}

// Run ticks after the initial delay and then a fixed interval after each
// tick returns. It returns nil once ctx ends; launched pipelines keep going.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Master {
		return ErrNotMaster
	}
	m.logger.Info("scheduler loop started",
		zap.Int("max_running_jobs", m.cfg.MaxRunningJobs),
		zap.Duration("initial_delay", m.cfg.InitialDelay),
		zap.Duration("refresh_interval", m.cfg.RefreshInterval),
	)
	timer := time.NewTimer(m.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("scheduler loop stopped")
			return nil
		case <-timer.C:
			m.tick(ctx)
			timer.Reset(m.cfg.RefreshInterval)
		}
	}
}

// tick admits CREATED jobs in registry order while the in-flight count is
// below the cap.
func (m *Manager) tick(ctx context.Context) {
	recs, err := m.registry.GetActiveJobs(ctx)
	if err != nil {
		m.logger.Error("list active jobs", zap.Error(err))
		return
	}

	active := make(map[string]struct{}, len(recs))
	inFlight := 0
	var waiting []domain.JobRecord
	for _, rec := range recs {
		active[rec.ID] = struct{}{}
		switch {
		case rec.Status.IsInFlight():
			inFlight++
		case rec.Status != domain.StatusCreated:
		case m.tasks.running(rec.ID):
			// Launched here, first transition not yet persisted.
			inFlight++
		case m.tasks.known(rec.ID):
			// Pipeline ended without persisting; never relaunched.
		case m.tasks.isRejected(rec.ID):
		default:
			waiting = append(waiting, rec)
		}
	}
	m.tasks.prune(active)

	launched, left := 0, 0
	for i, rec := range waiting {
		if inFlight >= m.cfg.MaxRunningJobs {
			left = len(waiting) - i
			break
		}
		j, err := m.builder.Build(rec)
		if err != nil {
			m.tasks.reject(rec.ID)
			m.logger.Warn("skipping job that cannot be built", zap.String("job_id", rec.ID), zap.Error(err))
			continue
		}
		if m.launch(ctx, j) {
			inFlight++
			launched++
		}
	}
	metrics.JobsInFlight.Set(float64(inFlight))
	metrics.JobsWaiting.Set(float64(left))
	if launched > 0 {
		m.logger.Info("launched jobs", zap.Int("launched", launched), zap.Int("in_flight", inFlight))
	}
}

// transition applies s in memory and persists it. Same-status calls do
// nothing.
func (m *Manager) transition(ctx context.Context, j *job.Job, s domain.Status) error {
	from := j.Status
	changed, err := j.SetStatus(s)
	if err != nil || !changed {
		return err
	}
	if err := m.registry.UpdateJob(ctx, j.ID, s, s == domain.StatusFinished); err != nil {
		metrics.RegistryDivergenceTotal.Inc()
		m.logger.Error("job status not persisted; in-memory and registry state diverge",
			zap.String("job_id", j.ID),
			zap.String("memory_status", string(s)),
			zap.String("registry_status", string(from)),
			zap.Error(err),
		)
		return errors.Wrapf(err, "persist status %s", s)
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(s)).Inc()
	m.logger.Info("job status changed",
		zap.String("job_id", j.ID),
		zap.String("from", string(from)),
		zap.String("to", string(s)),
	)
	err = m.events.Publish(ctx, events.Transition{
		JobID: j.ID,
		Owner: j.Owner,
		From:  from,
		To:    s,
		At:    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("publish transition", zap.String("job_id", j.ID), zap.Error(err))
	}
	return nil
}

// SubmitRequest is a new job as a caller describes it.
type SubmitRequest struct {
	Owner      string
	Token      string
	Name       string
	AppID      string
	Inputs     job.Inputs
	Parameters job.Parameters
}

// Submit validates req against the catalog and persists it as CREATED. It
// returns a *job.ConfigurationError for requests that can never run.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (domain.JobRecord, error) {
	id := job.NewID()
	if req.Owner == "" {
		return domain.JobRecord{}, &job.ConfigurationError{JobID: id, AppID: req.AppID, Err: errors.New("missing owner")}
	}
	inputs, params, err := job.Encode(req.Inputs, req.Parameters)
	if err != nil {
		return domain.JobRecord{}, &job.ConfigurationError{JobID: id, AppID: req.AppID, Err: err}
	}
	rec := domain.JobRecord{
		ID:         id,
		Owner:      req.Owner,
		Token:      req.Token,
		AppID:      req.AppID,
		Name:       req.Name,
		Status:     domain.StatusCreated,
		Inputs:     inputs,
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := m.builder.Build(rec); err != nil {
		return domain.JobRecord{}, err
	}
	if err := m.registry.AddJob(ctx, rec); err != nil {
		return domain.JobRecord{}, errors.Wrap(err, "submit job")
	}
	m.logger.Info("job submitted",
		zap.String("job_id", rec.ID),
		zap.String("owner", rec.Owner),
		zap.String("app_id", rec.AppID),
	)
	return rec, nil
}

// GetJob returns the job if username owns it or is the service principal.
func (m *Manager) GetJob(ctx context.Context, id, username string) (domain.JobRecord, error) {
	rec, ok, err := m.registry.GetJob(ctx, id)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if !ok || (rec.Owner != username && !m.isPrincipal(username)) {
		return domain.JobRecord{}, errors.Wrap(storage.ErrJobNotFound, id)
	}
	return rec, nil
}

// GetJobs lists every job for the service principal or an empty username and
// the caller's own jobs otherwise.
func (m *Manager) GetJobs(ctx context.Context, username string) ([]domain.JobRecord, error) {
	if username == "" || m.isPrincipal(username) {
		return m.registry.GetJobs(ctx)
	}
	return m.registry.GetJobsForOwner(ctx, username)
}

func (m *Manager) isPrincipal(username string) bool {
	return m.cfg.ServicePrincipal != "" && username == m.cfg.ServicePrincipal
}
