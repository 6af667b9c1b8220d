package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
	"github.com/SirClappington/planb/internal/job"
	"github.com/SirClappington/planb/internal/metrics"
)

// tasks tracks pipelines launched by this process, keyed by job id. Finished
// entries stay until their job leaves the active set so they are never
// relaunched. Jobs that failed to build are remembered the same way.
type tasks struct {
	mu       sync.Mutex
	byID     map[string]chan struct{}
	rejected map[string]struct{}
	wg       sync.WaitGroup
}

func newTasks() *tasks {
	return &tasks{
		byID:     make(map[string]chan struct{}),
		rejected: make(map[string]struct{}),
	}
}

func (t *tasks) reject(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected[id] = struct{}{}
}

func (t *tasks) isRejected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rejected[id]
	return ok
}

// add registers id and reports false if it is already tracked.
func (t *tasks) add(id string) (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		return nil, false
	}
	done := make(chan struct{})
	t.byID[id] = done
	t.wg.Add(1)
	return done, true
}

func (t *tasks) known(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byID[id]
	return ok
}

func (t *tasks) running(id string) bool {
	t.mu.Lock()
	done, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// prune forgets finished pipelines and rejected jobs that are no longer
// active.
func (t *tasks) prune(active map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.rejected {
		if _, ok := active[id]; !ok {
			delete(t.rejected, id)
		}
	}
	for id, done := range t.byID {
		if _, ok := active[id]; ok {
			continue
		}
		select {
		case <-done:
			delete(t.byID, id)
		default:
		}
	}
}

func (t *tasks) doneChan(id string) (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	done, ok := t.byID[id]
	return done, ok
}

// launch starts j's pipeline in its own goroutine, detached from the loop's
// cancellation.
func (m *Manager) launch(ctx context.Context, j *job.Job) bool {
	done, ok := m.tasks.add(j.ID)
	if !ok {
		return false
	}
	metrics.JobsLaunchedTotal.Inc()
	m.logger.Info("launching job", zap.String("job_id", j.ID), zap.String("app_id", j.AppID))

	pctx := context.WithoutCancel(ctx)
	go func() {
		defer m.tasks.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("job pipeline panicked", zap.String("job_id", j.ID), zap.Any("panic", r))
			}
		}()
		m.runPipeline(pctx, j)
	}()
	return true
}

type step struct {
	status domain.Status
	name   string
	run    func(context.Context) error
}

// runPipeline persists each status before the step it names begins.
func (m *Manager) runPipeline(ctx context.Context, j *job.Job) {
	steps := []step{
		{domain.StatusStagingInputs, "stage_inputs", j.StageInputs},
		{domain.StatusRunning, "run", j.Run},
		{domain.StatusArchiving, "archive", j.Archive},
	}
	for _, s := range steps {
		if err := m.transition(ctx, j, s.status); err != nil {
			m.fail(ctx, j, s.name, err)
			return
		}
		start := time.Now()
		err := callStep(ctx, s.run)
		metrics.JobStepSeconds.WithLabelValues(s.name, strconv.FormatBool(err == nil)).Observe(time.Since(start).Seconds())
		if err != nil {
			m.fail(ctx, j, s.name, err)
			return
		}
	}
	if err := m.transition(ctx, j, domain.StatusFinished); err != nil {
		m.fail(ctx, j, "finish", err)
		return
	}
	m.logger.Info("job finished", zap.String("job_id", j.ID))
}

// callStep turns a panicking step into an error.
func callStep(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (m *Manager) fail(ctx context.Context, j *job.Job, stepName string, cause error) {
	m.logger.Error("job step failed",
		zap.String("job_id", j.ID),
		zap.String("step", stepName),
		zap.Error(cause),
	)
	if err := m.transition(ctx, j, domain.StatusFailed); err != nil {
		m.logger.Error("could not mark job failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// Wait blocks until the pipeline launched for id ends or ctx is done. Ids
// this process never launched return immediately.
func (m *Manager) Wait(ctx context.Context, id string) error {
	done, ok := m.tasks.doneChan(id)
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every launched pipeline has ended.
func (m *Manager) WaitAll() {
	m.tasks.wg.Wait()
}

// Drain is WaitAll bounded by ctx. Pipelines still running when ctx ends are
// left behind; the next recovery sweep marks their jobs STOPPED.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.tasks.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
