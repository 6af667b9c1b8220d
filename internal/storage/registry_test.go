package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/SirClappington/planb/internal/domain"
)

// runRegistrySuite exercises behavior every backend must share.
func runRegistrySuite(t *testing.T, open func(t *testing.T) Registry) {
	t.Run("blobs round trip", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		rec := testRecord("job-blob", "alice")
		rec.Inputs = []byte{0x00, 0xff, '{', '"', 0x01}
		rec.Parameters = []byte(`{"K":[1,2,3]}`)
		mustAdd(t, r, rec)

		got := mustGet(t, r, rec.ID)
		if !bytes.Equal(got.Inputs, rec.Inputs) || !bytes.Equal(got.Parameters, rec.Parameters) {
			t.Fatalf("blobs changed: %v %v", got.Inputs, got.Parameters)
		}
		if got.Owner != "alice" || got.Token != "tok-job-blob" || got.AppID != "libra-1.0" || got.Status != domain.StatusCreated {
			t.Fatalf("unexpected record %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Fatalf("created time must be recorded")
		}
		if _, ok, err := r.GetJob(ctx, "missing"); ok || err != nil {
			t.Fatalf("missing job should report false without error, got %v %v", ok, err)
		}
	})

	t.Run("duplicate add", func(t *testing.T) {
		r := open(t)
		rec := testRecord("job-dup", "alice")
		mustAdd(t, r, rec)
		err := r.AddJob(context.Background(), rec)
		if !errors.Is(err, ErrDuplicateJob) {
			t.Fatalf("expected ErrDuplicateJob, got %v", err)
		}
		var regErr *Error
		if !errors.As(err, &regErr) || regErr.Op != "add job" {
			t.Fatalf("expected registry error, got %T", err)
		}
	})

	t.Run("active jobs keep insertion order", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			mustAdd(t, r, testRecord(fmt.Sprintf("job-%d", 4-i), "alice"))
		}
		if err := r.UpdateJob(ctx, "job-2", domain.StatusFailed, false); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		if err := r.UpdateJob(ctx, "job-3", domain.StatusStagingInputs, false); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}

		active, err := r.GetActiveJobs(ctx)
		if err != nil {
			t.Fatalf("GetActiveJobs: %v", err)
		}
		want := []string{"job-4", "job-3", "job-1", "job-0"}
		if len(active) != len(want) {
			t.Fatalf("got %d active jobs, want %d", len(active), len(want))
		}
		for i, id := range want {
			if active[i].ID != id {
				t.Fatalf("active[%d] = %s, want %s", i, active[i].ID, id)
			}
		}
	})

	t.Run("update stamps times", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		mustAdd(t, r, testRecord("job-t", "alice"))

		if err := r.UpdateJob(ctx, "job-t", domain.StatusStagingInputs, false); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		staged := mustGet(t, r, "job-t")
		if staged.StartTime == nil || staged.EndTime != nil {
			t.Fatalf("staging must set start only, got %v %v", staged.StartTime, staged.EndTime)
		}
		for _, s := range []domain.Status{domain.StatusRunning, domain.StatusArchiving} {
			if err := r.UpdateJob(ctx, "job-t", s, false); err != nil {
				t.Fatalf("UpdateJob(%s): %v", s, err)
			}
		}
		if err := r.UpdateJob(ctx, "job-t", domain.StatusFinished, true); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		done := mustGet(t, r, "job-t")
		if done.Status != domain.StatusFinished || done.EndTime == nil {
			t.Fatalf("finished job must have an end time: %+v", done)
		}
		if !done.StartTime.Equal(*staged.StartTime) {
			t.Fatalf("start time must not move: %v -> %v", staged.StartTime, done.StartTime)
		}
	})

	t.Run("update unknown job", func(t *testing.T) {
		r := open(t)
		err := r.UpdateJob(context.Background(), "nope", domain.StatusRunning, false)
		if !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("stop sweep", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		statuses := []domain.Status{
			domain.StatusCreated, domain.StatusStagingInputs, domain.StatusRunning,
			domain.StatusArchiving, domain.StatusFinished, domain.StatusFailed,
		}
		want := []domain.Status{
			domain.StatusStopped, domain.StatusStopped, domain.StatusStopped,
			domain.StatusStopped, domain.StatusFinished, domain.StatusFailed,
		}
		for i, s := range statuses {
			rec := testRecord(fmt.Sprintf("job-s%d", i), "alice")
			rec.Status = s
			mustAdd(t, r, rec)
		}

		n, err := r.StopJobs(ctx)
		if err != nil {
			t.Fatalf("StopJobs: %v", err)
		}
		if n != 4 {
			t.Fatalf("expected 4 stopped jobs, got %d", n)
		}
		for i := range statuses {
			got := mustGet(t, r, fmt.Sprintf("job-s%d", i))
			if got.Status != want[i] {
				t.Fatalf("%s: status %s, want %s", statuses[i], got.Status, want[i])
			}
		}
		if active, _ := r.GetActiveJobs(ctx); len(active) != 0 {
			t.Fatalf("no job may stay active after the sweep, got %d", len(active))
		}
	})

	t.Run("owner scoping", func(t *testing.T) {
		r := open(t)
		ctx := context.Background()
		mustAdd(t, r, testRecord("job-a1", "alice"))
		mustAdd(t, r, testRecord("job-b1", "bob"))
		mustAdd(t, r, testRecord("job-a2", "alice"))

		mine, err := r.GetJobsForOwner(ctx, "alice")
		if err != nil {
			t.Fatalf("GetJobsForOwner: %v", err)
		}
		if len(mine) != 2 || mine[0].ID != "job-a1" || mine[1].ID != "job-a2" {
			t.Fatalf("unexpected owner jobs %+v", mine)
		}
		all, err := r.GetJobs(ctx)
		if err != nil {
			t.Fatalf("GetJobs: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 jobs, got %d", len(all))
		}
	})
}

func testRecord(id, owner string) domain.JobRecord {
	return domain.JobRecord{
		ID:         id,
		Owner:      owner,
		Token:      "tok-" + id,
		AppID:      "libra-1.0",
		Name:       "run " + id,
		Status:     domain.StatusCreated,
		Inputs:     []byte(`{}`),
		Parameters: []byte(`{}`),
	}
}

func mustAdd(t *testing.T, r Registry, rec domain.JobRecord) {
	t.Helper()
	if err := r.AddJob(context.Background(), rec); err != nil {
		t.Fatalf("AddJob(%s): %v", rec.ID, err)
	}
}

func mustGet(t *testing.T, r Registry, id string) domain.JobRecord {
	t.Helper()
	rec, ok, err := r.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return rec
}
