package storage

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func openTestRegistry(t *testing.T) Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planb.db")
	r, err := Open(context.Background(), "sqlite://"+path, Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRegistry(t *testing.T) {
	t.Parallel()
	runRegistrySuite(t, openTestRegistry)
}

func TestSQLiteReopenKeepsJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "planb.db")

	first, err := OpenSQLite(ctx, path, Options{})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	mustAdd(t, first, testRecord("job-keep", "alice"))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := OpenSQLite(ctx, path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if got := mustGet(t, second, "job-keep"); got.Owner != "alice" {
		t.Fatalf("unexpected record after reopen %+v", got)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), "", Options{}); err == nil {
		t.Fatalf("expected an error for an empty location")
	}
}
