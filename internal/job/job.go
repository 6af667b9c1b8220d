// Package job implements a single orchestrated job: its derived remote paths,
// its command line, and the staging, run and archive steps it performs on the
// target system.
package job

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/catalog"
	"github.com/SirClappington/planb/internal/datastore"
	"github.com/SirClappington/planb/internal/domain"
)

// IDPrefix starts every generated job id.
const IDPrefix = "planb-"

// NewID returns a fresh job id.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// Executor runs one command line on the job's target system.
type Executor interface {
	Execute(ctx context.Context, parts ...string) (string, error)
}

// PermissionService shares data-store paths with the service principal.
type PermissionService interface {
	GrantPermission(ctx context.Context, token, path string, level datastore.Permission, recursive bool) error
	MakeDirectory(ctx context.Context, token, dir string) error
}

// Settings are deployment-wide data-store conventions.
type Settings struct {
	// HomeRoot is the data store's absolute home collection, e.g. /iplant/home.
	HomeRoot string
	// SharedPrefix marks home-relative paths that are already readable by the
	// service principal, e.g. /shared.
	SharedPrefix string
	// ArchiveDir is the directory under each owner's home receiving results.
	ArchiveDir string
}

type Job struct {
	ID         string
	Owner      string
	Token      string
	Name       string
	AppID      string
	Status     domain.Status
	Inputs     Inputs
	Parameters Parameters
	CreatedAt  time.Time
	StartTime  *time.Time
	EndTime    *time.Time

	app      *catalog.App
	system   *catalog.System
	exec     Executor
	perms    PermissionService
	settings Settings
	logger   *zap.Logger
}

// SetStatus moves the job to s. It reports false without side effects when s
// is the current status and fails for edges the state machine forbids.
func (j *Job) SetStatus(s domain.Status) (bool, error) {
	if j.Status == s {
		return false, nil
	}
	if !domain.CanTransition(j.Status, s) {
		return false, errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, s)
	}
	now := time.Now().UTC()
	switch s {
	case domain.StatusStagingInputs:
		if j.StartTime == nil {
			j.StartTime = &now
		}
	case domain.StatusFinished:
		j.EndTime = &now
	}
	j.Status = s
	return true, nil
}

func (j *Job) App() *catalog.App { return j.app }

func (j *Job) System() *catalog.System { return j.system }

// StagingDir is the job's private working directory on the target system.
func (j *Job) StagingDir() string {
	return path.Join(j.system.StagingPath, j.ID)
}

// DataDir receives staged inputs and the job's outputs.
func (j *Job) DataDir() string {
	return j.StagingDir() + "/data/"
}

// MainLogFile is shared by every job on the target system.
func (j *Job) MainLogFile() string {
	return path.Join(j.system.StagingPath, "jobs.log")
}

// JobLogFile receives this job's run output.
func (j *Job) JobLogFile() string {
	return path.Join(j.DataDir(), "job.log")
}

// TargetPath is the job's directory in the cluster's own namespace. Only
// batch-cluster systems have one.
func (j *Job) TargetPath() (string, bool) {
	switch j.system.Type {
	case catalog.KindBatchCluster:
		return path.Join(j.system.ClusterRoot, j.ID), true
	default:
		return "", false
	}
}

// RunScript is the deployment bundle's entry point after staging.
func (j *Job) RunScript() string {
	bundle := path.Base(strings.TrimRight(j.app.DeploymentPath, "/"))
	return path.Join(j.StagingDir(), bundle, "run.sh")
}

// ArchivePath is the absolute data-store collection results are pushed to.
func (j *Job) ArchivePath() string {
	return path.Join(j.settings.HomeRoot, j.Owner, j.settings.ArchiveDir, "job-"+j.ID)
}

func (j *Job) homePath() string {
	return "/" + j.Owner
}

func (j *Job) archiveRoot() string {
	return path.Join(j.homePath(), j.settings.ArchiveDir)
}

// relativePath returns p relative to the data store home root.
func (j *Job) relativePath(p string) string {
	root := strings.TrimRight(j.settings.HomeRoot, "/")
	if root != "" && (p == root || strings.HasPrefix(p, root+"/")) {
		p = strings.TrimPrefix(p, root)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (j *Job) absolutePath(p string) string {
	return strings.TrimRight(j.settings.HomeRoot, "/") + j.relativePath(p)
}

// IsShared reports whether p lives under the shared namespace and therefore
// needs no permission grant before transfer.
func (j *Job) IsShared(p string) bool {
	prefix := strings.TrimRight(j.settings.SharedPrefix, "/")
	if prefix == "" {
		return false
	}
	rel := j.relativePath(p)
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

// inputPaths lists every input path in declared slot order.
func (j *Job) inputPaths() []string {
	var out []string
	for _, in := range j.app.Inputs {
		out = append(out, j.Inputs[in.ID]...)
	}
	return out
}

// Record converts the job back into its persisted shape.
func (j *Job) Record() (domain.JobRecord, error) {
	inputs, params, err := Encode(j.Inputs, j.Parameters)
	if err != nil {
		return domain.JobRecord{}, err
	}
	return domain.JobRecord{
		ID:         j.ID,
		Owner:      j.Owner,
		Token:      j.Token,
		AppID:      j.AppID,
		Name:       j.Name,
		Status:     j.Status,
		Inputs:     inputs,
		Parameters: params,
		CreatedAt:  j.CreatedAt,
		StartTime:  j.StartTime,
		EndTime:    j.EndTime,
	}, nil
}
