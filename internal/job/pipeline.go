package job

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/datastore"
)

// StageInputs prepares the staging directory, fetches the application bundle,
// shares the owner's archive and input paths with the service principal and
// fetches every input into the data directory. Commands run strictly in order
// and the first failure aborts the rest.
func (j *Job) StageInputs(ctx context.Context) error {
	log := j.logger.With(zap.String("step", "stage_inputs"))
	if target, ok := j.TargetPath(); ok {
		log.Info("staging job", zap.String("staging_dir", j.StagingDir()), zap.String("target_path", target))
	} else {
		log.Info("staging job", zap.String("staging_dir", j.StagingDir()))
	}

	if _, err := j.exec.Execute(ctx, "mkdir", "-p", quotePath(j.DataDir()), "&&", "touch", quotePath(j.JobLogFile())); err != nil {
		return errors.Wrap(err, "create staging directory")
	}
	if _, err := j.exec.Execute(ctx, "iget", "-Tr", quotePath(j.app.DeploymentPath), quotePath(j.StagingDir())); err != nil {
		return errors.Wrap(err, "fetch deployment bundle")
	}

	// Sharing inside the home path only works once the home path itself is shared.
	if err := j.perms.GrantPermission(ctx, j.Token, j.homePath(), datastore.PermissionRead, false); err != nil {
		return errors.Wrap(err, "share home path")
	}
	if err := j.perms.MakeDirectory(ctx, j.Token, j.archiveRoot()); err != nil {
		return errors.Wrap(err, "create archive directory")
	}
	if err := j.perms.GrantPermission(ctx, j.Token, j.archiveRoot(), datastore.PermissionReadWrite, true); err != nil {
		return errors.Wrap(err, "share archive directory")
	}

	inputs := j.inputPaths()
	for _, p := range inputs {
		if j.IsShared(p) {
			log.Debug("input already shared", zap.String("path", p))
			continue
		}
		if err := j.perms.GrantPermission(ctx, j.Token, j.relativePath(p), datastore.PermissionRead, true); err != nil {
			return errors.Wrapf(err, "share input %s", p)
		}
	}
	for _, p := range inputs {
		log.Info("staging input", zap.String("path", p))
		if _, err := j.exec.Execute(ctx, "iget", "-Tr", quotePath(j.absolutePath(p)), quotePath(j.stagedPath(p))); err != nil {
			return errors.Wrapf(err, "fetch input %s", p)
		}
	}
	return nil
}

// Run invokes the bundle's run script. Output is appended to both the shared
// cluster log and the job's own log.
func (j *Job) Run(ctx context.Context) error {
	j.logger.Info("running job", zap.String("step", "run"), zap.String("script", j.RunScript()))
	_, err := j.exec.Execute(ctx,
		"sh", quotePath(j.RunScript()), j.Arguments(),
		"2>&1", "|", "tee", "-a", quotePath(j.MainLogFile()), quotePath(j.JobLogFile()),
	)
	return errors.Wrap(err, "run script")
}

// Archive pushes the data directory to the owner's archive and hands
// ownership of the result to the owner.
func (j *Job) Archive(ctx context.Context) error {
	dest := j.ArchivePath()
	j.logger.Info("archiving job", zap.String("step", "archive"), zap.String("archive_path", dest))
	if _, err := j.exec.Execute(ctx, "iput", "-Tr", quotePath(j.DataDir()), quotePath(dest)); err != nil {
		return errors.Wrap(err, "push results")
	}
	if _, err := j.exec.Execute(ctx, "ichmod", "-r", "own", quotePath(j.Owner), quotePath(dest)); err != nil {
		return errors.Wrap(err, "transfer ownership")
	}
	return nil
}
