package job

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/catalog"
	"github.com/SirClappington/planb/internal/domain"
	"github.com/SirClappington/planb/internal/remote"
)

// Factory rehydrates jobs from registry records, resolving their application
// and system once and wiring a gateway for the system.
type Factory struct {
	Catalog     *catalog.Catalog
	Transport   remote.Transport
	Permissions PermissionService
	Settings    Settings
	Logger      *zap.Logger
	Gateway     []remote.Option
}

// Build returns a *ConfigurationError when the record cannot be resolved.
func (f *Factory) Build(rec domain.JobRecord) (*Job, error) {
	confErr := func(err error) error {
		return &ConfigurationError{JobID: rec.ID, AppID: rec.AppID, Err: err}
	}
	if rec.ID == "" {
		return nil, confErr(errors.New("missing job id"))
	}
	app, err := f.Catalog.App(rec.AppID)
	if err != nil {
		return nil, confErr(err)
	}
	sys, err := f.Catalog.System(app.ExecutionSystem)
	if err != nil {
		return nil, confErr(err)
	}
	inputs, params, err := Decode(rec.Inputs, rec.Parameters)
	if err != nil {
		return nil, confErr(err)
	}
	for id := range inputs {
		if _, ok := app.Input(id); !ok {
			return nil, confErr(errors.Errorf("undeclared input %q", id))
		}
	}
	for id := range params {
		if _, ok := app.Parameter(id); !ok {
			return nil, confErr(errors.Errorf("undeclared parameter %q", id))
		}
	}
	status := rec.Status
	if status == "" {
		status = domain.StatusCreated
	}

	logger := f.Logger.Named("job").With(zap.String("job_id", rec.ID), zap.String("owner", rec.Owner))
	target := remote.Target{
		Host: sys.Hostname,
		Port: sys.Port,
		User: sys.Username,
		Env:  sys.Env,
	}
	return &Job{
		ID:         rec.ID,
		Owner:      rec.Owner,
		Token:      rec.Token,
		Name:       rec.Name,
		AppID:      rec.AppID,
		Status:     status,
		Inputs:     inputs,
		Parameters: params,
		CreatedAt:  rec.CreatedAt,
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
		app:        app,
		system:     sys,
		exec:       remote.NewGateway(f.Transport, target, f.Logger, f.Gateway...),
		perms:      f.Permissions,
		settings:   f.Settings,
		logger:     logger,
	}, nil
}
