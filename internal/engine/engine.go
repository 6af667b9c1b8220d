// Package engine assembles the job manager and its collaborators from
// configuration.
package engine

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/catalog"
	"github.com/SirClappington/planb/internal/config"
	"github.com/SirClappington/planb/internal/datastore"
	"github.com/SirClappington/planb/internal/events"
	"github.com/SirClappington/planb/internal/job"
	"github.com/SirClappington/planb/internal/remote"
	"github.com/SirClappington/planb/internal/scheduler"
	"github.com/SirClappington/planb/internal/storage"
)

type Engine struct {
	Manager  *scheduler.Manager
	Registry storage.Registry
	Catalog  *catalog.Catalog

	transport       *remote.SSHTransport
	rdb             *r.Client
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// New opens the registry, loads the catalog and wires the manager. Callers
// must Close the engine.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Engine, err error) {
	e := &Engine{shutdownTimeout: cfg.ShutdownTimeout, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, e.Close())
		}
	}()

	e.Catalog, err = catalog.Load(cfg.AppsFile, cfg.SystemsFile)
	if err != nil {
		return nil, errors.Wrap(err, "load catalog")
	}
	logger.Info("catalog loaded", zap.Strings("apps", e.Catalog.AppIDs()))

	e.Registry, err = storage.Open(ctx, cfg.Registry, storage.Options{
		MigrationsDir: cfg.MigrationsDir,
		Logger:        logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open registry")
	}

	e.transport, err = remote.NewSSHTransport(remote.SSHConfig{
		KeyFile:        cfg.SSHKeyFile,
		AgentSocket:    os.Getenv("SSH_AUTH_SOCK"),
		KnownHostsFile: cfg.SSHKnownHosts,
		Insecure:       cfg.SSHInsecure,
		DialTimeout:    cfg.SSHDialTimeout,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "ssh transport")
	}

	files, err := datastore.New(datastore.Config{
		FilesURL:      cfg.FilesAPIURL,
		StorageSystem: cfg.StorageSystem,
		Principal:     cfg.ServicePrincipal,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "datastore client")
	}

	publisher := events.Nop()
	if cfg.RedisAddr != "" {
		e.rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := e.rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, transitions will not be published", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		publisher = events.New(e.rdb, logger)
	}

	factory := &job.Factory{
		Catalog:     e.Catalog,
		Transport:   e.transport,
		Permissions: files,
		Settings: job.Settings{
			HomeRoot:     cfg.DataStoreHome,
			SharedPrefix: cfg.SharedPrefix,
			ArchiveDir:   cfg.ArchiveDir,
		},
		Logger:  logger,
		Gateway: []remote.Option{remote.WithMaxOutput(cfg.MaxOutputBytes)},
	}

	e.Manager = scheduler.New(scheduler.Config{
		Master:           cfg.Master,
		MaxRunningJobs:   cfg.MaxRunningJobs,
		InitialDelay:     cfg.InitialDelay,
		RefreshInterval:  cfg.RefreshInterval,
		ServicePrincipal: cfg.ServicePrincipal,
	}, e.Registry, factory, publisher, logger)
	return e, nil
}

// Close waits up to the shutdown timeout for launched pipelines and releases
// every connection.
func (e *Engine) Close() error {
	if e.Manager != nil {
		e.logger.Info("waiting for running jobs", zap.Duration("timeout", e.shutdownTimeout))
		ctx := context.Background()
		if e.shutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.shutdownTimeout)
			defer cancel()
		}
		if err := e.Manager.Drain(ctx); err != nil {
			e.logger.Warn("abandoning running jobs", zap.Error(err))
		}
	}
	var err error
	if e.transport != nil {
		err = multierr.Append(err, e.transport.Close())
	}
	if e.rdb != nil {
		err = multierr.Append(err, e.rdb.Close())
	}
	if e.Registry != nil {
		err = multierr.Append(err, e.Registry.Close())
	}
	return err
}
