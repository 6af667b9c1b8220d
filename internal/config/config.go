package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	APIAddr   string `env:"API_ADDR" envDefault:":8080"`
	SchedAddr string `env:"SCHED_ADDR" envDefault:":9090"`
	LogLevel  string `env:"PLANB_LOG_LEVEL"`

	// Master enables the recovery sweep and the scheduler loop. Exactly one
	// process in a deployment may set it.
	Master bool `env:"PLANB_MASTER" envDefault:"false"`

	Registry      string `env:"PLANB_REGISTRY,notEmpty"`
	MigrationsDir string `env:"PLANB_MIGRATIONS_DIR" envDefault:"migrations/postgres"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	AppsFile    string `env:"PLANB_APPS_FILE" envDefault:"apps.yaml"`
	SystemsFile string `env:"PLANB_SYSTEMS_FILE" envDefault:"systems.yaml"`

	MaxRunningJobs  int           `env:"PLANB_MAX_RUNNING_JOBS" envDefault:"4"`
	InitialDelay    time.Duration `env:"PLANB_UPDATE_INITIAL_DELAY" envDefault:"5s"`
	RefreshInterval time.Duration `env:"PLANB_UPDATE_REFRESH_DELAY" envDefault:"5s"`
	// ShutdownTimeout bounds how long a stopping process waits for running
	// pipelines. Zero waits for all of them.
	ShutdownTimeout time.Duration `env:"PLANB_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	ArchiveDir       string `env:"PLANB_ARCHIVE_DIR" envDefault:"planb-jobs"`
	DataStoreHome    string `env:"PLANB_DATASTORE_HOME" envDefault:"/iplant/home"`
	SharedPrefix     string `env:"PLANB_SHARED_PREFIX" envDefault:"/shared"`
	ServicePrincipal string `env:"PLANB_SERVICE_PRINCIPAL" envDefault:"imicrobe"`
	FilesAPIURL      string `env:"PLANB_FILES_API_URL" envDefault:"https://agave.iplantc.org/files/v2/"`
	StorageSystem    string `env:"PLANB_STORAGE_SYSTEM" envDefault:"data.iplantcollaborative.org"`

	SSHKeyFile     string        `env:"PLANB_SSH_KEY_FILE"`
	SSHKnownHosts  string        `env:"PLANB_SSH_KNOWN_HOSTS"`
	SSHInsecure    bool          `env:"PLANB_SSH_INSECURE" envDefault:"false"`
	SSHDialTimeout time.Duration `env:"PLANB_SSH_DIAL_TIMEOUT" envDefault:"30s"`
	MaxOutputBytes int           `env:"PLANB_MAX_OUTPUT_BYTES" envDefault:"10485760"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxRunningJobs < 1 {
		return errors.Errorf("PLANB_MAX_RUNNING_JOBS must be at least 1, got %d", c.MaxRunningJobs)
	}
	if c.RefreshInterval <= 0 {
		return errors.Errorf("PLANB_UPDATE_REFRESH_DELAY must be positive, got %s", c.RefreshInterval)
	}
	if c.InitialDelay < 0 {
		return errors.Errorf("PLANB_UPDATE_INITIAL_DELAY must not be negative, got %s", c.InitialDelay)
	}
	if c.ShutdownTimeout < 0 {
		return errors.Errorf("PLANB_SHUTDOWN_TIMEOUT must not be negative, got %s", c.ShutdownTimeout)
	}
	if c.MaxOutputBytes < 10<<20 {
		return errors.Errorf("PLANB_MAX_OUTPUT_BYTES must be at least 10 MiB, got %d", c.MaxOutputBytes)
	}
	if !c.SSHInsecure && c.SSHKnownHosts == "" {
		return errors.New("PLANB_SSH_KNOWN_HOSTS is required unless PLANB_SSH_INSECURE is set")
	}
	return nil
}
