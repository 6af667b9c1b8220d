// Package catalog holds the static application and target-system descriptors
// jobs are built from. Both files are read once at startup.
package catalog

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownApp    = errors.New("unknown application")
	ErrUnknownSystem = errors.New("unknown execution system")
)

// SystemKind selects how paths on a target system are derived.
type SystemKind string

const (
	// KindGeneric is a plain host: staging happens on its filesystem.
	KindGeneric SystemKind = "generic"
	// KindBatchCluster additionally exposes a cluster namespace (e.g. HDFS)
	// rooted at ClusterRoot.
	KindBatchCluster SystemKind = "batch-cluster"
)

func (k *SystemKind) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "generic":
		*k = KindGeneric
	case "batch-cluster", "batch_cluster", "hadoop":
		*k = KindBatchCluster
	default:
		return errors.Errorf("line %d: unknown system type %q", node.Line, raw)
	}
	return nil
}

// ValueKind is how a parameter value is rendered on the command line.
type ValueKind string

const (
	ValuePlain ValueKind = "plain"
	ValueList  ValueKind = "list"
	ValueFlag  ValueKind = "flag"
)

func (k *ValueKind) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "plain", "string", "number", "enumeration":
		*k = ValuePlain
	case "list", "array":
		*k = ValueList
	case "flag", "bool", "boolean":
		*k = ValueFlag
	default:
		return errors.Errorf("line %d: unknown parameter type %q", node.Line, raw)
	}
	return nil
}

// Input is a declared input slot.
type Input struct {
	ID       string `yaml:"id"`
	Argument string `yaml:"argument"`
}

// Parameter is a declared parameter with its flag, default and kind.
type Parameter struct {
	ID       string    `yaml:"id"`
	Argument string    `yaml:"argument"`
	Type     ValueKind `yaml:"type"`
	Default  any       `yaml:"default"`
}

// App describes a deployable application.
type App struct {
	ID              string      `yaml:"-"`
	Name            string      `yaml:"name"`
	ExecutionSystem string      `yaml:"executionSystem"`
	DeploymentPath  string      `yaml:"deploymentPath"`
	Inputs          []Input     `yaml:"inputs"`
	Parameters      []Parameter `yaml:"parameters"`
}

// Input returns the declared input slot with the given id.
func (a *App) Input(id string) (Input, bool) {
	for _, in := range a.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return Input{}, false
}

// Parameter returns the declared parameter with the given id.
func (a *App) Parameter(id string) (Parameter, bool) {
	for _, p := range a.Parameters {
		if p.ID == id {
			return p, true
		}
	}
	return Parameter{}, false
}

// System describes a target system reachable over SSH.
type System struct {
	ID          string            `yaml:"-"`
	Hostname    string            `yaml:"hostname"`
	Port        int               `yaml:"port"`
	Username    string            `yaml:"username"`
	StagingPath string            `yaml:"stagingPath"`
	Type        SystemKind        `yaml:"type"`
	ClusterRoot string            `yaml:"clusterRoot"`
	Env         map[string]string `yaml:"env"`
}

// Catalog is the read-only set of apps and systems.
type Catalog struct {
	apps    map[string]*App
	systems map[string]*System
}

// Load reads the apps and systems files. JSON files are accepted too.
func Load(appsPath, systemsPath string) (*Catalog, error) {
	var apps map[string]*App
	if err := decodeFile(appsPath, &apps); err != nil {
		return nil, err
	}
	var systems map[string]*System
	if err := decodeFile(systemsPath, &systems); err != nil {
		return nil, err
	}
	return New(apps, systems)
}

func decodeFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read catalog")
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

// New validates and indexes already decoded descriptors.
func New(apps map[string]*App, systems map[string]*System) (*Catalog, error) {
	c := &Catalog{
		apps:    make(map[string]*App, len(apps)),
		systems: make(map[string]*System, len(systems)),
	}
	for id, sys := range systems {
		if sys == nil {
			return nil, errors.Errorf("system %q: empty descriptor", id)
		}
		sys.ID = id
		if sys.Type == "" {
			sys.Type = KindGeneric
		}
		if err := validateSystem(sys); err != nil {
			return nil, err
		}
		c.systems[id] = sys
	}
	for id, app := range apps {
		if app == nil {
			return nil, errors.Errorf("app %q: empty descriptor", id)
		}
		app.ID = id
		if err := c.validateApp(app); err != nil {
			return nil, err
		}
		c.apps[id] = app
	}
	return c, nil
}

func validateSystem(sys *System) error {
	if sys.Hostname == "" || sys.Username == "" {
		return errors.Errorf("system %q: hostname and username are required", sys.ID)
	}
	if !strings.HasPrefix(sys.StagingPath, "/") {
		return errors.Errorf("system %q: stagingPath must be absolute", sys.ID)
	}
	switch sys.Type {
	case KindGeneric:
	case KindBatchCluster:
		if !strings.HasPrefix(sys.ClusterRoot, "/") {
			return errors.Errorf("system %q: batch-cluster systems need an absolute clusterRoot", sys.ID)
		}
	default:
		return errors.Errorf("system %q: unknown type %q", sys.ID, sys.Type)
	}
	return nil
}

func (c *Catalog) validateApp(app *App) error {
	if app.DeploymentPath == "" {
		return errors.Errorf("app %q: deploymentPath is required", app.ID)
	}
	if _, ok := c.systems[app.ExecutionSystem]; !ok {
		return errors.Wrapf(ErrUnknownSystem, "app %q references %q", app.ID, app.ExecutionSystem)
	}
	seen := map[string]bool{}
	for i := range app.Parameters {
		p := &app.Parameters[i]
		if p.Type == "" {
			p.Type = ValuePlain
		}
		if seen[p.ID] {
			return errors.Errorf("app %q: duplicate parameter %q", app.ID, p.ID)
		}
		seen[p.ID] = true
	}
	seen = map[string]bool{}
	for _, in := range app.Inputs {
		if seen[in.ID] {
			return errors.Errorf("app %q: duplicate input %q", app.ID, in.ID)
		}
		seen[in.ID] = true
	}
	return nil
}

// App looks up an application by id.
func (c *Catalog) App(id string) (*App, error) {
	app, ok := c.apps[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownApp, "%q", id)
	}
	return app, nil
}

// System looks up a target system by id.
func (c *Catalog) System(id string) (*System, error) {
	sys, ok := c.systems[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSystem, "%q", id)
	}
	return sys, nil
}

// AppIDs lists every application id in sorted order.
func (c *Catalog) AppIDs() []string {
	ids := make([]string, 0, len(c.apps))
	for id := range c.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
