package environment

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
)

var (
	ErrNotFound          = errors.New("environment not configured")
	ErrNameRequired      = errors.New("environment name is required")
	ErrDuplicate         = errors.New("environment configured more than once")
	ErrProjectRequired   = errors.New("project is required")
	ErrStateRequired     = errors.New("state-bucket is required")
	ErrIdentityRequired  = errors.New("identity.provider, identity.service-account and identity.repository are required")
	ErrInvalidOverwrite  = errors.New("tag-overwrite must be either 'never' or 'allow'")
	ErrInvalidRepository = errors.New("identity.repository must be in the format OWNER/NAME")
)

type OverwritePolicy string

const (
	OverwriteNever OverwritePolicy = "never"
	OverwriteAllow OverwritePolicy = "allow"
)

const (
	DefaultRegion       = "europe-north1"
	DefaultTerraformDir = "terraform"
	DefaultDockerfile   = "Dockerfile"
	DefaultHealthPath   = "/"
)

// Binding ties an environment to the workload identity that may deploy it.
type Binding struct {
	Provider       string `json:"provider"`
	ServiceAccount string `json:"service-account"`
	Repository     string `json:"repository"`
}

// Environment is a named set of variable bindings. It is read-only during a run.
type Environment struct {
	Name         string            `json:"name"`
	Prefix       string            `json:"prefix"`
	Project      string            `json:"project"`
	Region       string            `json:"region"`
	StateBucket  string            `json:"state-bucket"`
	StatePrefix  string            `json:"state-prefix"`
	TerraformDir string            `json:"terraform-dir"`
	Variables    map[string]string `json:"variables"`
	Service      string            `json:"service"`
	Registry     string            `json:"registry"`
	Image        string            `json:"image"`
	Dockerfile   string            `json:"dockerfile"`
	Overwrite    OverwritePolicy   `json:"tag-overwrite"`
	HealthPath   string            `json:"health-path"`
	Identity     Binding           `json:"identity"`
}

type file struct {
	Environments []Environment `json:"environments"`
}

func (e *Environment) setDefaults() {
	if len(e.Region) == 0 {
		e.Region = DefaultRegion
	}
	if len(e.TerraformDir) == 0 {
		e.TerraformDir = DefaultTerraformDir
	}
	if len(e.Dockerfile) == 0 {
		e.Dockerfile = DefaultDockerfile
	}
	if len(e.Overwrite) == 0 {
		e.Overwrite = OverwriteNever
	}
	if len(e.HealthPath) == 0 {
		e.HealthPath = DefaultHealthPath
	}
	if len(e.Prefix) == 0 {
		e.Prefix = e.Name
	}
	if len(e.StatePrefix) == 0 {
		e.StatePrefix = e.Name
	}
	if len(e.Service) == 0 {
		e.Service = e.Prefix
	}
	if len(e.Image) == 0 {
		e.Image = e.Prefix
	}
	if len(e.Registry) == 0 && len(e.Project) > 0 {
		e.Registry = fmt.Sprintf("%s-docker.pkg.dev/%s/%s", e.Region, e.Project, e.Prefix)
	}
}

func (e *Environment) Validate() error {
	if len(e.Name) == 0 {
		return ErrNameRequired
	}
	if len(e.Project) == 0 {
		return ErrProjectRequired
	}
	if len(e.StateBucket) == 0 {
		return ErrStateRequired
	}
	if len(e.Identity.Provider) == 0 || len(e.Identity.ServiceAccount) == 0 || len(e.Identity.Repository) == 0 {
		return ErrIdentityRequired
	}
	if parts := strings.Split(e.Identity.Repository, "/"); len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return ErrInvalidRepository
	}
	switch e.Overwrite {
	case OverwriteNever, OverwriteAllow:
	default:
		return ErrInvalidOverwrite
	}
	return nil
}

// ImageRepository returns the registry repository images for this environment are pushed to.
func (e *Environment) ImageRepository() string {
	return strings.TrimSuffix(e.Registry, "/") + "/" + e.Image
}

// ServiceName returns the fully qualified Cloud Run service name.
func (e *Environment) ServiceName() string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", e.Project, e.Region, e.Service)
}

// BackendConfig returns the key=value pairs for the remote state backend.
func (e *Environment) BackendConfig() []string {
	return []string{
		"bucket=" + e.StateBucket,
		"prefix=" + e.StatePrefix,
	}
}

// TerraformVariables returns the variables passed to every plan, sorted by name.
// Explicit variables take precedence over the derived ones.
func (e *Environment) TerraformVariables() []string {
	vars := map[string]string{
		"prefix":      e.Prefix,
		"project":     e.Project,
		"region":      e.Region,
		"environment": e.Name,
	}
	for k, v := range e.Variables {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+vars[k])
	}
	return pairs
}

func (e *Environment) copy() *Environment {
	cp := *e
	cp.Variables = make(map[string]string, len(e.Variables))
	for k, v := range e.Variables {
		cp.Variables[k] = v
	}
	return &cp
}

// Catalog holds every configured environment, keyed by name.
type Catalog struct {
	environments map[string]*Environment
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: open file: %w", path, err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

func Parse(data []byte) (*Catalog, error) {
	f := &file{}
	err := yaml.Unmarshal(data, f)
	if err != nil {
		return nil, fmt.Errorf("parse environments: %w", err)
	}

	catalog := &Catalog{
		environments: make(map[string]*Environment, len(f.Environments)),
	}

	for i := range f.Environments {
		env := f.Environments[i]
		env.setDefaults()
		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("environment %d (%q): %w", i, env.Name, err)
		}
		if _, ok := catalog.environments[env.Name]; ok {
			return nil, fmt.Errorf("%q: %w", env.Name, ErrDuplicate)
		}
		catalog.environments[env.Name] = &env
	}

	return catalog, nil
}

// Environment returns a copy of the named environment, so that callers cannot modify the catalog.
func (c *Catalog) Environment(name string) (*Environment, error) {
	env, ok := c.environments[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return env.copy(), nil
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.environments))
	for name := range c.environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
