// Package spec defines the runtime configuration: the services a runtime
// manages, how they depend on one another and how the runtime itself
// behaves. It is the YAML document passed to wattd.
package spec

// Config is the top-level runtime configuration.
type Config struct {
	// Name identifies the application. Defaults to the base name of the
	// directory holding the config file.
	Name string `yaml:"name" json:"name"`

	// Version is reported as the package version in runtime metadata.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// ProjectDir is the directory the config was loaded from. Set by Load.
	ProjectDir string `yaml:"-" json:"projectDir,omitempty"`

	// Entrypoint is the id of the externally reachable service. Defaults to
	// the first declared service.
	Entrypoint string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`

	// Concurrency caps how many services start or stop at once. Zero means
	// the default of 5.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// StartTimeout bounds how long one service may take to become ready.
	StartTimeout Duration `yaml:"startTimeout,omitempty" json:"startTimeout,omitzero"`

	Logger Logger `yaml:"logger,omitempty" json:"logger"`

	// Env is added to the environment of every service.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	Services []Service `yaml:"services" json:"services"`
}

// Logger configures runtime logging.
type Logger struct {
	// Level is a zerolog level name. Defaults to "info".
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Pretty renders human-readable lines instead of JSON.
	Pretty bool `yaml:"pretty,omitempty" json:"pretty,omitempty"`
}

// Service declares one managed service.
type Service struct {
	// ID is unique within the runtime.
	ID string `yaml:"id" json:"id"`

	// Type selects the implementation (e.g. "static", "process").
	Type string `yaml:"type" json:"type"`

	// Dependencies are ids of services that must be started first. Ids not
	// declared in the same config are treated as external and ignored.
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Config holds type-specific settings.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Env is added to this service's environment, after Config.Env.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Service returns the declared service with the given id.
func (c *Config) Service(id string) (Service, bool) {
	for _, svc := range c.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return Service{}, false
}

// EntrypointID returns the configured entrypoint, or the first service.
func (c *Config) EntrypointID() string {
	if c.Entrypoint != "" {
		return c.Entrypoint
	}
	if len(c.Services) > 0 {
		return c.Services[0].ID
	}
	return ""
}
