package spec

import "slices"

// ServiceDescriptor is the static identity of a service: what it is called,
// what it needs and whether it is the entrypoint. Descriptors never change
// after boot.
type ServiceDescriptor struct {
	ID           string   `json:"id"`
	Dependencies []string `json:"dependencies"`
	Entrypoint   bool     `json:"entrypoint"`
}

// Descriptors returns one descriptor per declared service, in declaration
// order.
func (c *Config) Descriptors() []ServiceDescriptor {
	entry := c.EntrypointID()
	out := make([]ServiceDescriptor, 0, len(c.Services))
	for _, svc := range c.Services {
		deps := slices.Clone(svc.Dependencies)
		if deps == nil {
			deps = []string{}
		}
		out = append(out, ServiceDescriptor{
			ID:           svc.ID,
			Dependencies: deps,
			Entrypoint:   svc.ID == entry,
		})
	}
	return out
}
