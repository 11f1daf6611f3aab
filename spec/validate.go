package spec

import (
	"errors"
	"fmt"

	"github.com/matgreaves/watt/internal/toposort"
)

// Validate checks cfg for structural errors. It returns every problem found,
// not just the first, so they can all be fixed in one pass.
func Validate(cfg *Config) []string {
	var errs []string

	if len(cfg.Services) == 0 {
		errs = append(errs, "config must declare at least one service")
	}
	if cfg.Concurrency < 0 {
		errs = append(errs, fmt.Sprintf("concurrency must not be negative, got %d", cfg.Concurrency))
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		switch {
		case svc.ID == "":
			errs = append(errs, fmt.Sprintf("service #%d: id is required", i))
			continue
		case seen[svc.ID]:
			errs = append(errs, fmt.Sprintf("service %q: duplicate id", svc.ID))
		}
		seen[svc.ID] = true

		if svc.Type == "" {
			errs = append(errs, fmt.Sprintf("service %q: type is required", svc.ID))
		}
	}

	if cfg.Entrypoint != "" && !seen[cfg.Entrypoint] {
		errs = append(errs, fmt.Sprintf("entrypoint %q is not a declared service", cfg.Entrypoint))
	}

	if _, err := StartOrder(cfg); err != nil {
		var cycle *toposort.CycleError
		if errors.As(err, &cycle) {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

// StartOrder returns service ids ordered so that dependencies come first.
func StartOrder(cfg *Config) ([]string, error) {
	items := make([]toposort.Item, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		items = append(items, toposort.Item{ID: svc.ID, Dependencies: svc.Dependencies})
	}
	return toposort.Sort(items)
}
