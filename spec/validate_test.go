package spec_test

import (
	"strings"
	"testing"

	"github.com/matgreaves/watt/spec"
)

func validConfig() spec.Config {
	return spec.Config{
		Name: "test",
		Services: []spec.Service{
			{ID: "db", Type: "process"},
			{ID: "api", Type: "process", Dependencies: []string{"db"}},
		},
	}
}

func assertContainsError(t *testing.T, errs []string, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got: %v", substr, errs)
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	if errs := spec.Validate(&cfg); len(errs) > 0 {
		t.Errorf("expected no errors, got: %v", errs)
	}
}

func TestValidate_NoServices(t *testing.T) {
	cfg := spec.Config{Name: "empty"}
	assertContainsError(t, spec.Validate(&cfg), "at least one service")
}

func TestValidate_MissingFields(t *testing.T) {
	cfg := validConfig()
	cfg.Services = append(cfg.Services, spec.Service{Type: "static"}, spec.Service{ID: "bare"})

	errs := spec.Validate(&cfg)
	assertContainsError(t, errs, "service #2: id is required")
	assertContainsError(t, errs, `service "bare": type is required`)
}

func TestValidate_DuplicateID(t *testing.T) {
	cfg := validConfig()
	cfg.Services = append(cfg.Services, spec.Service{ID: "db", Type: "static"})
	assertContainsError(t, spec.Validate(&cfg), `service "db": duplicate id`)
}

func TestValidate_UnknownEntrypoint(t *testing.T) {
	cfg := validConfig()
	cfg.Entrypoint = "ghost"
	assertContainsError(t, spec.Validate(&cfg), `entrypoint "ghost"`)
}

func TestValidate_NegativeConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Concurrency = -1
	assertContainsError(t, spec.Validate(&cfg), "concurrency")
}

func TestValidate_Cycle(t *testing.T) {
	cfg := spec.Config{Services: []spec.Service{
		{ID: "a", Type: "process", Dependencies: []string{"b"}},
		{ID: "b", Type: "process", Dependencies: []string{"c"}},
		{ID: "c", Type: "process", Dependencies: []string{"a"}},
	}}

	errs := spec.Validate(&cfg)
	assertContainsError(t, errs, "circular dependency")
	for _, id := range []string{"a", "b", "c"} {
		assertContainsError(t, errs, id)
	}
}

func TestValidate_ExternalDependencyAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Services[1].Dependencies = append(cfg.Services[1].Dependencies, "hosted-auth")
	if errs := spec.Validate(&cfg); len(errs) > 0 {
		t.Errorf("expected no errors, got: %v", errs)
	}
}

func TestStartOrder(t *testing.T) {
	cfg := spec.Config{Services: []spec.Service{
		{ID: "cache"},
		{ID: "db"},
		{ID: "app", Dependencies: []string{"db", "cache"}},
	}}
	order, err := spec.StartOrder(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "cache,db,app" {
		t.Errorf("order = %v", order)
	}
}
