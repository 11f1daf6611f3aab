package service

import (
	"context"
	"fmt"
	"os"

	"github.com/matgreaves/run"
	"github.com/matgreaves/watt/server/ready"
	"github.com/matgreaves/watt/spec"
)

// ProcessConfig is the type-specific config for "process" services.
type ProcessConfig struct {
	// Command is the path to the executable.
	Command string `json:"command"`

	// Args are passed to the command. ${VAR} references are expanded
	// against the service environment, so "${PORT}" works.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory, relative to the project dir. Optional.
	Dir string `json:"dir,omitempty"`

	// Ready selects the readiness probe: "http" (default), "tcp" or "none".
	Ready string `json:"ready,omitempty"`

	// ReadyPath is the path probed by the "http" check. Default "/".
	ReadyPath string `json:"readyPath,omitempty"`
}

// Process implements Type for the "process" service type.
// It runs an external binary with arguments and environment variables.
type Process struct{}

// Publish resolves the endpoint for a process service.
func (Process) Publish(_ context.Context, params PublishParams) (Endpoint, error) {
	return PublishLocal(params)
}

// ReadyCheck implements ReadyChecker.
func (Process) ReadyCheck(svc spec.Service) ready.Checker {
	var cfg ProcessConfig
	if err := decodeConfig(svc, &cfg); err != nil || cfg.Ready == "none" {
		return nil
	}
	return ready.For(cfg.Ready, cfg.ReadyPath)
}

// Runner returns a run.Process that executes the configured binary.
func (Process) Runner(params StartParams) run.Runner {
	var cfg ProcessConfig
	if err := decodeConfig(params.Spec, &cfg); err != nil {
		return failed(fmt.Errorf("service %q: invalid process config: %w", params.ServiceID, err))
	}
	if cfg.Command == "" {
		return failed(fmt.Errorf("service %q: process config: command is required", params.ServiceID))
	}

	return run.Process{
		Name:   params.ServiceID,
		Path:   cfg.Command,
		Dir:    resolveDir(params.ProjectDir, cfg.Dir),
		Args:   expandArgs(cfg.Args, params.Env),
		Env:    params.Env,
		Stdout: params.Stdout,
		Stderr: params.Stderr,
	}
}

// expandArgs expands ${VAR} references in args against env.
func expandArgs(args []string, env map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = os.Expand(a, func(key string) string { return env[key] })
	}
	return out
}
