// Package service defines the service types a worker can run and the
// registry the supervisor resolves them from.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"

	"github.com/matgreaves/run"
	"github.com/matgreaves/watt/server/ready"
	"github.com/matgreaves/watt/spec"
	"github.com/rs/zerolog"
)

// Endpoint is the address a running service accepts traffic on.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the base HTTP URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + e.Addr()
}

// PublishParams provides the context needed for the publish phase.
type PublishParams struct {
	ServiceID string
	Spec      spec.Service
	Port      int // allocated by the supervisor
}

// StartParams provides the context needed for the start phase.
type StartParams struct {
	ServiceID  string
	Spec       spec.Service
	Endpoint   Endpoint          // from publish
	Env        map[string]string // runtime env, service env, PORT and HOST
	ProjectDir string
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     zerolog.Logger

	// Artifact is the path produced by Prepare, if the type has one.
	Artifact string
}

// Type defines how a service type publishes its endpoint and runs.
type Type interface {
	// Publish resolves the endpoint for this service from the allocated
	// port.
	Publish(ctx context.Context, params PublishParams) (Endpoint, error)

	// Runner returns a run.Runner that starts and runs the service.
	// The runner should block until the service exits or ctx is cancelled.
	Runner(params StartParams) run.Runner
}

// Preparer is implemented by types that need work done before every start,
// such as compiling the service. Prepare runs before the readiness clock
// starts and returns the params the runner is built from.
type Preparer interface {
	Prepare(ctx context.Context, params StartParams) (StartParams, error)
}

// ReadyChecker is implemented by types that want a probe other than an HTTP
// GET of "/". Returning nil skips the readiness check.
type ReadyChecker interface {
	ReadyCheck(spec spec.Service) ready.Checker
}

// CheckerFor returns the readiness probe for a service of type t.
func CheckerFor(t Type, svc spec.Service) ready.Checker {
	if rc, ok := t.(ReadyChecker); ok {
		return rc.ReadyCheck(svc)
	}
	return &ready.HTTP{Path: "/"}
}

// Registry maps service type names to their implementations.
type Registry struct {
	types map[string]Type
}

// NewRegistry creates a registry with no types registered.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// DefaultRegistry returns a registry with the built-in static, process and
// go types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("static", Static{})
	r.Register("process", Process{})
	r.Register("go", Go{})
	return r
}

// Register adds a service type to the registry.
func (r *Registry) Register(name string, t Type) {
	r.types[name] = t
}

// Get returns the service type for the given name, or an error if not found.
func (r *Registry) Get(name string) (Type, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("unknown service type: %q", name)
	}
	return t, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublishLocal is a shared implementation of Publish for service types that
// listen on the loopback interface.
func PublishLocal(params PublishParams) (Endpoint, error) {
	if params.Port <= 0 {
		return Endpoint{}, fmt.Errorf("service %q: no port allocated", params.ServiceID)
	}
	return Endpoint{Host: "127.0.0.1", Port: params.Port}, nil
}

// decodeConfig converts a service's free-form config into a typed struct.
func decodeConfig(svc spec.Service, out any) error {
	if len(svc.Config) == 0 {
		return nil
	}
	data, err := json.Marshal(svc.Config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// failed returns a runner that fails immediately with err.
func failed(err error) run.Runner {
	return run.Func(func(context.Context) error { return err })
}
