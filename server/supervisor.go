package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matgreaves/watt/internal/execute"
	"github.com/matgreaves/watt/internal/itc"
	"github.com/matgreaves/watt/server/service"
	"github.com/matgreaves/watt/spec"
	"github.com/rs/zerolog"
)

// Options configures a Supervisor. Zero values select defaults.
type Options struct {
	// Registry resolves service types. Defaults to service.DefaultRegistry.
	Registry *service.Registry

	Ports *PortAllocator

	// Events records every lifecycle transition.
	Events *EventLog

	Logger *zerolog.Logger

	// Logs receives every log line emitted by a worker, one JSON object per
	// Write. Typically the same sink the runtime logger writes to.
	Logs io.Writer

	Metrics *Metrics

	// StartTimeout bounds how long one service may take to become ready.
	// Overrides the config's startTimeout when set.
	StartTimeout time.Duration

	// StallTimeout is how long StartAll may go without any lifecycle event
	// before a runtime.stalled event is published. Zero means 10s; negative
	// disables the check.
	StallTimeout time.Duration
}

// serviceState is the coordinator's view of one service. It is only ever
// changed under Supervisor.mu.
type serviceState struct {
	svc        spec.Service
	deps       []string // declared dependencies that are part of this config
	dependents []string
	ch         *itc.Channel // coordinator end of the worker channel
	worker     *worker

	status  spec.ServiceStatus
	url     string
	changed uint64 // seq of the event that recorded status
}

// Supervisor runs every service of a config on its own worker and drives
// their lifecycles in dependency order.
type Supervisor struct {
	cfg     spec.Config
	order   []string
	ports   *PortAllocator
	events  *EventLog
	log     zerolog.Logger
	logs    io.Writer
	metrics *Metrics
	started time.Time
	stall   time.Duration

	mu       sync.Mutex
	services map[string]*serviceState
	closed   bool
}

// NewSupervisor validates cfg and spawns one worker per service. No service
// is started; call StartAll.
func NewSupervisor(cfg spec.Config, opts Options) (*Supervisor, error) {
	if errs := spec.Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	order, err := spec.StartOrder(&cfg)
	if err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		registry = service.DefaultRegistry()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Supervisor{
		cfg:      cfg,
		order:    order,
		ports:    opts.Ports,
		events:   opts.Events,
		log:      log,
		logs:     opts.Logs,
		metrics:  opts.Metrics,
		started:  time.Now(),
		stall:    opts.StallTimeout,
		services: make(map[string]*serviceState, len(cfg.Services)),
	}
	if s.ports == nil {
		s.ports = NewPortAllocator()
	}
	if s.events == nil {
		s.events = NewEventLog()
	}
	if s.logs == nil {
		s.logs = io.Discard
	}
	if s.stall == 0 {
		s.stall = defaultStallTimeout
	}

	timeout := cfg.StartTimeout.Duration
	if opts.StartTimeout > 0 {
		timeout = opts.StartTimeout
	}

	for _, svc := range cfg.Services {
		s.services[svc.ID] = &serviceState{svc: svc, status: spec.StatusStopped}
	}
	for _, st := range s.services {
		for _, dep := range st.svc.Dependencies {
			if target, ok := s.services[dep]; ok {
				st.deps = append(st.deps, dep)
				target.dependents = append(target.dependents, st.svc.ID)
			}
		}
	}

	for _, id := range order {
		st := s.services[id]
		typ, err := registry.Get(st.svc.Type)
		if err == nil {
			err = s.spawn(st, typ, timeout)
		}
		if err != nil {
			s.closeChannels()
			return nil, fmt.Errorf("service %q: %w", id, err)
		}
		s.metrics.setStatus(id, spec.StatusStopped)
	}
	return s, nil
}

// spawn creates the port pair and both channel ends for st.
func (s *Supervisor) spawn(st *serviceState, typ service.Type, timeout time.Duration) error {
	id := st.svc.ID
	local, remote := itc.NewPortPair()

	w, err := newWorker(st.svc, typ, remote, workerOptions{
		ProjectDir:   s.cfg.ProjectDir,
		RuntimeEnv:   s.cfg.Env,
		StartTimeout: timeout,
		Level:        s.log.GetLevel(),
		Logger:       s.log,
		Metrics:      s.metrics.itcMetrics(),
	})
	if err != nil {
		local.Close()
		return err
	}
	st.worker = w

	chLog := s.log.With().Str("service", id).Logger()
	ch, err := itc.New(itc.Options{
		Name:           "main→" + id,
		Port:           local,
		Logger:         &chLog,
		Metrics:        s.metrics.itcMetrics(),
		OnNotification: s.onNotification(id),
		OnUnhandledError: func(err error) {
			chLog.Warn().Err(err).Msg("coordinator channel error")
		},
	})
	if err == nil {
		err = ch.Listen()
	}
	if err != nil {
		local.Close()
		return err
	}
	st.ch = ch
	return nil
}

// onNotification handles unsolicited messages from the worker of id. It
// runs on the channel's read goroutine and must not block.
func (s *Supervisor) onNotification(id string) func(string, json.RawMessage) {
	return func(name string, data json.RawMessage) {
		switch name {
		case "log":
			line := make([]byte, 0, len(data)+1)
			line = append(append(line, data...), '\n')
			s.logs.Write(line)

		case "event":
			var ev workerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				s.log.Warn().Err(err).Str("service", id).Msg("malformed worker event")
				return
			}
			s.mu.Lock()
			st := s.services[id]
			// A crash can overtake the response to the start request that
			// launched it, so starting counts too.
			apply := st.status == spec.StatusStarted || st.status == spec.StatusStarting
			if apply {
				var err error
				if ev.Error != "" {
					err = errors.New(ev.Error)
				}
				s.setStatus(st, ev.Status, "", err)
			}
			s.mu.Unlock()
			if apply && ev.Status == spec.StatusErrored {
				s.ports.Release(id)
				s.log.Error().Str("service", id).Str("error", ev.Error).Msg("service crashed")
			}

		default:
			s.log.Debug().Str("service", id).Str("name", name).Msg("unknown worker notification")
		}
	}
}

// setStatus records a transition. Caller must hold s.mu.
func (s *Supervisor) setStatus(st *serviceState, status spec.ServiceStatus, url string, err error) {
	st.status = status
	switch status {
	case spec.StatusStarted:
		st.url = url
	case spec.StatusStopped, spec.StatusErrored:
		st.url = ""
	}
	ev := Event{
		Type:    eventForStatus(status),
		Service: st.svc.ID,
		Status:  status,
		URL:     st.url,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	st.changed = s.events.Publish(ev)
	s.metrics.setStatus(st.svc.ID, status)
}

func (s *Supervisor) lookup(id string) (*serviceState, error) {
	st, ok := s.services[id]
	if !ok {
		return nil, serviceErr(id, ErrServiceNotFound)
	}
	return st, nil
}

// Events returns the lifecycle event log.
func (s *Supervisor) Events() *EventLog { return s.events }

// Start starts one service. Its dependencies are not started.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrRuntimeClosed
	}
	if st.status.Running() {
		s.mu.Unlock()
		return serviceErr(id, ErrServiceAlreadyStarted)
	}
	s.setStatus(st, spec.StatusStarting, "", nil)
	s.mu.Unlock()

	s.log.Info().Str("service", id).Msg("starting service")
	return dispatch(ctx, id, func(ctx context.Context) error {
		return s.start(ctx, st)
	})
}

// dispatch runs a lifecycle command on a context that ctx cannot cancel.
// When ctx ends first the caller stops waiting, and the command still runs
// to completion and records its outcome.
func dispatch(ctx context.Context, id string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(context.WithoutCancel(ctx)) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return serviceErr(id, ctx.Err())
	}
}

func (s *Supervisor) start(ctx context.Context, st *serviceState) error {
	id := st.svc.ID
	port, err := s.ports.Allocate(id)
	if err == nil {
		var resp startResponse
		resp, err = itc.Call[startResponse](ctx, st.ch, "start", startRequest{Port: port})
		if errors.Is(err, ErrServiceAlreadyStarted) {
			// The worker is ahead of us; adopt what it reports.
			resp, err = s.reconcileStarted(ctx, st)
		}
		if err == nil {
			s.mu.Lock()
			alive := st.status == spec.StatusStarting
			if alive {
				s.setStatus(st, spec.StatusStarted, resp.URL, nil)
			}
			s.mu.Unlock()
			if alive {
				s.log.Info().Str("service", id).Str("url", resp.URL).Msg("service started")
				return nil
			}
			return serviceErr(id, errors.New("exited right after starting"))
		}
		s.ports.Release(id)
	}

	err = serviceErr(id, err)
	s.mu.Lock()
	s.setStatus(st, spec.StatusErrored, "", err)
	s.mu.Unlock()
	s.log.Error().Err(err).Str("service", id).Msg("service failed to start")
	return err
}

// reconcileStarted asks the worker of st for its status after it refused a
// start. A worker that is serving answers with its URL.
func (s *Supervisor) reconcileStarted(ctx context.Context, st *serviceState) (startResponse, error) {
	status, err := itc.Call[statusResponse](ctx, st.ch, "getStatus", nil)
	if err != nil {
		return startResponse{}, err
	}
	if status.Status != spec.StatusStarted {
		return startResponse{}, fmt.Errorf("worker is %s", status.Status)
	}
	return startResponse{URL: status.URL}, nil
}

// Stop stops one service. Its dependents are not stopped.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if st.status != spec.StatusStarted {
		s.mu.Unlock()
		return serviceErr(id, ErrServiceNotStarted)
	}
	s.setStatus(st, spec.StatusStopping, "", nil)
	s.mu.Unlock()

	s.log.Info().Str("service", id).Msg("stopping service")
	return dispatch(ctx, id, func(ctx context.Context) error {
		return s.stop(ctx, st)
	})
}

func (s *Supervisor) stop(ctx context.Context, st *serviceState) error {
	id := st.svc.ID
	_, err := st.ch.Send(ctx, "stop", nil)
	if err != nil && !errors.Is(err, ErrServiceNotStarted) {
		err = serviceErr(id, err)
		s.mu.Lock()
		s.setStatus(st, spec.StatusErrored, "", err)
		s.mu.Unlock()
		s.log.Error().Err(err).Str("service", id).Msg("service failed to stop")
		return err
	}

	// A worker with nothing running has already stopped.
	s.ports.Release(id)
	s.mu.Lock()
	s.setStatus(st, spec.StatusStopped, "", nil)
	s.mu.Unlock()
	s.log.Info().Str("service", id).Msg("service stopped")
	return nil
}

// Restart stops and starts one service.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	return s.Start(ctx, id)
}

// StartAll starts every service that is not already running. Each service
// waits until all of its dependencies are started. The first failure is
// returned; services already launched keep going.
func (s *Supervisor) StartAll(ctx context.Context) error {
	since := s.events.Seq()

	// Dependency waits are abandoned once the batch returns; starts already
	// dispatched run to completion on ctx.
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.stall > 0 {
		go s.progressWatchdog(batchCtx, s.stall)
	}

	_, err := execute.InParallel(batchCtx, s.order, execute.Options{
		Concurrency: s.cfg.Concurrency,
		Mode:        execute.FailFast,
	}, func(taskCtx context.Context, id string) (struct{}, error) {
		if err := s.waitForDependencies(taskCtx, id, since); err != nil {
			return struct{}{}, err
		}
		if s.status(id) == spec.StatusStarted {
			return struct{}{}, nil
		}
		err := s.Start(ctx, id)
		if errors.Is(err, ErrServiceAlreadyStarted) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return err
	}

	s.events.Publish(Event{Type: EventRuntimeStarted})
	s.log.Info().Int("services", len(s.order)).Msg("runtime started")
	return nil
}

// StopAll stops every started service in reverse dependency order. Every
// service is attempted; failures are joined.
func (s *Supervisor) StopAll(ctx context.Context) error {
	order := slices.Clone(s.order)
	slices.Reverse(order)

	results, err := execute.InParallel(ctx, order, execute.Options{
		Concurrency: s.cfg.Concurrency,
		Mode:        execute.Settle,
	}, func(ctx context.Context, id string) (struct{}, error) {
		if err := s.waitSettled(ctx, id); err != nil {
			return struct{}{}, err
		}
		if err := s.waitForDependents(ctx, id); err != nil {
			return struct{}{}, err
		}
		err := s.Stop(ctx, id)
		if errors.Is(err, ErrServiceNotStarted) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.events.Publish(Event{Type: EventRuntimeStopped})
	s.log.Info().Msg("runtime stopped")
	return nil
}

// RestartAll stops then starts every service.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	if err := s.StopAll(ctx); err != nil {
		return err
	}
	return s.StartAll(ctx)
}

// waitForDependencies blocks until every dependency of id is started. A
// dependency that errors after since fails the wait; an older error is
// assumed to be retried by the same batch.
func (s *Supervisor) waitForDependencies(ctx context.Context, id string, since uint64) error {
	st := s.services[id]
	if len(st.deps) == 0 {
		return nil
	}
	for {
		s.mu.Lock()
		pending := ""
		for _, dep := range st.deps {
			d := s.services[dep]
			switch {
			case d.status == spec.StatusStarted:
			case d.status == spec.StatusErrored && d.changed > since:
				s.mu.Unlock()
				return serviceErr(id, fmt.Errorf("%w: %q", ErrDependencyFailed, dep))
			default:
				pending = dep
			}
		}
		seq := s.events.Seq()
		s.mu.Unlock()

		if pending == "" {
			return nil
		}
		if _, err := s.events.WaitFor(ctx, seq, func(e Event) bool {
			return slices.Contains(st.deps, e.Service)
		}); err != nil {
			return serviceErr(id, fmt.Errorf("waiting for dependency %q: %w", pending, err))
		}
	}
}

// waitSettled blocks while id is starting or stopping.
func (s *Supervisor) waitSettled(ctx context.Context, id string) error {
	for {
		s.mu.Lock()
		status := s.services[id].status
		seq := s.events.Seq()
		s.mu.Unlock()

		if status.Settled() {
			return nil
		}
		if _, err := s.events.WaitFor(ctx, seq, func(e Event) bool {
			return e.Service == id
		}); err != nil {
			return serviceErr(id, fmt.Errorf("waiting while %s: %w", status, err))
		}
	}
}

// waitForDependents blocks until no service depending on id is running.
func (s *Supervisor) waitForDependents(ctx context.Context, id string) error {
	st := s.services[id]
	if len(st.dependents) == 0 {
		return nil
	}
	for {
		s.mu.Lock()
		running := ""
		for _, dep := range st.dependents {
			if s.services[dep].status.Running() {
				running = dep
			}
		}
		seq := s.events.Seq()
		s.mu.Unlock()

		if running == "" {
			return nil
		}
		if _, err := s.events.WaitFor(ctx, seq, func(e Event) bool {
			return slices.Contains(st.dependents, e.Service)
		}); err != nil {
			return serviceErr(id, fmt.Errorf("waiting for dependent %q: %w", running, err))
		}
	}
}

func (s *Supervisor) status(id string) spec.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[id].status
}

// Status derives the runtime status from its services.
func (s *Supervisor) Status() spec.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[spec.ServiceStatus]int)
	for _, st := range s.services {
		counts[st.status]++
	}
	switch {
	case counts[spec.StatusStarting] > 0:
		return spec.StatusStarting
	case counts[spec.StatusStopping] > 0:
		return spec.StatusStopping
	case counts[spec.StatusErrored] > 0:
		return spec.StatusErrored
	case counts[spec.StatusStarted] > 0:
		return spec.StatusStarted
	}
	return spec.StatusStopped
}

// Metadata describes this runtime instance.
func (s *Supervisor) Metadata() RuntimeMetadata {
	url := ""
	if info, err := s.Service(s.cfg.EntrypointID()); err == nil {
		url = info.URL
	}
	return RuntimeMetadata{
		PID:            os.Getpid(),
		PackageName:    s.cfg.Name,
		PackageVersion: s.cfg.Version,
		ProjectDir:     s.cfg.ProjectDir,
		UptimeSeconds:  time.Since(s.started).Seconds(),
		Status:         s.Status(),
		URL:            url,
		GoVersion:      runtime.Version(),
		Argv:           os.Args,
	}
}

// Topology lists every service in start order.
func (s *Supervisor) Topology() Topology {
	out := Topology{Entrypoint: s.cfg.EntrypointID(), Services: make([]ServiceInfo, 0, len(s.order))}
	for _, id := range s.order {
		info, _ := s.Service(id)
		out.Services = append(out.Services, info)
	}
	return out
}

// Service returns the current state of one service.
func (s *Supervisor) Service(id string) (ServiceInfo, error) {
	st, err := s.lookup(id)
	if err != nil {
		return ServiceInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deps := slices.Clone(st.deps)
	if deps == nil {
		deps = []string{}
	}
	return ServiceInfo{
		ID:           id,
		Type:         st.svc.Type,
		Entrypoint:   id == s.cfg.EntrypointID(),
		Dependencies: deps,
		Status:       st.status,
		URL:          st.url,
		LocalURL:     "http://" + id + ".plt.local",
	}, nil
}

// ServiceConfig returns the config the service will use on its next start.
func (s *Supervisor) ServiceConfig(ctx context.Context, id string) (spec.Service, error) {
	st, err := s.lookup(id)
	if err != nil {
		return spec.Service{}, err
	}
	svc, err := itc.Call[spec.Service](ctx, st.ch, "getServiceConfig", nil)
	return svc, serviceErr(id, err)
}

// UpdateServiceConfig replaces the type-specific config of a service. It
// takes effect the next time the service starts.
func (s *Supervisor) UpdateServiceConfig(ctx context.Context, id string, cfg map[string]any) (spec.Service, error) {
	st, err := s.lookup(id)
	if err != nil {
		return spec.Service{}, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	svc, err := itc.Call[spec.Service](ctx, st.ch, "updateServiceConfig", cfg)
	if err != nil {
		return spec.Service{}, serviceErr(id, err)
	}
	s.mu.Lock()
	s.events.Publish(Event{Type: EventServiceConfigUpdated, Service: id, Status: st.status})
	s.mu.Unlock()
	return svc, nil
}

// ServiceEnv returns the environment the service runs, or would run, with.
func (s *Supervisor) ServiceEnv(ctx context.Context, id string) (map[string]string, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	env, err := itc.Call[map[string]string](ctx, st.ch, "getServiceEnv", nil)
	return env, serviceErr(id, err)
}

// Env returns the runtime process environment overlaid with the config env.
func (s *Supervisor) Env() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	maps.Copy(env, s.cfg.Env)
	return env
}

// Inject replays req against a started service and returns its response.
func (s *Supervisor) Inject(ctx context.Context, id string, req InjectRequest) (InjectResponse, error) {
	st, err := s.lookup(id)
	if err != nil {
		return InjectResponse{}, err
	}
	if s.status(id) != spec.StatusStarted {
		return InjectResponse{}, serviceErr(id, ErrServiceNotStarted)
	}
	resp, err := itc.Call[InjectResponse](ctx, st.ch, "inject", req)
	return resp, serviceErr(id, err)
}

// Close stops every service, closes every channel and waits for the
// workers to exit. New starts are refused once Close begins.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.StopAll(ctx)
	s.closeChannels()

	for _, id := range s.order {
		st := s.services[id]
		if st.worker == nil {
			continue
		}
		select {
		case <-st.worker.exited:
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

func (s *Supervisor) closeChannels() {
	for _, st := range s.services {
		if st.ch != nil {
			st.ch.Close()
		}
		if st.worker != nil {
			st.worker.ch.Close()
		}
	}
}
