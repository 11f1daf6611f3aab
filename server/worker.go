package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/matgreaves/run"
	"github.com/matgreaves/watt/internal/itc"
	"github.com/matgreaves/watt/server/ready"
	"github.com/matgreaves/watt/server/service"
	"github.com/matgreaves/watt/spec"
	"github.com/rs/zerolog"
)

// worker owns a single service. The coordinator talks to it only through
// its ITC channel; every field below is private to the worker side.
type worker struct {
	id         string
	typ        service.Type
	projectDir string
	runtimeEnv map[string]string
	timeout    time.Duration
	ch         *itc.Channel
	log        zerolog.Logger
	client     *http.Client

	mu      sync.Mutex
	svc     spec.Service
	status  spec.ServiceStatus
	current *execution

	// exited is closed once the worker has torn down after its channel
	// closed.
	exited chan struct{}
}

// execution is one run of the service, from start until it exits.
type execution struct {
	endpoint service.Endpoint
	env      map[string]string
	cancel   context.CancelFunc
	done     chan struct{}
	err      error // valid once done is closed
	stopping bool  // guarded by worker.mu
}

type workerOptions struct {
	ProjectDir   string
	RuntimeEnv   map[string]string
	StartTimeout time.Duration
	Level        zerolog.Level
	Logger       zerolog.Logger // for the channel's own diagnostics
	Metrics      *itc.Metrics
}

// newWorker creates a worker for svc on port and starts listening.
func newWorker(svc spec.Service, typ service.Type, port *itc.Port, opts workerOptions) (*worker, error) {
	w := &worker{
		id:         svc.ID,
		typ:        typ,
		projectDir: opts.ProjectDir,
		runtimeEnv: opts.RuntimeEnv,
		timeout:    opts.StartTimeout,
		svc:        svc,
		status:     spec.StatusStopped,
		exited:     make(chan struct{}),
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}

	chLog := opts.Logger.With().Str("service", svc.ID).Logger()
	ch, err := itc.New(itc.Options{
		Name:    svc.ID,
		Port:    port,
		Logger:  &chLog,
		Metrics: opts.Metrics,
		Handlers: map[string]itc.Handler{
			"start":               w.start,
			"stop":                w.stop,
			"getStatus":           w.getStatus,
			"getServiceConfig":    w.getServiceConfig,
			"updateServiceConfig": w.updateServiceConfig,
			"getServiceEnv":       w.getServiceEnv,
			"inject":              w.inject,
		},
		OnUnhandledError: func(err error) {
			chLog.Warn().Err(err).Msg("worker channel error")
		},
	})
	if err != nil {
		return nil, err
	}
	w.ch = ch
	w.log = zerolog.New(notifyWriter{ch}).Level(opts.Level).With().
		Timestamp().
		Str("service", svc.ID).
		Logger()

	if err := ch.Listen(); err != nil {
		return nil, err
	}
	go w.watch()
	return w, nil
}

// watch tears the service down once the channel is gone.
func (w *worker) watch() {
	defer close(w.exited)
	w.ch.Wait()

	w.mu.Lock()
	ex := w.current
	if ex != nil {
		ex.stopping = true
	}
	w.current = nil
	w.status = spec.StatusStopped
	w.mu.Unlock()

	if ex != nil {
		ex.cancel()
		<-ex.done
	}
}

func (w *worker) start(ctx context.Context, data json.RawMessage) (any, error) {
	var req startRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode start request: %w", err)
	}

	w.mu.Lock()
	if w.status.Running() {
		w.mu.Unlock()
		return nil, ErrServiceAlreadyStarted
	}
	w.status = spec.StatusStarting
	svc := w.svc
	w.mu.Unlock()

	ep, err := w.typ.Publish(ctx, service.PublishParams{ServiceID: w.id, Spec: svc, Port: req.Port})
	if err != nil {
		w.setStatus(spec.StatusErrored)
		return nil, fmt.Errorf("publish: %w", err)
	}

	stdout := newLineWriter(w.log, "stdout")
	stderr := newLineWriter(w.log, "stderr")
	env := w.environment(svc, ep)

	params := service.StartParams{
		ServiceID:  w.id,
		Spec:       svc,
		Endpoint:   ep,
		Env:        env,
		ProjectDir: w.projectDir,
		Stdout:     stdout,
		Stderr:     stderr,
		Logger:     w.log,
	}
	if p, ok := w.typ.(service.Preparer); ok {
		if params, err = p.Prepare(ctx, params); err != nil {
			w.setStatus(spec.StatusErrored)
			return nil, fmt.Errorf("prepare: %w", err)
		}
	}
	runner := w.typ.Runner(params)

	readyc := make(chan struct{})
	lifecycle := run.Sequence{
		w.readyCheck(ep, service.CheckerFor(w.typ, svc)),
		run.Func(func(context.Context) error {
			close(readyc)
			return nil
		}),
		run.Idle,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ex := &execution{endpoint: ep, env: env, cancel: cancel, done: make(chan struct{})}
	w.mu.Lock()
	w.current = ex
	w.mu.Unlock()

	w.log.Info().Str("url", ep.URL()).Msg("starting")
	go func() {
		err := run.Group{
			"runner":    runner,
			"lifecycle": lifecycle,
		}.Run(runCtx)
		stdout.Flush()
		stderr.Flush()
		w.finished(ex, err)
	}()

	select {
	case <-readyc:
		w.mu.Lock()
		alive := w.current == ex
		if alive {
			w.status = spec.StatusStarted
		}
		w.mu.Unlock()
		if !alive {
			<-ex.done
			return nil, fmt.Errorf("exited before becoming ready: %w", ex.err)
		}
		w.log.Info().Str("url", ep.URL()).Msg("started")
		return startResponse{URL: ep.URL()}, nil
	case <-ex.done:
		return nil, fmt.Errorf("exited before becoming ready: %w", ex.err)
	case <-ctx.Done():
		w.abandon(ex)
		return nil, ctx.Err()
	}
}

func (w *worker) readyCheck(ep service.Endpoint, checker ready.Checker) run.Runner {
	return run.Func(func(ctx context.Context) error {
		if checker == nil {
			return nil
		}
		return ready.Poll(ctx, ep.Addr(), checker, ready.Options{
			Timeout: w.timeout,
			OnFailure: func(err error) {
				w.log.Trace().Err(err).Msg("not ready")
			},
		})
	})
}

// finished records the end of ex. An execution that ends while started and
// without being asked to stop has crashed; the coordinator is told.
func (w *worker) finished(ex *execution, err error) {
	ex.err = err

	w.mu.Lock()
	current := w.current == ex
	crashed := current && !ex.stopping && w.status == spec.StatusStarted
	if current && !ex.stopping {
		w.current = nil
		w.status = spec.StatusErrored
	}
	w.mu.Unlock()
	close(ex.done)

	if crashed {
		msg := "exited unexpectedly"
		if err != nil {
			msg = err.Error()
		}
		w.log.Error().Str("error", msg).Msg("crashed")
		if nerr := w.ch.Notify("event", workerEvent{Status: spec.StatusErrored, Error: msg}); nerr != nil {
			w.log.Debug().Err(nerr).Msg("crash notification dropped")
		}
	}
}

// abandon stops ex after a start request gave up waiting for it.
func (w *worker) abandon(ex *execution) {
	w.mu.Lock()
	ex.stopping = true
	if w.current == ex {
		w.current = nil
		w.status = spec.StatusStopped
	}
	w.mu.Unlock()
	ex.cancel()
	<-ex.done
}

func (w *worker) stop(ctx context.Context, _ json.RawMessage) (any, error) {
	w.mu.Lock()
	ex := w.current
	if ex == nil || w.status != spec.StatusStarted {
		w.mu.Unlock()
		return nil, ErrServiceNotStarted
	}
	ex.stopping = true
	w.status = spec.StatusStopping
	w.mu.Unlock()

	w.log.Info().Msg("stopping")
	ex.cancel()
	select {
	case <-ex.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w.mu.Lock()
	if w.current == ex {
		w.current = nil
	}
	w.status = spec.StatusStopped
	w.mu.Unlock()
	w.log.Info().Msg("stopped")
	return nil, nil
}

func (w *worker) getStatus(context.Context, json.RawMessage) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	resp := statusResponse{Status: w.status}
	if w.current != nil && w.status == spec.StatusStarted {
		resp.URL = w.current.endpoint.URL()
	}
	return resp, nil
}

func (w *worker) getServiceConfig(context.Context, json.RawMessage) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.svc, nil
}

// updateServiceConfig replaces the type-specific config. The running
// execution keeps the config it started with.
func (w *worker) updateServiceConfig(_ context.Context, data json.RawMessage) (any, error) {
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.svc.Config = cfg
	w.log.Info().Msg("config updated")
	return w.svc, nil
}

func (w *worker) getServiceEnv(context.Context, json.RawMessage) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		return w.current.env, nil
	}
	return w.environment(w.svc, service.Endpoint{}), nil
}

func (w *worker) inject(ctx context.Context, data json.RawMessage) (any, error) {
	var req InjectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode inject request: %w", err)
	}

	w.mu.Lock()
	var ep service.Endpoint
	started := w.current != nil && w.status == spec.StatusStarted
	if started {
		ep = w.current.endpoint
	}
	w.mu.Unlock()
	if !started {
		return nil, ErrServiceNotStarted
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, ep.URL()+req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return InjectResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func (w *worker) setStatus(s spec.ServiceStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// environment builds the env for svc: runtime env, then service env, then
// the endpoint the service must bind.
func (w *worker) environment(svc spec.Service, ep service.Endpoint) map[string]string {
	env := make(map[string]string, len(w.runtimeEnv)+len(svc.Env)+3)
	maps.Copy(env, w.runtimeEnv)
	maps.Copy(env, svc.Env)
	env["WATT_SERVICE_ID"] = w.id
	if ep.Port != 0 {
		env["HOST"] = ep.Host
		env["PORT"] = strconv.Itoa(ep.Port)
	}
	return env
}

// notifyWriter ships each zerolog line to the coordinator as a "log"
// notification.
type notifyWriter struct {
	ch *itc.Channel
}

func (n notifyWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	if len(line) > 0 {
		// A closed channel drops the line.
		_ = n.ch.Notify("log", json.RawMessage(line))
	}
	return len(p), nil
}
