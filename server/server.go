package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxInjectBody caps request bodies forwarded to a service.
const maxInjectBody = 10 << 20

// ServerOptions configures the control-plane server.
type ServerOptions struct {
	// Logs backs GET /api/logs. Without it the route answers 503.
	Logs *LogStream

	// Gatherer backs GET /api/metrics. Without it the route answers 503.
	Gatherer prometheus.Gatherer

	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Server is the control-plane HTTP API of one runtime. It exposes the
// supervisor to wattctl and any other local client.
type Server struct {
	mux     *http.ServeMux
	sup     *Supervisor
	logs    *LogStream
	log     zerolog.Logger
	metrics *Metrics
}

// NewServer creates a Server and registers all HTTP routes.
func NewServer(sup *Supervisor, opts ServerOptions) *Server {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Server{
		mux:     http.NewServeMux(),
		sup:     sup,
		logs:    opts.Logs,
		log:     log,
		metrics: opts.Metrics,
	}

	s.handle("GET /api/metadata", s.handleMetadata)
	s.handle("GET /api/env", s.handleEnv)
	s.handle("GET /api/logs", s.handleLogs)
	s.handle("GET /api/events", s.handleEvents)

	s.handle("GET /api/services", s.handleServices)
	s.handle("POST /api/services/start", s.handleBulk(sup.StartAll))
	s.handle("POST /api/services/stop", s.handleBulk(sup.StopAll))
	s.handle("POST /api/services/restart", s.handleBulk(sup.RestartAll))

	s.handle("GET /api/services/{id}", s.handleService)
	s.handle("GET /api/services/{id}/config", s.handleServiceConfig)
	s.handle("PUT /api/services/{id}/config", s.handleUpdateServiceConfig)
	s.handle("GET /api/services/{id}/env", s.handleServiceEnv)
	s.handle("POST /api/services/{id}/start", s.handleServiceAction(sup.Start))
	s.handle("POST /api/services/{id}/stop", s.handleServiceAction(sup.Stop))
	s.handle("POST /api/services/{id}/restart", s.handleServiceAction(sup.Restart))
	s.handle("/api/services/{id}/proxy/{rest...}", s.handleProxy)

	if opts.Gatherer != nil {
		s.mux.Handle("GET /api/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	} else {
		s.handle("GET /api/metrics", func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, errUnavailable("metrics"))
		})
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts control-plane connections on ln until ctx is cancelled,
// then cuts live streams and shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	streams, cutStreams := context.WithCancel(context.Background())
	defer cutStreams()

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	cutStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handle registers h under pattern, counting requests by route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.observeRequest(r.Method, pattern, rec.status)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("control plane request")
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Metadata())
}

func (s *Server) handleEnv(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Env())
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Topology())
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	info, err := s.sup.Service(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleServiceConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := s.sup.ServiceConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// handleUpdateServiceConfig handles PUT /api/services/{id}/config. The body
// is the new type-specific config object.
func (s *Server) handleUpdateServiceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInjectBody)).Decode(&cfg); err != nil {
		writeError(w, badRequest("decode config: %v", err))
		return
	}
	svc, err := s.sup.UpdateServiceConfig(r.Context(), r.PathValue("id"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleServiceEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.sup.ServiceEnv(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleBulk runs a whole-runtime command and answers with the resulting
// topology.
func (s *Server) handleBulk(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.sup.Topology())
	}
}

// handleServiceAction runs a single-service command and answers with the
// service's new state.
func (s *Server) handleServiceAction(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		info, err := s.sup.Service(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// handleProxy forwards the request to the service's own endpoint and copies
// back its status, headers and body unchanged.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInjectBody))
	if err != nil {
		writeError(w, badRequest("read body: %v", err))
		return
	}

	target := "/" + r.PathValue("rest")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	resp, err := s.sup.Inject(r.Context(), r.PathValue("id"), InjectRequest{
		Method:  r.Method,
		URL:     target,
		Headers: withoutHopHeaders(r.Header),
		Body:    body,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	for k, vs := range withoutHopHeaders(resp.Headers) {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// hopHeaders apply to a single connection and are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// withoutHopHeaders returns a copy of h without hop-by-hop headers,
// including any named by its Connection header.
func withoutHopHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return nil
	}
	for _, v := range out.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// handleLogs handles GET /api/logs.
//
// It streams live log lines at or above ?level= (default: everything) as
// newline-delimited JSON, or as human-readable text with ?pretty. The
// stream stays open until the client disconnects or the server shuts down.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, errUnavailable("log streaming"))
		return
	}

	q := r.URL.Query()
	level := zerolog.TraceLevel
	if v := q.Get("level"); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil || lvl == zerolog.NoLevel {
			writeError(w, badRequest("invalid level %q", v))
			return
		}
		level = lvl
	}
	pretty, err := queryFlag(q.Get("pretty"), q.Has("pretty"))
	if err != nil {
		writeError(w, badRequest("invalid pretty flag: %v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errUnavailable("streaming"))
		return
	}

	if pretty {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	console := zerolog.ConsoleWriter{Out: w, NoColor: true}
	for line := range s.logs.Subscribe(r.Context(), level) {
		var err error
		if pretty {
			_, err = console.Write(line.Raw)
		} else if _, err = w.Write(line.Raw); err == nil {
			_, err = io.WriteString(w, "\n")
		}
		if err != nil {
			return // client disconnected
		}
		flusher.Flush()
	}
}

// queryFlag interprets a boolean query parameter where a bare ?flag means
// true.
func queryFlag(v string, present bool) (bool, error) {
	if !present {
		return false, nil
	}
	if v == "" {
		return true, nil
	}
	return strconv.ParseBool(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so streaming handlers keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// badRequestError marks errors caused by the request itself.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

type unavailableError struct {
	what string
}

func (e *unavailableError) Error() string { return e.what + " is not available" }

func errUnavailable(what string) error { return &unavailableError{what: what} }

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	var bad *badRequestError
	var unavailable *unavailableError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrServiceNotStarted), errors.Is(err, ErrServiceAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, ErrRuntimeClosed), errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := ErrorCode(err)
	if code == "" {
		switch status {
		case http.StatusBadRequest:
			code = "PLT_RUNTIME_BAD_REQUEST"
		case http.StatusServiceUnavailable:
			code = "PLT_RUNTIME_UNAVAILABLE"
		default:
			code = "PLT_RUNTIME_INTERNAL_ERROR"
		}
	}
	writeJSON(w, status, ErrorBody{
		StatusCode: status,
		Code:       code,
		Error:      strings.ReplaceAll(err.Error(), "\n", "; "),
	})
}
