// Package client talks to running runtimes over their local control plane.
// Runtimes are addressed by pid; Instances and Find locate them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matgreaves/watt/internal/execute"
	"github.com/matgreaves/watt/internal/transport"
)

var (
	// ErrRuntimeNotFound is returned when no running runtime matches.
	ErrRuntimeNotFound = errors.New("no running runtime found")

	// ErrMissingRuntimeIdentifier is returned when several runtimes are
	// running and none was named.
	ErrMissingRuntimeIdentifier = errors.New("several runtimes are running; specify a pid or package name")
)

// APIError is a non-2xx control-plane response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.ReplaceAll(e.Message, "\n", "; ")
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code == "" {
		return fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Code)
}

// ErrorCode returns the machine-readable code sent by the runtime.
func (e *APIError) ErrorCode() string { return e.Code }

// Options configures a Client.
type Options struct {
	// Transport locates runtime endpoints. Defaults to transport.Default().
	Transport transport.Transport

	// Timeout bounds each non-streaming request other than lifecycle
	// commands, which wait as long as their context allows. Zero means 10s.
	Timeout time.Duration
}

// Client issues control-plane requests to runtimes on this host.
type Client struct {
	tr      transport.Transport
	timeout time.Duration
	http    *http.Client
}

type pidKey struct{}

// New creates a Client.
func New(opts Options) *Client {
	tr := opts.Transport
	if tr == nil {
		tr = transport.Default()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		tr:      tr,
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				// Every request is routed to the pid carried in its context;
				// the URL host is cosmetic.
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					pid, ok := ctx.Value(pidKey{}).(int)
					if !ok {
						return nil, errors.New("no runtime pid on request")
					}
					return tr.Dial(ctx, pid)
				},
				DisableKeepAlives: true,
			},
		},
	}
}

// Instances lists every runtime that answers on this host, ordered by pid.
// Endpoints left behind by dead processes are skipped.
func (c *Client) Instances(ctx context.Context) ([]RuntimeMetadata, error) {
	pids, err := c.tr.Discover()
	if err != nil {
		return nil, fmt.Errorf("discover runtimes: %w", err)
	}
	results, err := execute.InParallel(ctx, pids, execute.Options{Mode: execute.Settle}, c.Metadata)
	if err != nil {
		return nil, err
	}
	var out []RuntimeMetadata
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	slices.SortFunc(out, func(a, b RuntimeMetadata) int { return a.PID - b.PID })
	return out, nil
}

// Find resolves identifier to a running runtime. The identifier is a pid or
// a package name. An empty identifier selects the only running runtime.
func (c *Client) Find(ctx context.Context, identifier string) (RuntimeMetadata, error) {
	instances, err := c.Instances(ctx)
	if err != nil {
		return RuntimeMetadata{}, err
	}
	if identifier == "" {
		switch len(instances) {
		case 0:
			return RuntimeMetadata{}, ErrRuntimeNotFound
		case 1:
			return instances[0], nil
		default:
			return RuntimeMetadata{}, ErrMissingRuntimeIdentifier
		}
	}

	pid, pidErr := strconv.Atoi(identifier)
	for _, m := range instances {
		if (pidErr == nil && m.PID == pid) || m.PackageName == identifier {
			return m, nil
		}
	}
	return RuntimeMetadata{}, fmt.Errorf("%w: %q", ErrRuntimeNotFound, identifier)
}

// Metadata returns the runtime's own description.
func (c *Client) Metadata(ctx context.Context, pid int) (RuntimeMetadata, error) {
	var m RuntimeMetadata
	err := c.doJSON(ctx, pid, http.MethodGet, "/api/metadata", nil, &m)
	return m, err
}

// Env returns the runtime's environment.
func (c *Client) Env(ctx context.Context, pid int) (map[string]string, error) {
	var env map[string]string
	err := c.doJSON(ctx, pid, http.MethodGet, "/api/env", nil, &env)
	return env, err
}

// Services returns every service in start order.
func (c *Client) Services(ctx context.Context, pid int) (Topology, error) {
	var t Topology
	err := c.doJSON(ctx, pid, http.MethodGet, "/api/services", nil, &t)
	return t, err
}

// Service returns the state of one service.
func (c *Client) Service(ctx context.Context, pid int, id string) (ServiceInfo, error) {
	var info ServiceInfo
	err := c.doJSON(ctx, pid, http.MethodGet, servicePath(id, ""), nil, &info)
	return info, err
}

// ServiceConfig returns the declaration the runtime holds for a service.
func (c *Client) ServiceConfig(ctx context.Context, pid int, id string) (ServiceConfig, error) {
	var cfg ServiceConfig
	err := c.doJSON(ctx, pid, http.MethodGet, servicePath(id, "/config"), nil, &cfg)
	return cfg, err
}

// UpdateServiceConfig replaces a service's type-specific config. It applies
// from the service's next start.
func (c *Client) UpdateServiceConfig(ctx context.Context, pid int, id string, config map[string]any) (ServiceConfig, error) {
	var cfg ServiceConfig
	err := c.doJSON(ctx, pid, http.MethodPut, servicePath(id, "/config"), config, &cfg)
	return cfg, err
}

// ServiceEnv returns the environment a service runs (or would run) with.
func (c *Client) ServiceEnv(ctx context.Context, pid int, id string) (map[string]string, error) {
	var env map[string]string
	err := c.doJSON(ctx, pid, http.MethodGet, servicePath(id, "/env"), nil, &env)
	return env, err
}

// StartAll starts every stopped service in dependency order.
func (c *Client) StartAll(ctx context.Context, pid int) (Topology, error) {
	return c.bulk(ctx, pid, "start")
}

// StopAll stops every started service in reverse dependency order.
func (c *Client) StopAll(ctx context.Context, pid int) (Topology, error) {
	return c.bulk(ctx, pid, "stop")
}

// RestartAll stops then starts every service.
func (c *Client) RestartAll(ctx context.Context, pid int) (Topology, error) {
	return c.bulk(ctx, pid, "restart")
}

// StartService starts one service.
func (c *Client) StartService(ctx context.Context, pid int, id string) (ServiceInfo, error) {
	return c.serviceAction(ctx, pid, id, "start")
}

// StopService stops one service.
func (c *Client) StopService(ctx context.Context, pid int, id string) (ServiceInfo, error) {
	return c.serviceAction(ctx, pid, id, "stop")
}

// RestartService stops then starts one service.
func (c *Client) RestartService(ctx context.Context, pid int, id string) (ServiceInfo, error) {
	return c.serviceAction(ctx, pid, id, "restart")
}

func (c *Client) bulk(ctx context.Context, pid int, action string) (Topology, error) {
	var t Topology
	err := c.send(ctx, pid, http.MethodPost, "/api/services/"+action, nil, &t)
	return t, err
}

func (c *Client) serviceAction(ctx context.Context, pid int, id, action string) (ServiceInfo, error) {
	var info ServiceInfo
	err := c.send(ctx, pid, http.MethodPost, servicePath(id, "/"+action), nil, &info)
	return info, err
}

// Inject sends req to a service through the runtime and returns the
// service's response as it was. A non-2xx answer from the service is not an
// error; a failure inside the runtime is an *APIError.
func (c *Client) Inject(ctx context.Context, pid int, id string, req InjectRequest) (InjectResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := c.newRequest(ctx, pid, method, servicePath(id, "/proxy"+path), bytes.NewReader(req.Body))
	if err != nil {
		return InjectResponse{}, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return InjectResponse{}, fmt.Errorf("runtime %d: %w", pid, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return InjectResponse{}, fmt.Errorf("runtime %d: read response: %w", pid, err)
	}
	if apiErr := runtimeError(resp, body); apiErr != nil {
		return InjectResponse{}, apiErr
	}
	return InjectResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// runtimeError recognises an error raised by the runtime itself, as opposed
// to an error status returned by the proxied service. Runtime errors carry
// an error body with a PLT_ code.
func runtimeError(resp *http.Response, body []byte) *APIError {
	if resp.StatusCode < 400 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil || !strings.HasPrefix(eb.Code, "PLT_") || eb.StatusCode != resp.StatusCode {
		return nil
	}
	return &APIError{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Error}
}

// doJSON is send bounded by the client's timeout.
func (c *Client) doJSON(ctx context.Context, pid int, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.send(ctx, pid, method, path, in, out)
}

// send issues a JSON request and decodes the response into out. Lifecycle
// commands call it directly and are bounded only by ctx.
func (c *Client) send(ctx context.Context, pid int, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, pid, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runtime %d: %w", pid, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("runtime %d: decode response: %w", pid, err)
	}
	return nil
}

// stream opens a long-lived request. The caller closes the body.
func (c *Client) stream(ctx context.Context, pid int, path string) (*http.Response, error) {
	req, err := c.newRequest(ctx, pid, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime %d: %w", pid, err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, pid int, method, path string, body io.Reader) (*http.Request, error) {
	ctx = context.WithValue(ctx, pidKey{}, pid)
	req, err := http.NewRequestWithContext(ctx, method, "http://runtime"+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// checkResponse turns a non-2xx response into an *APIError.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func servicePath(id, suffix string) string {
	return "/api/services/" + url.PathEscape(id) + suffix
}
