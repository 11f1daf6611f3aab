package client

import (
	"net/http"
	"time"
)

// The types below mirror the control plane's JSON bodies. They are
// duplicated here so that clients never import the server.

// RuntimeMetadata describes one running runtime instance.
type RuntimeMetadata struct {
	PID            int      `json:"pid"`
	PackageName    string   `json:"packageName"`
	PackageVersion string   `json:"packageVersion,omitempty"`
	ProjectDir     string   `json:"projectDir"`
	UptimeSeconds  float64  `json:"uptimeSeconds"`
	Status         string   `json:"status"`
	URL            string   `json:"url,omitempty"`
	GoVersion      string   `json:"goVersion"`
	Argv           []string `json:"argv"`
}

// ServiceInfo is the state of one service.
type ServiceInfo struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Entrypoint   bool     `json:"entrypoint"`
	Dependencies []string `json:"dependencies"`
	Status       string   `json:"status"`
	URL          string   `json:"url,omitempty"`
	LocalURL     string   `json:"localUrl"`
}

// Topology lists every service of a runtime in start order.
type Topology struct {
	Entrypoint string        `json:"entrypoint"`
	Services   []ServiceInfo `json:"services"`
}

// ServiceConfig is a service declaration as the runtime currently holds it.
type ServiceConfig struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Config       map[string]any    `json:"config,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// InjectRequest is an HTTP request to send to a service through the
// runtime. Path may carry a query string.
type InjectRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// InjectResponse is the service's response, verbatim.
type InjectResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Event is one lifecycle event from GET /api/events.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Service   string    `json:"service,omitempty"`
	Status    string    `json:"status,omitempty"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Error      string `json:"error"`
}
