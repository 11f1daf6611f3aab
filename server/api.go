package server

import (
	"net/http"

	"github.com/matgreaves/watt/spec"
)

// RuntimeMetadata describes a running runtime instance. It is what
// GET /api/metadata returns and what discovery probes for.
type RuntimeMetadata struct {
	PID            int                `json:"pid"`
	PackageName    string             `json:"packageName"`
	PackageVersion string             `json:"packageVersion,omitempty"`
	ProjectDir     string             `json:"projectDir"`
	UptimeSeconds  float64            `json:"uptimeSeconds"`
	Status         spec.ServiceStatus `json:"status"`
	URL            string             `json:"url,omitempty"`
	GoVersion      string             `json:"goVersion"`
	Argv           []string           `json:"argv"`
}

// ServiceInfo is one service as seen by the coordinator.
type ServiceInfo struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Entrypoint   bool               `json:"entrypoint"`
	Dependencies []string           `json:"dependencies"`
	Status       spec.ServiceStatus `json:"status"`
	URL          string             `json:"url,omitempty"`
	LocalURL     string             `json:"localUrl"`
}

// Topology lists every service in start order.
type Topology struct {
	Entrypoint string        `json:"entrypoint"`
	Services   []ServiceInfo `json:"services"`
}

// InjectRequest is an HTTP request to replay against a service's endpoint.
// URL holds the path and query only.
type InjectRequest struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// InjectResponse is the service's answer to an InjectRequest, verbatim.
type InjectResponse struct {
	StatusCode int         `json:"statusCode"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// ErrorBody is the JSON body of every control-plane error response.
type ErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Error      string `json:"error"`
}

// Worker channel messages.

type startRequest struct {
	Port int `json:"port"`
}

type startResponse struct {
	URL string `json:"url"`
}

type statusResponse struct {
	Status spec.ServiceStatus `json:"status"`
	URL    string             `json:"url,omitempty"`
}

// workerEvent is an unsolicited status change reported by a worker.
type workerEvent struct {
	Status spec.ServiceStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}
