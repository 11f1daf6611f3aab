package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/matgreaves/run"
)

// StaticConfig is the type-specific config for "static" services.
type StaticConfig struct {
	// Root is the directory to serve, relative to the project dir.
	Root string `json:"root"`
}

// Static implements Type by serving a directory over HTTP.
type Static struct{}

// Publish resolves the endpoint for a static service.
func (Static) Publish(_ context.Context, params PublishParams) (Endpoint, error) {
	return PublishLocal(params)
}

// Runner serves the configured root until ctx is cancelled.
func (Static) Runner(params StartParams) run.Runner {
	var cfg StaticConfig
	if err := decodeConfig(params.Spec, &cfg); err != nil {
		return failed(err)
	}
	root := resolveDir(params.ProjectDir, cfg.Root)
	return serve(params.Endpoint, http.FileServer(http.Dir(root)))
}

// Handler implements Type for a service backed by an in-process
// http.Handler. It lets embedders run Go services under the supervisor.
type Handler struct {
	http.Handler
}

// Publish resolves the endpoint for a handler service.
func (Handler) Publish(_ context.Context, params PublishParams) (Endpoint, error) {
	return PublishLocal(params)
}

// Runner serves the handler until ctx is cancelled.
func (h Handler) Runner(params StartParams) run.Runner {
	return serve(params.Endpoint, h.Handler)
}

// serve runs an HTTP server on ep until ctx is cancelled, then shuts it
// down gracefully.
func serve(ep Endpoint, h http.Handler) run.Runner {
	return run.Func(func(ctx context.Context) error {
		ln, err := net.Listen("tcp", ep.Addr())
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(ln) }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	})
}

func resolveDir(projectDir, dir string) string {
	if dir == "" {
		return projectDir
	}
	if filepath.IsAbs(dir) || projectDir == "" {
		return dir
	}
	return filepath.Join(projectDir, dir)
}
