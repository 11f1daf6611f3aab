// Command wattd runs the services of a watt config and serves the local
// control plane for them until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matgreaves/watt/internal/transport"
	"github.com/matgreaves/watt/server"
	"github.com/matgreaves/watt/server/service"
	"github.com/matgreaves/watt/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long stopping every service may take.
const shutdownTimeout = 30 * time.Second

type options struct {
	config   string
	logLevel string
	pretty   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wattd: %s\n", strings.ReplaceAll(err.Error(), "\n", "; "))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "wattd",
		Short:         "Run the services of a watt application",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.config, "config", "c", "watt.yaml", "path to the application config")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", os.Getenv("WATT_LOG_LEVEL"), "minimum log level (overrides the config; env WATT_LOG_LEVEL)")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "human-readable logs on stdout")
	return cmd
}

// run boots the supervisor and control plane and blocks until ctx ends.
// Services are stopped before the control plane goes away, so clients can
// watch the shutdown.
func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := spec.Load(opts.config)
	if err != nil {
		return err
	}
	opts.pretty = opts.pretty || cfg.Logger.Pretty

	logs := server.NewLogStream()
	defer logs.Close()
	log, err := newLogger(cfg.Logger, opts, stdout, logs)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	sup, err := server.NewSupervisor(cfg, server.Options{
		Registry: service.DefaultRegistry(),
		Logger:   &log,
		Logs:     io.MultiWriter(logs, consoleFor(opts, stdout)),
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	ln, err := transport.Listen()
	if err != nil {
		closeSupervisor(sup, log)
		return err
	}
	srv := server.NewServer(sup, server.ServerOptions{
		Logs:     logs,
		Gatherer: reg,
		Logger:   &log,
		Metrics:  metrics,
	})
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx, ln) }()
	log.Info().
		Int("pid", os.Getpid()).
		Str("address", transport.Default().Address(os.Getpid())).
		Msg("control plane listening")

	var runErr error
	if err := sup.StartAll(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("start failed")
		runErr = err
	} else if ctx.Err() == nil {
		log.Info().Str("url", sup.Metadata().URL).Msg("application started")
		select {
		case <-ctx.Done():
		case err := <-served:
			closeSupervisor(sup, log)
			return err
		}
	}

	log.Info().Msg("shutting down")
	closeSupervisor(sup, log)
	stopServing()
	if err := <-served; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func closeSupervisor(sup *server.Supervisor, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Close(ctx); err != nil {
		log.Error().Err(err).Msg("stop services")
	}
}

// newLogger builds the runtime logger. Every line goes to the log stream
// as JSON and to stdout as JSON or console text.
func newLogger(cfg spec.Logger, opts options, stdout io.Writer, logs io.Writer) (zerolog.Logger, error) {
	name := cfg.Level
	if opts.logLevel != "" {
		name = opts.logLevel
	}
	level := zerolog.InfoLevel
	if name != "" {
		lvl, err := zerolog.ParseLevel(name)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q", name)
		}
		level = lvl
	}
	w := zerolog.MultiLevelWriter(consoleFor(opts, stdout), logs)
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", "wattd").Logger(), nil
}

func consoleFor(opts options, stdout io.Writer) io.Writer {
	if opts.pretty {
		return zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.TimeOnly}
	}
	return stdout
}
