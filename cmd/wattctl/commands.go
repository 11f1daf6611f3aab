package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matgreaves/watt/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (c *cli) psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List runtimes running on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instances, err := c.client.Instances(cmd.Context())
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Fprintln(c.errOut, "No runtimes running.")
				return nil
			}
			t := &table{
				headers: []string{"PID", "NAME", "VERSION", "STATUS", "UPTIME", "URL", "DIR"},
				color:   statusColumn(3),
			}
			for _, m := range instances {
				t.add(strconv.Itoa(m.PID), m.PackageName, orDash(m.PackageVersion), m.Status,
					formatUptime(m.UptimeSeconds), orDash(m.URL), m.ProjectDir)
			}
			t.render(c.out)
			return nil
		},
	}
}

func (c *cli) servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services of a runtime in start order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.resolve(cmd.Context())
			if err != nil {
				return err
			}
			topo, err := c.client.Services(cmd.Context(), m.PID)
			if err != nil {
				return err
			}
			c.renderTopology(topo)
			return nil
		},
	}
}

func (c *cli) renderTopology(topo client.Topology) {
	t := &table{headers: []string{"SERVICE", "TYPE", "STATUS", "URL", "DEPENDENCIES"}}
	total := len(topo.Services)
	t.color = func(row, col int, s string) string {
		switch col {
		case 0:
			return colorService(s, row, total)
		case 2:
			return colorStatus(s)
		}
		return s
	}
	for _, s := range topo.Services {
		id := s.ID
		if s.Entrypoint {
			id += " *"
		}
		t.add(id, s.Type, s.Status, orDash(s.URL), orDash(strings.Join(s.Dependencies, ", ")))
	}
	t.render(c.out)
}

func (c *cli) renderService(s client.ServiceInfo) {
	fmt.Fprintf(c.out, "%s %s", bold(s.ID), colorStatus(s.Status))
	if s.URL != "" {
		fmt.Fprintf(c.out, " %s", dim(s.URL))
	}
	fmt.Fprintln(c.out)
}

type (
	bulkFunc    func(*client.Client, context.Context, int) (client.Topology, error)
	serviceFunc func(*client.Client, context.Context, int, string) (client.ServiceInfo, error)
)

// actionCmd builds start, stop and restart. With no argument they act on
// every service.
func (c *cli) actionCmd(name, short string, all bulkFunc, one serviceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [service]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := c.resolve(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				info, err := one(c.client, ctx, m.PID, args[0])
				if err != nil {
					return err
				}
				c.renderService(info)
				return nil
			}
			topo, err := all(c.client, ctx, m.PID)
			if err != nil {
				return err
			}
			c.renderTopology(topo)
			return nil
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	var opts client.LogOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Follow the live logs of a runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.resolve(cmd.Context())
			if err != nil {
				return err
			}
			return c.client.StreamLogs(cmd.Context(), m.PID, opts, func(line []byte) error {
				_, err := fmt.Fprintf(c.out, "%s\n", line)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Level, "level", "l", "", "minimum level (trace, debug, info, warn, error, fatal)")
	cmd.Flags().BoolVar(&opts.Pretty, "pretty", false, "human-readable lines instead of JSON")
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	var opts client.EventOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the lifecycle events of a runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.resolve(cmd.Context())
			if err != nil {
				return err
			}
			return c.client.StreamEvents(cmd.Context(), m.PID, opts, func(ev client.Event) error {
				line := fmt.Sprintf("%s %-24s", dim(ev.Timestamp.Local().Format(time.TimeOnly)), ev.Type)
				if ev.Service != "" {
					line += " " + bold(ev.Service)
				}
				if ev.URL != "" {
					line += " " + ev.URL
				}
				if ev.Message != "" {
					line += " " + ev.Message
				}
				if ev.Error != "" {
					line += " " + colorStatus("errored") + ": " + ev.Error
				}
				_, err := fmt.Fprintln(c.out, line)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Service, "service", "s", "", "only events for this service")
	cmd.Flags().Uint64Var(&opts.Since, "since", 0, "skip events up to and including this sequence number")
	return cmd
}

func (c *cli) envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env [service]",
		Short: "Print the environment of a runtime, or of one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := c.resolve(ctx)
			if err != nil {
				return err
			}
			var env map[string]string
			if len(args) == 1 {
				env, err = c.client.ServiceEnv(ctx, m.PID, args[0])
			} else {
				env, err = c.client.Env(ctx, m.PID)
			}
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(env))
			for k := range env {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(c.out, "%s=%s\n", k, env[k])
			}
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "config <service>",
		Short: "Print a service's config as YAML, or replace it with --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := c.resolve(ctx)
			if err != nil {
				return err
			}

			var cfg client.ServiceConfig
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var update map[string]any
				if err := yaml.Unmarshal(data, &update); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				cfg, err = c.client.UpdateServiceConfig(ctx, m.PID, args[0], update)
				if err != nil {
					return err
				}
			} else {
				cfg, err = c.client.ServiceConfig(ctx, m.PID, args[0])
				if err != nil {
					return err
				}
			}

			enc := yaml.NewEncoder(c.out)
			enc.SetIndent(2)
			if err := enc.Encode(serviceYAML(cfg)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file holding the new type-specific config")
	return cmd
}

// serviceYAML shapes a ServiceConfig the way it is written in a config file.
func serviceYAML(cfg client.ServiceConfig) any {
	return struct {
		ID           string            `yaml:"id"`
		Type         string            `yaml:"type"`
		Dependencies []string          `yaml:"dependencies,omitempty"`
		Config       map[string]any    `yaml:"config,omitempty"`
		Env          map[string]string `yaml:"env,omitempty"`
	}{cfg.ID, cfg.Type, cfg.Dependencies, cfg.Config, cfg.Env}
}

func (c *cli) injectCmd() *cobra.Command {
	var (
		method  string
		headers []string
		data    string
		include bool
	)
	cmd := &cobra.Command{
		Use:   "inject <service> <path>",
		Short: "Send an HTTP request to a service and print the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := c.resolve(ctx)
			if err != nil {
				return err
			}

			req := client.InjectRequest{Method: method, Path: args[1], Headers: http.Header{}}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, want \"Name: value\"", h)
				}
				req.Headers.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}
			if data != "" {
				req.Body = []byte(data)
				if req.Method == "" {
					req.Method = http.MethodPost
				}
			}
			if req.Method == "" {
				req.Method = http.MethodGet
			}
			req.Method = strings.ToUpper(req.Method)

			resp, err := c.client.Inject(ctx, m.PID, args[0], req)
			if err != nil {
				return err
			}
			status := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			fmt.Fprintf(c.errOut, "%s %s %s\n", colorMethod(req.Method), req.Path, colorHTTPStatus(resp.StatusCode, status))
			if include {
				keys := make([]string, 0, len(resp.Headers))
				for k := range resp.Headers {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					for _, v := range resp.Headers[k] {
						fmt.Fprintf(c.out, "%s: %s\n", k, v)
					}
				}
				fmt.Fprintln(c.out)
			}
			_, err = c.out.Write(resp.Body)
			return err
		},
	}
	cmd.Flags().StringVarP(&method, "request", "X", "", "HTTP method (default GET, or POST with --data)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header \"Name: value\" (repeatable)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "print response headers")
	return cmd
}

func statusColumn(col int) func(int, int, string) string {
	return func(_, i int, s string) string {
		if i == col {
			return colorStatus(s)
		}
		return s
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Hour {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
