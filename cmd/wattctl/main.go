// Command wattctl inspects and controls watt runtimes running on this host.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/matgreaves/watt/client"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wattctl: %s\n", oneLine(err))
		os.Exit(1)
	}
}

func oneLine(err error) string {
	return strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", "; ")
}

// cli carries what every subcommand shares.
type cli struct {
	runtime string
	out     io.Writer
	errOut  io.Writer
	client  *client.Client
}

// resolve finds the runtime selected by --runtime.
func (c *cli) resolve(ctx context.Context) (client.RuntimeMetadata, error) {
	return c.client.Find(ctx, c.runtime)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "wattctl",
		Short:         "Inspect and control running watt applications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.client = client.New(client.Options{})
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&c.runtime, "runtime", "r", "", "runtime pid or package name (optional when only one is running)")

	root.AddCommand(
		c.psCmd(),
		c.servicesCmd(),
		c.actionCmd("start", "Start every service, or one service", (*client.Client).StartAll, (*client.Client).StartService),
		c.actionCmd("stop", "Stop every service, or one service", (*client.Client).StopAll, (*client.Client).StopService),
		c.actionCmd("restart", "Restart every service, or one service", (*client.Client).RestartAll, (*client.Client).RestartService),
		c.logsCmd(),
		c.eventsCmd(),
		c.envCmd(),
		c.configCmd(),
		c.injectCmd(),
	)
	return root
}
