package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/liliang-cn/hoptrace/pkg/dispatch"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"github.com/liliang-cn/hoptrace/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev" // Set at build time

// app carries the resolved flags of one invocation. Every persistent flag
// can also be set as HOPTRACE_<FLAG>, e.g. HOPTRACE_LOG_LEVEL=debug.
type app struct {
	v   *viper.Viper
	out io.Writer
}

func main() {
	a := &app{v: viper.New(), out: os.Stdout}
	if err := a.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "hoptrace",
		Short:   "Run mtr from many servers over SSH",
		Version: Version,
		Long: `hoptrace - Network path diagnostics from remote vantage points

Examples:
  hoptrace trace --hosts edge 8.8.8.8
  hoptrace trace --hosts "fra,ams" --count 20 --output csv example.com
  hoptrace probe --hosts all
  hoptrace --server 10.0.0.5:50051 trace --hosts edge 1.1.1.1`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Config file path (default: ~/.hoptrace/config.toml)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (default: from config)")
	pf.String("server", "", "hoptrace-server address; trace, probe and hosts run remotely")

	a.v.SetEnvPrefix("HOPTRACE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(pf)

	// Set version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
	rootCmd.SetOut(a.out)

	rootCmd.AddCommand(a.traceCmd())
	rootCmd.AddCommand(a.probeCmd())
	rootCmd.AddCommand(a.hostsCmd())
	rootCmd.AddCommand(a.jobsCmd())
	rootCmd.AddCommand(a.statsCmd())
	rootCmd.AddCommand(a.configCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// dispatch builds a local client from the config file.
func (a *app) dispatch() (*dispatch.Dispatch, error) {
	d, err := dispatch.New(&dispatch.Config{ConfigPath: a.v.GetString("config")})
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	// If log level is specified via command line, override config
	if level := a.v.GetString("log-level"); level != "" {
		d.SetLogger(logger.NewWithLevel(level))
	}
	return d, nil
}

// remote returns a server client when --server is set, nil otherwise.
func (a *app) remote() (*server.Client, error) {
	addr := a.v.GetString("server")
	if addr == "" {
		return nil, nil
	}
	return server.Dial(addr)
}

func (a *app) requireRemote() (*server.Client, error) {
	c, err := a.remote()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("--server is required")
	}
	return c, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hoptrace",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hoptrace version %s\n", Version)
		},
	}
}
