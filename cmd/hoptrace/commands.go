package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/dispatch"
	"github.com/liliang-cn/hoptrace/pkg/executor"
	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/server"
	"github.com/spf13/cobra"
)

// errHostsFailed makes the process exit non-zero when any host failed.
var errHostsFailed = errors.New("some hosts failed")

// traceCmd runs mtr from the selected hosts
func (a *app) traceCmd() *cobra.Command {
	var hosts []string
	var count, parallel int
	var timeout time.Duration
	var output string

	cmd := &cobra.Command{
		Use:   "trace [OPTIONS] TARGET",
		Short: "Run mtr from multiple hosts to a target",
		Example: `  hoptrace trace --hosts edge 8.8.8.8
  hoptrace trace --hosts "1,2,fra" -p 5 --count 20 example.com
  hoptrace trace --hosts all --output json 2001:4860:4860::8888`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if len(hosts) == 0 {
				return fmt.Errorf("--hosts is required")
			}
			format, err := parseFormat(output)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var report *traceReport

			client, err := a.remote()
			if err != nil {
				return err
			}
			if client != nil {
				defer client.Close()
				req := &server.TraceRequest{
					Hosts:          hosts,
					Target:         target,
					Count:          count,
					Parallel:       parallel,
					TimeoutSeconds: int(timeout.Seconds()),
				}
				job, err := client.Trace(ctx, req)
				if err != nil {
					return err
				}
				report = &traceReport{Target: job.Target, Count: job.Count, JobID: job.ID, Results: job.Results}
			} else {
				d, err := a.dispatch()
				if err != nil {
					return err
				}
				opts := []dispatch.TraceOption{dispatch.WithParallel(parallel), dispatch.WithTimeout(timeout)}
				if count > 0 {
					opts = append(opts, dispatch.WithCount(count))
				}
				result, err := d.Trace(ctx, hosts, target, opts...)
				if err != nil {
					return err
				}
				report = &traceReport{Target: result.Target, Count: result.Count, Results: server.HostResults(result)}
			}

			if err := writeTrace(a.out, format, report); err != nil {
				return err
			}
			if n := report.failed(); n > 0 {
				return fmt.Errorf("%w: %d of %d", errHostsFailed, n, len(report.Results))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host ids, names, groups or addresses, comma-separated (required)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, fmt.Sprintf("Report cycles %d-%d (default: from config)", executor.MinCount, executor.MaxCount))
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "Hosts traced at once (default: all)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-host command timeout (default: from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, csv")

	return cmd
}

// probeCmd tests SSH connectivity
func (a *app) probeCmd() *cobra.Command {
	var hosts []string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test SSH connectivity of hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(hosts) == 0 {
				hosts = []string{"all"}
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := a.remote()
			if err != nil {
				return err
			}
			var results []executor.ProbeResult
			if client != nil {
				defer client.Close()
				resp, err := client.Probe(ctx, hosts)
				if err != nil {
					return err
				}
				results = resp.Results
			} else {
				d, err := a.dispatch()
				if err != nil {
					return err
				}
				byID, err := d.Probe(ctx, hosts)
				if err != nil {
					return err
				}
				results = sortProbes(byID)
			}
			return writeProbes(a.out, results)
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host patterns (default: all)")
	return cmd
}

// hostsCmd lists configured hosts
func (a *app) hostsCmd() *cobra.Command {
	var hosts []string

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List configured hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(hosts) == 0 {
				hosts = []string{"all"}
			}

			client, err := a.remote()
			if err != nil {
				return err
			}
			var list []inventory.Host
			if client != nil {
				defer client.Close()
				resp, err := client.Hosts(cmd.Context(), hosts)
				if err != nil {
					return err
				}
				list = resp.Hosts
			} else {
				d, err := a.dispatch()
				if err != nil {
					return err
				}
				list, err = d.GetHosts(hosts)
				if err != nil {
					return err
				}
			}
			return writeHosts(a.out, list)
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host patterns (default: all)")
	return cmd
}

// jobsCmd lists jobs of a hoptrace-server
func (a *app) jobsCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [JOB_ID]",
		Short: "List trace jobs on a hoptrace-server, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.requireRemote()
			if err != nil {
				return err
			}
			defer client.Close()

			if len(args) == 1 {
				job, err := client.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeTrace(a.out, formatTable, &traceReport{Target: job.Target, Count: job.Count, JobID: job.ID, Results: job.Results})
			}

			resp, err := client.ListJobs(cmd.Context(), &server.ListJobsRequest{Status: server.JobStatus(status), Limit: limit})
			if err != nil {
				return err
			}
			return writeJobs(a.out, resp.Jobs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter: running, completed, failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to list (0: all)")
	return cmd
}

// statsCmd prints result counters of a hoptrace-server
func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show trace result counters of a hoptrace-server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.requireRemote()
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Total:      %d\n", stats.Total)
			fmt.Fprintf(a.out, "Successful: %d\n", stats.Successful)
			fmt.Fprintf(a.out, "Failed:     %d\n", stats.Failed)
			fmt.Fprintf(a.out, "Last 24h:   %d\n", stats.Last24h)
			return nil
		},
	}
}

// configCmd config file commands
func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString("config")
			if path == "" {
				path = inventory.DefaultPath()
			}
			path = inventory.ExpandPath(path)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			inv, err := inventory.NewFromConfig(inventory.DefaultConfig())
			if err != nil {
				return err
			}
			if err := inv.SaveAs(path); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
