package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/liliang-cn/hoptrace/pkg/executor"
	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/mtr"
	"github.com/liliang-cn/hoptrace/pkg/server"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatCSV   outputFormat = "csv"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatTable, formatJSON, formatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, csv)", s)
	}
}

// traceReport is what trace prints, from a local run or a server job.
type traceReport struct {
	Target  string               `json:"target"`
	Count   int                  `json:"count"`
	JobID   string               `json:"job_id,omitempty"`
	Results []*server.HostResult `json:"results"`
}

func (r *traceReport) failed() int {
	n := 0
	for _, h := range r.Results {
		if !h.Success {
			n++
		}
	}
	return n
}

func writeTrace(w io.Writer, format outputFormat, r *traceReport) error {
	switch format {
	case formatJSON:
		return mtr.WriteJSON(w, r)
	case formatCSV:
		return writeTraceCSV(w, r)
	default:
		return writeTraceTable(w, r)
	}
}

// writeTraceCSV writes one row per hop, prefixed with the source host.
// Failed hosts are omitted.
func writeTraceCSV(w io.Writer, r *traceReport) error {
	cw := csv.NewWriter(w)
	header := append([]string{"Host ID", "Source"}, mtr.CSVHeader...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, h := range r.Results {
		for _, hop := range h.Hops {
			row := append([]string{strconv.FormatInt(h.HostID, 10), label(h)}, mtr.CSVRecord(hop)...)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTraceTable(w io.Writer, r *traceReport) error {
	fmt.Fprintf(w, "Target: %s  Cycles: %d", r.Target, r.Count)
	if r.JobID != "" {
		fmt.Fprintf(w, "  Job: %s", r.JobID)
	}
	fmt.Fprintln(w)

	for _, h := range r.Results {
		fmt.Fprintln(w)
		if !h.Success {
			fmt.Fprintf(w, "[%d] %s  ✗ %s: %s (%dms)\n", h.HostID, label(h), h.ErrorKind, h.Error, h.DurationMs)
			continue
		}
		fmt.Fprintf(w, "[%d] %s  ✓ %d hops to %s, avg %.1fms, max loss %.1f%% (%dms)\n",
			h.HostID, label(h), h.Summary.Hops, h.Summary.Destination, h.Summary.AvgMs, h.Summary.MaxLoss, h.DurationMs)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  HOP\tHOST\tLOSS%\tSNT\tLAST\tAVG\tBEST\tWRST\tSTDEV")
		for _, hop := range h.Hops {
			fmt.Fprintf(tw, "  %d\t%s\t%.1f\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\n",
				hop.Hop, hop.Host, hop.Loss, hop.Sent, hop.Last, hop.Avg, hop.Best, hop.Worst, hop.StDev)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\n%d hosts, %d failed\n", len(r.Results), r.failed())
	return nil
}

func label(h *server.HostResult) string {
	if h.Name == "" {
		return h.Address
	}
	return h.Name + " " + h.Address
}

func sortProbes(byID map[int64]executor.ProbeResult) []executor.ProbeResult {
	out := make([]executor.ProbeResult, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

func writeProbes(w io.Writer, results []executor.ProbeResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tSTATUS\tLATENCY\tMESSAGE")
	for _, r := range results {
		status := "ok"
		if !r.Reachable {
			status = "failed"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%dms\t%s\n", r.HostID, r.Address, status, r.Latency.Milliseconds(), r.Message)
	}
	return tw.Flush()
}

func writeHosts(w io.Writer, hosts []inventory.Host) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tPORT\tUSER\tAUTH\tACTIVE\tGROUPS\tLOCATION")
	for _, h := range hosts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%t\t%s\t%s\n",
			h.ID, h.Name, h.Address, h.Port, h.User, h.AuthType, h.Active, strings.Join(h.Groups, ","), h.Location)
	}
	return tw.Flush()
}

func writeJobs(w io.Writer, jobs []*server.JobInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTARGET\tHOSTS\tFAILED\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.Status, j.Target, j.TotalHosts, j.FailedHosts, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
