package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/executor"
	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/mtr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hoptrace.Diagnostics"

// codecName is the content-subtype of every Diagnostics call
// (application/grpc+json).
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// TraceRequest starts a trace job.
type TraceRequest struct {
	// Hosts are inventory patterns; empty selects all hosts.
	Hosts          []string `json:"hosts,omitempty"`
	Target         string   `json:"target"`
	Count          int      `json:"count,omitempty"`
	Parallel       int      `json:"parallel,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	// Async returns as soon as the job is registered.
	Async bool `json:"async,omitempty"`
}

// TraceResponse carries the job created by Trace.
type TraceResponse struct {
	Job *JobInfo `json:"job"`
}

// HostResult is the per-host part of a job.
type HostResult struct {
	HostID     int64           `json:"host_id"`
	Name       string          `json:"name,omitempty"`
	Address    string          `json:"address"`
	Success    bool            `json:"success"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	Hops       []mtr.HopRecord `json:"hops,omitempty"`
	Summary    mtr.Summary     `json:"summary"`
	DurationMs int64           `json:"duration_ms"`
	StartedAt  time.Time       `json:"started_at"`
}

// JobInfo is a snapshot of a job.
type JobInfo struct {
	ID             string        `json:"id"`
	Status         JobStatus     `json:"status"`
	Target         string        `json:"target"`
	Count          int           `json:"count"`
	Patterns       []string      `json:"patterns,omitempty"`
	TotalHosts     int           `json:"total_hosts"`
	CompletedHosts int           `json:"completed_hosts"`
	FailedHosts    int           `json:"failed_hosts"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Results        []*HostResult `json:"results,omitempty"`
}

// ProbeRequest selects the hosts to probe.
type ProbeRequest struct {
	Hosts []string `json:"hosts,omitempty"`
}

// ProbeResponse lists probe results ordered by host id.
type ProbeResponse struct {
	Results []executor.ProbeResult `json:"results"`
}

// HostsRequest selects the hosts to list.
type HostsRequest struct {
	Hosts []string `json:"hosts,omitempty"`
}

// HostsResponse lists hosts without credentials.
type HostsResponse struct {
	Hosts []inventory.Host `json:"hosts"`
}

// JobRequest names a job.
type JobRequest struct {
	JobID string `json:"job_id"`
}

// ListJobsRequest filters jobs by status; empty status lists all.
type ListJobsRequest struct {
	Status JobStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// ListJobsResponse lists jobs newest first.
type ListJobsResponse struct {
	Jobs  []*JobInfo `json:"jobs"`
	Total int        `json:"total"`
}

// StatsRequest is empty.
type StatsRequest struct{}

// StatsResponse counts per-host trace results of the retained jobs.
type StatsResponse struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Last24h    int `json:"last_24h"`
}

// DiagnosticsServer is the server API of the Diagnostics service.
type DiagnosticsServer interface {
	Trace(context.Context, *TraceRequest) (*TraceResponse, error)
	Probe(context.Context, *ProbeRequest) (*ProbeResponse, error)
	Hosts(context.Context, *HostsRequest) (*HostsResponse, error)
	GetJob(context.Context, *JobRequest) (*JobInfo, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(DiagnosticsServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DiagnosticsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DiagnosticsServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes hoptrace.Diagnostics for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Trace", Handler: unaryHandler("Trace", DiagnosticsServer.Trace)},
		{MethodName: "Probe", Handler: unaryHandler("Probe", DiagnosticsServer.Probe)},
		{MethodName: "Hosts", Handler: unaryHandler("Hosts", DiagnosticsServer.Hosts)},
		{MethodName: "GetJob", Handler: unaryHandler("GetJob", DiagnosticsServer.GetJob)},
		{MethodName: "ListJobs", Handler: unaryHandler("ListJobs", DiagnosticsServer.ListJobs)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", DiagnosticsServer.Stats)},
	},
	Metadata: "hoptrace/diagnostics",
}

// RegisterDiagnosticsServer registers srv on s.
func RegisterDiagnosticsServer(s grpc.ServiceRegistrar, srv DiagnosticsServer) {
	s.RegisterService(&ServiceDesc, srv)
}
