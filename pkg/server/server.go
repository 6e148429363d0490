// Package server exposes hoptrace over gRPC.
//
// The Diagnostics service (hoptrace.Diagnostics) is registered from a
// hand-written grpc.ServiceDesc and uses a JSON codec, so clients must call
// it with the "json" content-subtype (see Client).
//
// Job Management
//
// Each Trace call creates a Job with a unique ID that tracks:
//   - Status (running/completed/failed)
//   - Per-host results with hops, error kind and timing
//
// Jobs are kept in memory up to [server] max_jobs; the oldest finished jobs
// are evicted first. Stats are computed over the retained jobs.
//
// Example Usage:
//
//	srv, err := server.NewServer("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	lis, _ := net.Listen("tcp", ":50051")
//	gs := srv.GRPCServer()
//	gs.Serve(lis)
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/hoptrace/pkg/dispatch"
	"github.com/liliang-cn/hoptrace/pkg/executor"
	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// DefaultMaxJobs bounds the in-memory job table when [server] max_jobs is unset.
const DefaultMaxJobs = 500

// Server implements DiagnosticsServer on top of a dispatch client.
type Server struct {
	dispatch *dispatch.Dispatch
	log      *logger.Logger
	health   *health.Server

	// jobs stores jobs by id; order keeps creation order for eviction.
	jobs    map[string]*Job
	order   []string
	maxJobs int
	jobMu   sync.RWMutex

	// running tracks async traces.
	running sync.WaitGroup

	reloadDelay time.Duration
}

// JobStatus is the state of a trace job.
type JobStatus string

const (
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed" // every host produced a report
	StatusFailed    JobStatus = "failed"    // at least one host failed, or the batch was rejected
)

// Job is one trace batch.
type Job struct {
	ID          string
	Target      string
	Count       int
	Patterns    []string
	Total       int
	Status      JobStatus
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Results     map[int64]*HostResult

	mu sync.RWMutex
}

// NewServer creates a server for the config at configPath.
// If configPath is empty, the default path ~/.hoptrace/config.toml is used.
func NewServer(configPath string) (*Server, error) {
	d, err := dispatch.New(&dispatch.Config{ConfigPath: configPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch client: %w", err)
	}
	return NewServerWithDispatch(d), nil
}

// NewServerWithDispatch wraps an existing dispatch client.
func NewServerWithDispatch(d *dispatch.Dispatch) *Server {
	maxJobs := d.GetInventory().GetConfig().Server.MaxJobs
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &Server{
		dispatch:    d,
		log:         d.Executor().GetLogger(),
		health:      health.NewServer(),
		jobs:        make(map[string]*Job),
		maxJobs:     maxJobs,
		reloadDelay: 500 * time.Millisecond,
	}
}

// SetLogger replaces the server logger.
func (s *Server) SetLogger(l *logger.Logger) {
	s.log = l
}

// Dispatch returns the underlying client.
func (s *Server) Dispatch() *dispatch.Dispatch {
	return s.dispatch
}

// GRPCServer creates a grpc.Server with the Diagnostics and health services
// registered and request logging installed.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterDiagnosticsServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return gs
}

// Shutdown marks the services as not serving and waits for async traces.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.running.Wait()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := s.log.WithFields(map[string]interface{}{
		"method":   info.FullMethod,
		"code":     status.Code(err).String(),
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Warn("rpc failed")
	} else {
		entry.Debug("rpc")
	}
	return resp, err
}

// Trace runs mtr from the selected hosts and records the batch as a job.
// An invalid request is rejected with InvalidArgument and leaves no job;
// host failures are reported inside the job.
func (s *Server) Trace(ctx context.Context, req *TraceRequest) (*TraceResponse, error) {
	patterns := orAll(req.Hosts)
	if err := executor.ValidateTarget(req.Target); err != nil {
		return nil, toStatus(err)
	}
	hosts, err := s.dispatch.GetHosts(patterns)
	if err != nil {
		return nil, toStatus(err)
	}
	active := 0
	for _, h := range hosts {
		if h.Active {
			active++
		}
	}
	if active == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "no active hosts for patterns %v", patterns)
	}

	var opts []dispatch.TraceOption
	if req.Count > 0 {
		opts = append(opts, dispatch.WithCount(req.Count))
	} else if req.Count < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid count %d", req.Count)
	}
	if req.Parallel > 0 {
		opts = append(opts, dispatch.WithParallel(req.Parallel))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, dispatch.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}

	job := s.newJob(req.Target, req.Count, patterns, active)
	opts = append(opts, dispatch.WithCallback(job.addResult))

	if req.Async {
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			result, err := s.dispatch.Trace(context.WithoutCancel(ctx), patterns, req.Target, opts...)
			s.finishJob(job, result, err)
		}()
		return &TraceResponse{Job: job.info()}, nil
	}

	result, err := s.dispatch.Trace(ctx, patterns, req.Target, opts...)
	if err != nil && rejected(err) {
		s.removeJob(job.ID)
		return nil, toStatus(err)
	}
	s.finishJob(job, result, err)
	return &TraceResponse{Job: job.info()}, nil
}

// Probe tests SSH connectivity of the selected hosts.
func (s *Server) Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	results, err := s.dispatch.Probe(ctx, orAll(req.Hosts))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ProbeResponse{Results: make([]executor.ProbeResult, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, r)
	}
	sort.Slice(resp.Results, func(i, j int) bool { return resp.Results[i].HostID < resp.Results[j].HostID })
	return resp, nil
}

// Hosts lists the selected hosts with credentials stripped.
func (s *Server) Hosts(ctx context.Context, req *HostsRequest) (*HostsResponse, error) {
	hosts, err := s.dispatch.GetHosts(orAll(req.Hosts))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &HostsResponse{Hosts: make([]inventory.Host, 0, len(hosts))}
	for _, h := range hosts {
		resp.Hosts = append(resp.Hosts, h.Redacted())
	}
	return resp, nil
}

// GetJob returns a snapshot of one job.
func (s *Server) GetJob(ctx context.Context, req *JobRequest) (*JobInfo, error) {
	s.jobMu.RLock()
	job, exists := s.jobs[req.JobID]
	s.jobMu.RUnlock()

	if !exists {
		return nil, status.Errorf(codes.NotFound, "job %q not found", req.JobID)
	}
	return job.info(), nil
}

// ListJobs returns jobs matching the status filter, newest first.
func (s *Server) ListJobs(ctx context.Context, req *ListJobsRequest) (*ListJobsResponse, error) {
	switch req.Status {
	case "", StatusRunning, StatusCompleted, StatusFailed:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown job status %q", req.Status)
	}

	s.jobMu.RLock()
	defer s.jobMu.RUnlock()

	resp := &ListJobsResponse{Total: len(s.jobs)}
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		info := job.info()
		if req.Status != "" && info.Status != req.Status {
			continue
		}
		resp.Jobs = append(resp.Jobs, info)
		if req.Limit > 0 && len(resp.Jobs) >= req.Limit {
			break
		}
	}
	return resp, nil
}

// Stats counts per-host results of the retained jobs.
func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	since := time.Now().Add(-24 * time.Hour)

	s.jobMu.RLock()
	defer s.jobMu.RUnlock()

	var resp StatsResponse
	for _, job := range s.jobs {
		job.mu.RLock()
		for _, r := range job.Results {
			resp.Total++
			if r.Success {
				resp.Successful++
			} else {
				resp.Failed++
			}
			if r.StartedAt.After(since) {
				resp.Last24h++
			}
		}
		job.mu.RUnlock()
	}
	return &resp, nil
}

func (s *Server) newJob(target string, count int, patterns []string, total int) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		Total:     total,
		Target:    target,
		Count:     count,
		Patterns:  patterns,
		Status:    StatusRunning,
		CreatedAt: time.Now(),
		Results:   make(map[int64]*HostResult),
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.evictLocked()
	return job
}

// evictLocked drops the oldest finished jobs beyond maxJobs. Running jobs
// are never evicted.
func (s *Server) evictLocked() {
	excess := len(s.jobs) - s.maxJobs
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.jobs[id].status() != StatusRunning {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Server) removeJob(id string) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Server) finishJob(job *Job, result *dispatch.TraceResult, err error) {
	job.mu.Lock()
	now := time.Now()
	job.CompletedAt = &now
	switch {
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
	case !result.AllSuccess():
		job.Status = StatusFailed
	default:
		job.Status = StatusCompleted
	}
	if result != nil {
		job.Count = result.Count
	}
	job.mu.Unlock()

	entry := s.log.WithFields(map[string]interface{}{
		"job":    job.ID,
		"target": job.Target,
		"status": string(job.status()),
	})
	if err != nil {
		entry.WithError(err).Warn("trace job rejected")
		return
	}
	entry.Info("trace job finished: %d hosts, %d failed", len(result.Hosts), len(result.FailedHosts()))
}

func (j *Job) addResult(hr *dispatch.HostResult) {
	r := NewHostResult(hr)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Results[r.HostID] = r
}

func (j *Job) status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

func (j *Job) info() *JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()

	info := &JobInfo{
		ID:          j.ID,
		Status:      j.Status,
		Target:      j.Target,
		Count:       j.Count,
		Patterns:    j.Patterns,
		TotalHosts:  j.Total,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		Results:     make([]*HostResult, 0, len(j.Results)),
	}
	for _, r := range j.Results {
		if r.Success {
			info.CompletedHosts++
		} else {
			info.FailedHosts++
		}
		info.Results = append(info.Results, r)
	}
	sort.Slice(info.Results, func(a, b int) bool { return info.Results[a].HostID < info.Results[b].HostID })
	return info
}

// NewHostResult converts a dispatch result to its wire form.
func NewHostResult(hr *dispatch.HostResult) *HostResult {
	r := &HostResult{
		HostID:     hr.HostID,
		Name:       hr.Name,
		Address:    hr.Address,
		Success:    hr.Success,
		ErrorKind:  hr.ErrorKind,
		Hops:       hr.Hops,
		Summary:    hr.Summary,
		DurationMs: hr.Duration.Milliseconds(),
		StartedAt:  hr.StartTime,
	}
	if hr.Err != nil {
		r.Error = hr.Err.Error()
	}
	return r
}

// HostResults converts a whole trace result, ordered by host id.
func HostResults(result *dispatch.TraceResult) []*HostResult {
	sorted := result.SortedHosts()
	out := make([]*HostResult, 0, len(sorted))
	for _, hr := range sorted {
		out = append(out, NewHostResult(hr))
	}
	return out
}

func orAll(patterns []string) []string {
	if len(patterns) == 0 {
		return []string{"all"}
	}
	return patterns
}

func rejected(err error) bool {
	return errors.Is(err, executor.ErrInvalidInput) || errors.Is(err, inventory.ErrNoHosts)
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, executor.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, inventory.ErrNoHosts):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
