package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client calls a remote hoptrace-server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Without options the connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

// Trace starts a trace job; unless req.Async the job is finished on return.
func (c *Client) Trace(ctx context.Context, req *TraceRequest) (*JobInfo, error) {
	out := new(TraceResponse)
	if err := c.invoke(ctx, "Trace", req, out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// Probe tests SSH connectivity of the selected hosts.
func (c *Client) Probe(ctx context.Context, patterns []string) (*ProbeResponse, error) {
	out := new(ProbeResponse)
	if err := c.invoke(ctx, "Probe", &ProbeRequest{Hosts: patterns}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hosts lists the selected hosts.
func (c *Client) Hosts(ctx context.Context, patterns []string) (*HostsResponse, error) {
	out := new(HostsResponse)
	if err := c.invoke(ctx, "Hosts", &HostsRequest{Hosts: patterns}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*JobInfo, error) {
	out := new(JobInfo)
	if err := c.invoke(ctx, "GetJob", &JobRequest{JobID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobs lists jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, req *ListJobsRequest) (*ListJobsResponse, error) {
	out := new(ListJobsResponse)
	if err := c.invoke(ctx, "ListJobs", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches result counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, "Stats", &StatsRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Healthy reports whether the Diagnostics service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
