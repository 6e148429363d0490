// Package executor runs mtr diagnostics across a fleet of hosts over SSH.
//
// Every host gets its own execution unit with its own SSH connection and
// deadlines. A failing host never affects the others: its failure is recorded
// as that host's Outcome and the batch carries on. Execute returns only after
// every unit has finished or timed out.
//
// Callback Pattern
//
// Outcomes can also be delivered through a callback as each host completes,
// enabling progress output without waiting for the whole batch.
//
// Example Usage:
//
//	exec := executor.NewExecutor(inv)
//
//	hosts, _ := inv.GetHosts([]string{"edge"})
//	result, err := exec.Execute(ctx, hosts, "8.8.8.8", 10)
//	if err != nil {
//	    log.Fatal(err) // only invalid input ends up here
//	}
//	for id, outcome := range result {
//	    if outcome.Success() {
//	        fmt.Printf("[%d] %d hops\n", id, len(outcome.Hops))
//	    } else {
//	        fmt.Printf("[%d] %s: %v\n", id, executor.Classify(outcome.Err), outcome.Err)
//	    }
//	}
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"github.com/liliang-cn/hoptrace/pkg/mtr"
	hopssh "github.com/liliang-cn/hoptrace/pkg/ssh"
)

var (
	// ErrInvalidInput is returned by Execute when the request itself is
	// unusable. Nothing runs in that case.
	ErrInvalidInput = errors.New("invalid input")
	// ErrHostInactive is the outcome of a host marked inactive.
	ErrHostInactive = errors.New("host is inactive")
)

// SSHClient interface abstracts the SSH client interactions
type SSHClient interface {
	Exec(ctx context.Context, spec hopssh.HostSpec, cmd string) (*hopssh.ExecResult, error)
	TestConnection(ctx context.Context, spec hopssh.HostSpec) error
}

// Options holds engine settings.
type Options struct {
	// Tool is the diagnostic binary run on each host.
	Tool string
	// ConnectTimeout bounds dial and handshake of every unit.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a whole unit, connect included.
	CommandTimeout time.Duration
	// ProbeTimeout bounds a connectivity probe.
	ProbeTimeout time.Duration
	// Parallel caps concurrent units; 0 means no cap.
	Parallel int
	// KnownHostsPath and HostKeyPolicy configure host key checking.
	KnownHostsPath string
	HostKeyPolicy  hopssh.HostKeyPolicy
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Tool:           DefaultTool,
		ConnectTimeout: hopssh.DefaultConnectTimeout,
		CommandTimeout: 5 * time.Minute,
		ProbeTimeout:   10 * time.Second,
		HostKeyPolicy:  hopssh.HostKeyAcceptNew,
	}
}

// OptionsFromConfig derives Options from a loaded configuration.
func OptionsFromConfig(cfg *inventory.Config) Options {
	opts := DefaultOptions()
	if cfg.Diag.Tool != "" {
		opts.Tool = cfg.Diag.Tool
	}
	opts.ConnectTimeout = cfg.ConnectTimeoutDuration()
	opts.CommandTimeout = cfg.CommandTimeoutDuration()
	opts.ProbeTimeout = cfg.ProbeTimeoutDuration()
	opts.Parallel = cfg.Diag.Parallel
	opts.KnownHostsPath = cfg.SSH.KnownHostsPath
	if policy, err := hopssh.ParseHostKeyPolicy(cfg.SSH.HostKeyPolicy); err == nil {
		opts.HostKeyPolicy = policy
	}
	return opts
}

// Executor handles parallel execution
type Executor struct {
	opts       Options
	logger     *logger.Logger
	baseClient SSHClient
}

// New creates an executor with explicit options.
func New(opts Options) *Executor {
	defaults := DefaultOptions()
	if opts.Tool == "" {
		opts.Tool = defaults.Tool
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaults.CommandTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = defaults.HostKeyPolicy
	}
	return &Executor{
		opts:   opts,
		logger: logger.Default(),
	}
}

// NewExecutor creates a new executor configured from inv.
func NewExecutor(inv *inventory.Inventory) *Executor {
	cfg := inv.GetConfig()
	e := New(OptionsFromConfig(cfg))
	e.logger = logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Output:     cfg.Log.Output,
		NoColor:    cfg.Log.NoColor,
		ShowTime:   cfg.Log.ShowTime,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return e
}

// Options returns the effective settings.
func (e *Executor) Options() Options {
	return e.opts
}

// SetLogger sets custom logger
func (e *Executor) SetLogger(l *logger.Logger) {
	e.logger = l
}

// GetLogger gets logger
func (e *Executor) GetLogger() *logger.Logger {
	return e.logger
}

// SetBaseClient sets the base SSH client (useful for testing)
func (e *Executor) SetBaseClient(client SSHClient) {
	e.baseClient = client
}

// sshClient returns the injected client or a fresh one. A fresh client only
// holds settings; connections are opened per unit and never shared.
func (e *Executor) sshClient(connectTimeout time.Duration) (SSHClient, error) {
	if e.baseClient != nil {
		return e.baseClient, nil
	}
	client, err := hopssh.NewClient(
		hopssh.WithConnectTimeout(connectTimeout),
		hopssh.WithKnownHosts(e.opts.KnownHostsPath),
		hopssh.WithHostKeyPolicy(e.opts.HostKeyPolicy),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client: %w", err)
	}
	return client, nil
}

// brokenClient stands in when the SSH client cannot be built, so every unit
// still gets an outcome.
type brokenClient struct {
	err error
}

func (c brokenClient) Exec(context.Context, hopssh.HostSpec, string) (*hopssh.ExecResult, error) {
	return nil, c.err
}

func (c brokenClient) TestConnection(context.Context, hopssh.HostSpec) error {
	return c.err
}

// Outcome is the result of one host's unit: hops on success, Err otherwise.
type Outcome struct {
	HostID    int64
	Host      string
	Hops      []mtr.HopRecord
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// Success reports whether the unit produced hops.
func (o *Outcome) Success() bool {
	return o.Err == nil
}

// Duration is the wall time of the unit.
func (o *Outcome) Duration() time.Duration {
	return o.EndTime.Sub(o.StartTime)
}

// AggregateResult maps host id to outcome. Its key set is exactly the ids
// of the hosts passed to Execute.
type AggregateResult map[int64]*Outcome

// IDs returns the host ids in ascending order.
func (r AggregateResult) IDs() []int64 {
	ids := make([]int64, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Failed returns the ids of failed hosts in ascending order.
func (r AggregateResult) Failed() []int64 {
	var ids []int64
	for _, id := range r.IDs() {
		if !r[id].Success() {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllSuccess reports whether every host succeeded.
func (r AggregateResult) AllSuccess() bool {
	return len(r.Failed()) == 0
}

// TraceRequest describes one diagnostic batch.
type TraceRequest struct {
	Hosts  []inventory.Host
	Target string
	Count  int
	// Parallel overrides Options.Parallel when positive.
	Parallel int
	// CommandTimeout overrides Options.CommandTimeout when positive.
	CommandTimeout time.Duration
}

// OutcomeCallback receives each outcome as its unit completes. It is called
// from the unit goroutines and must be safe for concurrent use.
type OutcomeCallback func(outcome *Outcome)

// Execute runs the diagnostic against target from every host and waits for
// all of them. Only ErrInvalidInput is returned as an error; host failures,
// including an unusable known_hosts setup, are reported in the result.
func (e *Executor) Execute(ctx context.Context, hosts []inventory.Host, target string, count int) (AggregateResult, error) {
	return e.Trace(ctx, &TraceRequest{Hosts: hosts, Target: target, Count: count}, nil)
}

// Trace is Execute with per-request overrides and an optional callback.
func (e *Executor) Trace(ctx context.Context, req *TraceRequest, callback OutcomeCallback) (AggregateResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	client, err := e.sshClient(e.opts.ConnectTimeout)
	if err != nil {
		e.logger.WithField("error", err.Error()).Warn("SSH setup failed, every host will fail to connect")
		client = brokenClient{err: fmt.Errorf("%w: %v", hopssh.ErrConnect, err)}
	}

	parallel := e.opts.Parallel
	if req.Parallel > 0 {
		parallel = req.Parallel
	}
	commandTimeout := e.opts.CommandTimeout
	if req.CommandTimeout > 0 {
		commandTimeout = req.CommandTimeout
	}
	cmd := BuildCommand(e.opts.Tool, req.Count, req.Target)

	e.logger.Debug("tracing %s from %d hosts (parallel=%d)", req.Target, len(req.Hosts), parallel)

	// Each unit writes only its own slot.
	outcomes := make([]*Outcome, len(req.Hosts))

	var sem chan struct{}
	if parallel > 0 {
		sem = make(chan struct{}, parallel)
	}
	var wg sync.WaitGroup

	for i, host := range req.Hosts {
		wg.Add(1)
		go func(i int, h inventory.Host) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{} // Acquire semaphore
				defer func() { <-sem }()
			}

			outcome := &Outcome{
				HostID:    h.ID,
				Host:      h.Address,
				StartTime: time.Now(),
			}
			outcome.Hops, outcome.Err = e.runHost(ctx, client, h, cmd, commandTimeout)
			outcome.EndTime = time.Now()
			outcomes[i] = outcome

			e.logOutcome(h, outcome)
			if callback != nil {
				callback(outcome)
			}
		}(i, host)
	}

	wg.Wait()

	result := make(AggregateResult, len(outcomes))
	for _, o := range outcomes {
		result[o.HostID] = o
	}
	return result, nil
}

func (e *Executor) logOutcome(h inventory.Host, o *Outcome) {
	entry := e.logger.WithFields(map[string]interface{}{
		"host_id":  h.ID,
		"address":  h.Address,
		"duration": o.Duration().Round(time.Millisecond),
	})
	if o.Err != nil {
		entry.WithField("kind", Classify(o.Err)).Warn("trace failed: %v", o.Err)
		return
	}
	entry.Info("trace finished with %d hops", len(o.Hops))
}

func validateRequest(req *TraceRequest) error {
	if req == nil || len(req.Hosts) == 0 {
		return fmt.Errorf("%w: no hosts", ErrInvalidInput)
	}
	if req.Count < MinCount || req.Count > MaxCount {
		return fmt.Errorf("%w: count %d outside [%d,%d]", ErrInvalidInput, req.Count, MinCount, MaxCount)
	}
	if err := ValidateTarget(req.Target); err != nil {
		return err
	}
	seen := make(map[int64]bool, len(req.Hosts))
	for _, h := range req.Hosts {
		if seen[h.ID] {
			return fmt.Errorf("%w: duplicate host id %d", ErrInvalidInput, h.ID)
		}
		seen[h.ID] = true
	}
	return nil
}

// Failure kinds returned by Classify.
const (
	KindConnect      = "connect"
	KindAuth         = "auth"
	KindExec         = "exec"
	KindNonZeroExit  = "non_zero_exit"
	KindTimeout      = "timeout"
	KindInactive     = "inactive"
	KindInvalidInput = "invalid_input"
)

// Classify names the failure class of err, or returns "" for nil.
// A connect timeout is classified as a timeout.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrHostInactive):
		return KindInactive
	case errors.Is(err, hopssh.ErrTimeout):
		return KindTimeout
	case errors.Is(err, hopssh.ErrAuth):
		return KindAuth
	case errors.Is(err, hopssh.ErrConnect):
		return KindConnect
	case errors.Is(err, hopssh.ErrNonZeroExit):
		return KindNonZeroExit
	default:
		return KindExec
	}
}
