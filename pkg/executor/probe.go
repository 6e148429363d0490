package executor

import (
	"context"
	"sync"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/inventory"
)

// Probe messages.
const (
	MsgConnected = "Connection successful"
	MsgTimeout   = "Connection timeout"
)

// ProbeResult reports whether a host accepted an SSH session.
type ProbeResult struct {
	HostID    int64         `json:"host_id"`
	Address   string        `json:"address"`
	Reachable bool          `json:"reachable"`
	Message   string        `json:"message"`
	Latency   time.Duration `json:"latency"`
}

// Probe opens and closes one SSH session to h within the probe deadline. It
// never fails: unreachable hosts are reported with the reason in Message.
// Inactive hosts are probed too.
func (e *Executor) Probe(ctx context.Context, h inventory.Host) ProbeResult {
	result := ProbeResult{HostID: h.ID, Address: h.Address}
	deadline := e.opts.ProbeTimeout

	spec := HostSpec(h)
	if err := spec.Validate(); err != nil {
		result.Message = err.Error()
		return result
	}

	client, err := e.sshClient(deadline)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	// Returning cancels the attempt; TestConnection closes whatever it
	// established, including a session that finished after the timer.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- client.TestConnection(ctx, spec)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case err := <-done:
		result.Latency = time.Since(start)
		if err != nil {
			result.Message = err.Error()
			break
		}
		result.Reachable = true
		result.Message = MsgConnected
	case <-timer.C:
		result.Latency = time.Since(start)
		result.Message = MsgTimeout
	case <-ctx.Done():
		result.Latency = time.Since(start)
		result.Message = ctx.Err().Error()
	}

	e.logger.WithFields(map[string]interface{}{
		"host_id":   h.ID,
		"address":   h.Address,
		"reachable": result.Reachable,
	}).Debug("probe: %s", result.Message)
	return result
}

// ProbeAll probes hosts concurrently, honouring Options.Parallel.
func (e *Executor) ProbeAll(ctx context.Context, hosts []inventory.Host) map[int64]ProbeResult {
	results := make([]ProbeResult, len(hosts))

	var sem chan struct{}
	if e.opts.Parallel > 0 {
		sem = make(chan struct{}, e.opts.Parallel)
	}
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, h inventory.Host) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = e.Probe(ctx, h)
		}(i, host)
	}
	wg.Wait()

	out := make(map[int64]ProbeResult, len(results))
	for _, r := range results {
		out[r.HostID] = r
	}
	return out
}
