package executor

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/mtr"
	hopssh "github.com/liliang-cn/hoptrace/pkg/ssh"
)

const (
	// DefaultTool is the diagnostic binary invoked on remote hosts.
	DefaultTool = "mtr"
	// MinCount and MaxCount bound the report cycles of one run.
	MinCount = 1
	MaxCount = 100
)

var hostnameRe = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*\.?$`)

// ValidateTarget accepts an IPv4 or IPv6 literal or a DNS hostname. The
// target is placed on the remote command line, so nothing else passes.
func ValidateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidInput)
	}
	if net.ParseIP(target) != nil {
		return nil
	}
	if len(target) > 253 || !hostnameRe.MatchString(target) {
		return fmt.Errorf("%w: target %q is not a hostname or IP address", ErrInvalidInput, target)
	}
	return nil
}

// BuildCommand returns the remote command line for one run.
func BuildCommand(tool string, count int, target string) string {
	if tool == "" {
		tool = DefaultTool
	}
	return strings.Join([]string{tool, "--report", "--report-cycles", strconv.Itoa(count), "--json", target}, " ")
}

// HostSpec converts a host descriptor into SSH connection parameters.
func HostSpec(h inventory.Host) hopssh.HostSpec {
	return hopssh.HostSpec{
		Address:    h.Address,
		Port:       h.Port,
		User:       h.User,
		AuthType:   hopssh.AuthType(h.AuthType),
		Password:   h.Password,
		PrivateKey: h.PrivateKey,
		Passphrase: h.Passphrase,
	}
}

// runHost is one execution unit: it runs cmd on h and parses the report.
func (e *Executor) runHost(ctx context.Context, client SSHClient, h inventory.Host, cmd string, timeout time.Duration) ([]mtr.HopRecord, error) {
	if !h.Active {
		return nil, fmt.Errorf("%w: %d", ErrHostInactive, h.ID)
	}

	spec := HostSpec(h)
	// Unusable credentials fail here, before anything is dialed.
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := client.Exec(ctx, spec, cmd)
	if err != nil {
		return nil, err
	}

	if stderr := strings.TrimSpace(string(res.Error)); stderr != "" {
		e.logger.WithFields(map[string]interface{}{
			"host_id": h.ID,
			"address": h.Address,
		}).Debug("stderr: %s", stderr)
	}

	if res.ExitCode != 0 {
		return nil, &hopssh.ExitError{Code: res.ExitCode}
	}

	hops, err := mtr.Parse(res.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hopssh.ErrExec, err)
	}
	return hops, nil
}
