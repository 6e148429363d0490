package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// HostKeyPolicy decides what happens to host keys missing from known_hosts.
type HostKeyPolicy string

const (
	// HostKeyAcceptNew records unknown keys and rejects changed ones.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// HostKeyStrict rejects unknown and changed keys.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyInsecure accepts any key. Only meant for lab fleets and tests.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// ParseHostKeyPolicy parses a policy name; the empty string means accept-new.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return HostKeyAcceptNew, nil
	case HostKeyAcceptNew, HostKeyStrict, HostKeyInsecure:
		return p, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q", s)
	}
}

// KnownHostsVerifier checks server host keys against an OpenSSH known_hosts file.
type KnownHostsVerifier struct {
	path   string
	policy HostKeyPolicy
	mu     sync.Mutex
}

// NewKnownHostsVerifier creates a verifier for the known_hosts file at path
// (default ~/.ssh/known_hosts). With HostKeyAcceptNew the file and its
// directory are created when missing.
func NewKnownHostsVerifier(path string, policy HostKeyPolicy) (*KnownHostsVerifier, error) {
	v := &KnownHostsVerifier{
		path:   expandKnownHostsPath(path),
		policy: policy,
	}
	if policy == HostKeyAcceptNew {
		if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
		}
		f, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open known_hosts: %w", err)
		}
		f.Close()
	}
	return v, nil
}

// Path returns the known_hosts file in use.
func (v *KnownHostsVerifier) Path() string {
	return v.path
}

// Verify implements ssh.HostKeyCallback.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if v.policy == HostKeyInsecure {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// The file is re-read on every check so keys added by other processes
	// or by a concurrent connection are seen.
	check, err := knownhosts.New(v.path)
	if err != nil {
		if os.IsNotExist(err) && v.policy == HostKeyStrict {
			return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
		}
		return fmt.Errorf("failed to load known_hosts: %w", err)
	}

	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if v.policy == HostKeyStrict {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
	}
	return v.add(hostname, key)
}

// add appends a host key line. Callers hold v.mu.
func (v *KnownHostsVerifier) add(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}
	return nil
}

// HostKeyCallback returns an ssh.HostKeyCallback for use with ssh.ClientConfig.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return v.Verify
}

// expandKnownHostsPath expands ~ in path.
func expandKnownHostsPath(path string) string {
	if path == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
