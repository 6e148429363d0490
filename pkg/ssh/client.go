// Package ssh runs single commands on remote hosts over SSH.
//
// Every call to Exec or TestConnection opens its own connection and closes it
// before returning; nothing is pooled or cached between calls. Credentials are
// carried by the HostSpec of each call and never stored on the Client.
//
// Errors wrap one of the package sentinels (ErrConnect, ErrAuth, ErrExec,
// ErrTimeout) so callers can classify failures with errors.Is.
//
// Example Usage:
//
//	client, err := ssh.NewClient(ssh.WithConnectTimeout(10 * time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	spec := ssh.HostSpec{
//	    Address:  "example.com",
//	    User:     "ubuntu",
//	    AuthType: ssh.AuthKey,
//	    PrivateKey: pemBytes,
//	}
//
//	result, err := client.Exec(ctx, spec, "uptime")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(string(result.Output))
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds the TCP dial and SSH handshake.
const DefaultConnectTimeout = 30 * time.Second

// AuthType selects how a HostSpec authenticates.
type AuthType string

const (
	// AuthPassword authenticates with HostSpec.Password.
	AuthPassword AuthType = "password"
	// AuthKey authenticates with HostSpec.PrivateKey.
	AuthKey AuthType = "key"
)

// HostSpec defines the parameters for connecting to a remote host.
type HostSpec struct {
	// Address is the hostname or IP address of the remote host.
	Address string
	// Port is the SSH port; 0 means 22.
	Port int
	// User is the login name; empty means root.
	User string
	// AuthType selects which of Password or PrivateKey is used.
	AuthType AuthType
	// Password is the login password for AuthPassword.
	Password string
	// PrivateKey is PEM encoded key material for AuthKey.
	PrivateKey []byte
	// Passphrase decrypts PrivateKey when it is encrypted.
	Passphrase string
}

// Addr returns host:port for dialing.
func (s HostSpec) Addr() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Address, strconv.Itoa(port))
}

// String identifies the host without any credential material.
func (s HostSpec) String() string {
	user := s.User
	if user == "" {
		user = "root"
	}
	return user + "@" + s.Addr()
}

// Validate checks that the spec carries an address and usable credentials.
// It never touches the network.
func (s HostSpec) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("%w: empty address", ErrConnect)
	}
	_, err := AuthMethods(s)
	return err
}

// AuthMethods resolves the credentials of spec into SSH auth methods.
// Missing or unparseable credentials fail with ErrAuth.
func AuthMethods(spec HostSpec) ([]ssh.AuthMethod, error) {
	switch spec.AuthType {
	case AuthPassword:
		if spec.Password == "" {
			return nil, fmt.Errorf("%w: password auth without a password", ErrAuth)
		}
		password := spec.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthKey:
		if len(spec.PrivateKey) == 0 {
			return nil, fmt.Errorf("%w: key auth without key material", ErrAuth)
		}
		signer, err := parsePrivateKey(spec.PrivateKey, spec.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported auth type %q", ErrAuth, spec.AuthType)
	}
}

// parsePrivateKey parses PEM key material, decrypting it when a passphrase is given.
func parsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: invalid private key: %v", ErrAuth, err)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: private key is encrypted and no passphrase was given", ErrAuth)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decrypt private key: %v", ErrAuth, err)
	}
	return signer, nil
}

// Client opens SSH connections. Client is safe for concurrent use.
type Client struct {
	connectTimeout  time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

// ClientOption configures a Client during creation.
type ClientOption func(*clientConfig)

type clientConfig struct {
	connectTimeout time.Duration
	knownHostsPath string
	policy         HostKeyPolicy
}

// WithConnectTimeout bounds the TCP dial and SSH handshake. Non-positive
// values keep the default.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.connectTimeout = d
		}
	}
}

// WithKnownHosts sets the path to the known_hosts file.
func WithKnownHosts(path string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.knownHostsPath = path
	}
}

// WithHostKeyPolicy sets how unknown host keys are treated.
func WithHostKeyPolicy(policy HostKeyPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.policy = policy
	}
}

// NewClient creates a new SSH client.
// By default unknown host keys are accepted and added to ~/.ssh/known_hosts
// while changed keys are rejected.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		connectTimeout: DefaultConnectTimeout,
		policy:         HostKeyAcceptNew,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var callback ssh.HostKeyCallback
	if cfg.policy == HostKeyInsecure {
		callback = ssh.InsecureIgnoreHostKey()
	} else {
		verifier, err := NewKnownHostsVerifier(cfg.knownHostsPath, cfg.policy)
		if err != nil {
			return nil, fmt.Errorf("failed to create host key callback: %w", err)
		}
		callback = verifier.HostKeyCallback()
	}

	return &Client{
		connectTimeout:  cfg.connectTimeout,
		hostKeyCallback: callback,
	}, nil
}

// ConnectTimeout returns the dial and handshake bound.
func (c *Client) ConnectTimeout() time.Duration {
	return c.connectTimeout
}

// Connect dials spec and completes the SSH handshake within the connect
// timeout or the deadline of ctx, whichever comes first. Credentials are
// resolved before dialing, so unusable credentials never reach the network.
func (c *Client) Connect(ctx context.Context, spec HostSpec) (*ssh.Client, error) {
	if strings.TrimSpace(spec.Address) == "" {
		return nil, fmt.Errorf("%w: empty address", ErrConnect)
	}
	auth, err := AuthMethods(spec)
	if err != nil {
		return nil, err
	}

	user := spec.User
	if user == "" {
		user = "root"
	}
	addr := spec.Addr()
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.connectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, c.connectError(dialCtx, addr, err)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() && err == nil {
		// The deadline fired after the handshake finished but the
		// connection is already closed.
		sshConn.Close()
		return nil, c.connectError(dialCtx, addr, dialCtx.Err())
	}
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
		}
		return nil, c.connectError(dialCtx, addr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// connectError wraps a dial or handshake failure, adding ErrTimeout when the
// deadline was the cause.
func (c *Client) connectError(ctx context.Context, addr string, err error) error {
	var netErr net.Error
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	if timedOut {
		return fmt.Errorf("%w: %w: connect timeout to %s after %v", ErrConnect, ErrTimeout, addr, c.connectTimeout)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

// ExecResult contains the result of executing a command on a remote host.
type ExecResult struct {
	// Host is the address of the host where the command was executed.
	Host string
	// Output contains the standard output from the command.
	Output []byte
	// Error contains the standard error output from the command.
	Error []byte
	// ExitCode is the exit status returned by the command.
	ExitCode int
}

// Exec runs cmd on the host in a fresh connection and session and waits for
// it to exit. A non-zero exit status is reported in ExecResult.ExitCode, not
// as an error. When ctx ends first the command is interrupted and the call
// fails with ErrTimeout. The connection is closed on every path.
func (c *Client) Exec(ctx context.Context, spec HostSpec, cmd string) (*ExecResult, error) {
	client, err := c.Connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %v", ErrExec, err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("%w: failed to start command: %v", ErrExec, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return c.parseResult(spec.Address, &stdoutBuf, &stderrBuf, err)
	case <-ctx.Done():
		// Send SIGINT to the process before closing session
		_ = session.Signal(ssh.SIGINT)
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: command on %s did not finish: %v", ErrTimeout, spec.Address, ctx.Err())
	}
}

// parseResult parses command execution result
func (c *Client) parseResult(host string, stdoutBuf, stderrBuf *bytes.Buffer, err error) (*ExecResult, error) {
	result := &ExecResult{
		Host:   host,
		Output: stdoutBuf.Bytes(),
		Error:  stderrBuf.Bytes(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		if result.ExitCode == 0 {
			// Killed by a signal without a status.
			return result, fmt.Errorf("%w: %v", ErrExec, err)
		}
		return result, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return result, fmt.Errorf("%w: remote command ended without an exit status", ErrExec)
	}
	return result, fmt.Errorf("%w: %v", ErrExec, err)
}

// TestConnection opens and immediately closes a connection to spec.
func (c *Client) TestConnection(ctx context.Context, spec HostSpec) error {
	client, err := c.Connect(ctx, spec)
	if err != nil {
		return err
	}
	return client.Close()
}
