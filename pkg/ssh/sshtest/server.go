// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts exec requests and answers them from a list of canned
// responses matched by command substring. It counts accepted TCP connections
// so tests can assert that a client never dialed, and tracks the ones still
// open so tests can assert that a client hung up.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Response is what the server does for a command containing Match.
// An empty Match matches every command.
type Response struct {
	Match      string
	Stdout     string
	Stderr     string
	ExitStatus uint32
	// Delay holds the response back, e.g. to trip a command deadline.
	Delay time.Duration
	// NoExitStatus closes the channel without sending an exit status.
	NoExitStatus bool
}

// Option configures a Server.
type Option func(*Server)

// WithPassword accepts user/password logins.
func WithPassword(user, password string) Option {
	return func(s *Server) {
		s.users[user] = password
	}
}

// WithAuthorizedKey accepts public key logins with key for any user.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) {
		s.keys = append(s.keys, key)
	}
}

// WithResponse adds a canned response. Responses are tried in order.
func WithResponse(r Response) Option {
	return func(s *Server) {
		s.responses = append(s.responses, r)
	}
}

// Server is an SSH server bound to a loopback port.
type Server struct {
	listener  net.Listener
	hostKey   ssh.Signer
	users     map[string]string
	keys      []ssh.PublicKey
	responses []Response

	accepted atomic.Int64
	open     atomic.Int64
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []string
}

// New starts a server and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	s := &Server{
		hostKey: hostKey,
		users:   make(map[string]string),
		closed:  make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the address the server listens on.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Open returns the number of connections the client has not closed yet.
// The server notices a hang-up asynchronously, so poll it.
func (s *Server) Open() int64 {
	return s.open.Load()
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops the server and drops open connections.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.listener.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

func (s *Server) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{}
	if len(s.users) == 0 && len(s.keys) == 0 {
		cfg.NoClientAuth = true
	}
	if len(s.users) > 0 {
		cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := s.users[meta.User()]; ok && want == string(password) {
				return nil, nil
			}
			return nil, errDenied
		}
	}
	if len(s.keys) > 0 {
		cfg.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range s.keys {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, errDenied
		}
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

type deniedError struct{}

func (deniedError) Error() string { return "access denied" }

var errDenied error = deniedError{}

func (s *Server) serve() {
	defer s.wg.Done()
	cfg := s.config()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.open.Add(1)

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.open.Add(-1)
			s.handle(conn, cfg)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.session(ch, chReqs)
		}()
	}
}

func (s *Server) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		resp := s.lookup(payload.Command)
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-s.closed:
				return
			}
		}

		io.WriteString(ch, resp.Stdout)
		io.WriteString(ch.Stderr(), resp.Stderr)
		if !resp.NoExitStatus {
			status := struct{ Status uint32 }{resp.ExitStatus}
			ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		}
		return
	}
}

func (s *Server) lookup(cmd string) Response {
	for _, r := range s.responses {
		if r.Match == "" || strings.Contains(cmd, r.Match) {
			return r
		}
	}
	return Response{Stderr: "command not found: " + cmd + "\n", ExitStatus: 127}
}

// Blackhole returns the address of a listener that completes TCP handshakes
// but never speaks SSH, so connecting to it runs into the connect deadline.
func Blackhole(t testing.TB) (host string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		for _, c := range held {
			c.Close()
		}
		mu.Unlock()
	})

	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// ClosedPort returns a loopback port with nothing listening on it.
func ClosedPort(t testing.TB) (host string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()
	return addr.IP.String(), addr.Port
}

// GenerateKey returns PEM encoded OpenSSH private key material and its public key.
func GenerateKey(t testing.TB) ([]byte, ssh.PublicKey) {
	return generateKey(t, "")
}

// GenerateEncryptedKey is GenerateKey with the private key encrypted by passphrase.
func GenerateEncryptedKey(t testing.TB, passphrase string) ([]byte, ssh.PublicKey) {
	return generateKey(t, passphrase)
}

func generateKey(t testing.TB, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "sshtest")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "sshtest", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}

