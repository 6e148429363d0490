package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestKnownHostsVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	key := newPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	// 1. Accept-new creates the file and records the key
	v, err := NewKnownHostsVerifier(path, HostKeyAcceptNew)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Fatalf("accept-new failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "127.0.0.1 ssh-ed25519 ") {
		t.Errorf("unexpected known_hosts line: %q", data)
	}

	// 2. Known key passes
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("verification failed for existing key: %v", err)
	}

	// 3. Changed key is rejected even with accept-new
	err = v.Verify("127.0.0.1:22", addr, newPublicKey(t))
	if !errors.Is(err, ErrHostKeyChanged) {
		t.Errorf("expected ErrHostKeyChanged, got %v", err)
	}

	// 4. Strict rejects unknown hosts
	strict, err := NewKnownHostsVerifier(path, HostKeyStrict)
	if err != nil {
		t.Fatal(err)
	}
	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 22}
	if err := strict.Verify("192.168.1.100:22", other, key); !errors.Is(err, ErrHostKeyUnknown) {
		t.Errorf("expected ErrHostKeyUnknown, got %v", err)
	}
	if err := strict.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("strict rejected a known key: %v", err)
	}
}

func TestKnownHostsVerifier_StrictMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := NewKnownHostsVerifier(path, HostKeyStrict)
	if err != nil {
		t.Fatal(err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	if err := v.Verify("10.0.0.1:22", addr, newPublicKey(t)); !errors.Is(err, ErrHostKeyUnknown) {
		t.Errorf("expected ErrHostKeyUnknown, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("strict mode must not create %s", path)
	}
}

func TestKnownHostsVerifier_NonDefaultPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := NewKnownHostsVerifier(path, HostKeyAcceptNew)
	if err != nil {
		t.Fatal(err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}
	if err := v.Verify("127.0.0.1:2222", addr, newPublicKey(t)); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "[127.0.0.1]:2222 ") {
		t.Errorf("unexpected known_hosts line: %q", data)
	}
}

func TestParseHostKeyPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    HostKeyPolicy
		wantErr bool
	}{
		{"", HostKeyAcceptNew, false},
		{"accept-new", HostKeyAcceptNew, false},
		{"STRICT", HostKeyStrict, false},
		{"insecure", HostKeyInsecure, false},
		{"yolo", "", true},
	}
	for _, tt := range tests {
		got, err := ParseHostKeyPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHostKeyPolicy(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseHostKeyPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
