package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insecureClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(append([]ClientOption{WithHostKeyPolicy(HostKeyInsecure)}, opts...)...)
	require.NoError(t, err)
	return c
}

func passwordSpec(srv *sshtest.Server, password string) HostSpec {
	return HostSpec{
		Address:  srv.Host(),
		Port:     srv.Port(),
		User:     "probe",
		AuthType: AuthPassword,
		Password: password,
	}
}

func TestAuthMethods(t *testing.T) {
	plain, _ := sshtest.GenerateKey(t)
	encrypted, _ := sshtest.GenerateEncryptedKey(t, "s3cret")

	tests := []struct {
		name    string
		spec    HostSpec
		wantErr bool
	}{
		{"password", HostSpec{AuthType: AuthPassword, Password: "pw"}, false},
		{"empty password", HostSpec{AuthType: AuthPassword}, true},
		{"key", HostSpec{AuthType: AuthKey, PrivateKey: plain}, false},
		{"empty key", HostSpec{AuthType: AuthKey}, true},
		{"garbage key", HostSpec{AuthType: AuthKey, PrivateKey: []byte("not a key")}, true},
		{"encrypted key without passphrase", HostSpec{AuthType: AuthKey, PrivateKey: encrypted}, true},
		{"encrypted key with wrong passphrase", HostSpec{AuthType: AuthKey, PrivateKey: encrypted, Passphrase: "nope"}, true},
		{"encrypted key with passphrase", HostSpec{AuthType: AuthKey, PrivateKey: encrypted, Passphrase: "s3cret"}, false},
		{"password field ignored for key auth", HostSpec{AuthType: AuthKey, Password: "pw"}, true},
		{"unknown auth type", HostSpec{AuthType: "agent", Password: "pw"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, err := AuthMethods(tt.spec)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAuth)
				assert.Nil(t, methods)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, methods)
		})
	}
}

func TestHostSpec(t *testing.T) {
	spec := HostSpec{Address: "10.0.0.5", AuthType: AuthPassword, Password: "hunter2"}
	assert.Equal(t, "10.0.0.5:22", spec.Addr())
	assert.Equal(t, "root@10.0.0.5:22", spec.String())
	assert.NotContains(t, spec.String(), "hunter2")

	spec.Port = 2222
	spec.User = "ops"
	assert.Equal(t, "ops@10.0.0.5:2222", spec.String())

	assert.NoError(t, spec.Validate())
	assert.ErrorIs(t, HostSpec{AuthType: AuthPassword, Password: "x"}.Validate(), ErrConnect)
	assert.Equal(t, "[::1]:22", HostSpec{Address: "::1"}.Addr())
}

// assertHungUp waits for the server to see every client connection closed.
func assertHungUp(t *testing.T, srv *sshtest.Server) {
	t.Helper()
	assert.Eventually(t, func() bool { return srv.Open() == 0 }, 2*time.Second, 10*time.Millisecond,
		"%d connections still open", srv.Open())
}

func TestExec_Password(t *testing.T) {
	srv := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Match: "mtr", Stdout: "report", Stderr: "warning\n"}),
	)
	c := insecureClient(t)

	result, err := c.Exec(context.Background(), passwordSpec(srv, "pw"), "mtr --report 8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "report", string(result.Output))
	assert.Equal(t, "warning\n", string(result.Error))
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, srv.Host(), result.Host)
	assert.Equal(t, []string{"mtr --report 8.8.8.8"}, srv.Commands())
	assert.Equal(t, int64(1), srv.Accepted())
	assertHungUp(t, srv)
}

func TestExec_Key(t *testing.T) {
	pemBytes, pub := sshtest.GenerateEncryptedKey(t, "open sesame")
	srv := sshtest.New(t,
		sshtest.WithAuthorizedKey(pub),
		sshtest.WithResponse(sshtest.Response{Stdout: "ok"}),
	)
	c := insecureClient(t)

	spec := HostSpec{
		Address:    srv.Host(),
		Port:       srv.Port(),
		AuthType:   AuthKey,
		PrivateKey: pemBytes,
		Passphrase: "open sesame",
	}
	result, err := c.Exec(context.Background(), spec, "true")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result.Output))
}

func TestExec_NonZeroExit(t *testing.T) {
	srv := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stderr: "mtr: not found\n", ExitStatus: 1}),
	)
	c := insecureClient(t)

	result, err := c.Exec(context.Background(), passwordSpec(srv, "pw"), "mtr")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "mtr: not found\n", string(result.Error))
	assertHungUp(t, srv)
}

func TestExec_MissingExitStatus(t *testing.T) {
	srv := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stdout: "partial", NoExitStatus: true}),
	)
	c := insecureClient(t)

	_, err := c.Exec(context.Background(), passwordSpec(srv, "pw"), "mtr")
	assert.ErrorIs(t, err, ErrExec)
	assertHungUp(t, srv)
}

func TestExec_CommandDeadline(t *testing.T) {
	srv := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stdout: "late", Delay: 5 * time.Second}),
	)
	c := insecureClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := c.Exec(ctx, passwordSpec(srv, "pw"), "mtr")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnect)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, int64(1), srv.Accepted())
	assertHungUp(t, srv)
}

func TestConnect_WrongPassword(t *testing.T) {
	srv := sshtest.New(t, sshtest.WithPassword("probe", "pw"))
	c := insecureClient(t)

	err := c.TestConnection(context.Background(), passwordSpec(srv, "wrong"))
	assert.ErrorIs(t, err, ErrAuth)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestConnect_NoDialWithoutCredentials(t *testing.T) {
	srv := sshtest.New(t, sshtest.WithPassword("probe", "pw"))
	c := insecureClient(t)

	spec := HostSpec{Address: srv.Host(), Port: srv.Port(), AuthType: AuthKey}
	_, err := c.Exec(context.Background(), spec, "mtr")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int64(0), srv.Accepted())
}

func TestConnect_Timeout(t *testing.T) {
	host, port := sshtest.Blackhole(t)
	c := insecureClient(t, WithConnectTimeout(300*time.Millisecond))

	start := time.Now()
	err := c.TestConnection(context.Background(), HostSpec{Address: host, Port: port, AuthType: AuthPassword, Password: "pw"})
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "connect timeout")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConnect_Refused(t *testing.T) {
	host, port := sshtest.ClosedPort(t)
	c := insecureClient(t)

	err := c.TestConnection(context.Background(), HostSpec{Address: host, Port: port, AuthType: AuthPassword, Password: "pw"})
	assert.ErrorIs(t, err, ErrConnect)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestConnect_RecordsHostKey(t *testing.T) {
	srv := sshtest.New(t, sshtest.WithPassword("probe", "pw"))
	path := filepath.Join(t.TempDir(), "known_hosts")

	c, err := NewClient(WithKnownHosts(path))
	require.NoError(t, err)
	require.NoError(t, c.TestConnection(context.Background(), passwordSpec(srv, "pw")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[127.0.0.1]:"+strconv.Itoa(srv.Port())+" "), "got %q", data)

	strict, err := NewClient(WithKnownHosts(path), WithHostKeyPolicy(HostKeyStrict))
	require.NoError(t, err)
	assert.NoError(t, strict.TestConnection(context.Background(), passwordSpec(srv, "pw")))
}

func TestConnect_StrictUnknownHost(t *testing.T) {
	srv := sshtest.New(t, sshtest.WithPassword("probe", "pw"))
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	c, err := NewClient(WithKnownHosts(path), WithHostKeyPolicy(HostKeyStrict))
	require.NoError(t, err)

	err = c.TestConnection(context.Background(), passwordSpec(srv, "pw"))
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, ErrHostKeyUnknown)
}

func TestNewClient_Defaults(t *testing.T) {
	c := insecureClient(t)
	assert.Equal(t, DefaultConnectTimeout, c.ConnectTimeout())

	c = insecureClient(t, WithConnectTimeout(-1))
	assert.Equal(t, DefaultConnectTimeout, c.ConnectTimeout())
}
