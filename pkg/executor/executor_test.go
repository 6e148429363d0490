package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"github.com/liliang-cn/hoptrace/pkg/mtr"
	hopssh "github.com/liliang-cn/hoptrace/pkg/ssh"
	"github.com/liliang-cn/hoptrace/pkg/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSSHClient implements SSHClient for testing and counts every call that
// would reach the network.
type MockSSHClient struct {
	Stdout   string
	ExitCode int
	Delay    time.Duration

	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

func (m *MockSSHClient) Exec(ctx context.Context, spec hopssh.HostSpec, cmd string) (*hopssh.ExecResult, error) {
	m.calls.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		max := m.maxActive.Load()
		if n <= max || m.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	select {
	case <-time.After(m.Delay):
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", hopssh.ErrTimeout, ctx.Err())
	}
	return &hopssh.ExecResult{Host: spec.Address, Output: []byte(m.Stdout), ExitCode: m.ExitCode}, nil
}

func (m *MockSSHClient) TestConnection(ctx context.Context, spec hopssh.HostSpec) error {
	m.calls.Add(1)
	return nil
}

func mtrJSON(hops int) string {
	var hubs []string
	for i := 1; i <= hops; i++ {
		hubs = append(hubs, fmt.Sprintf(`{"count":%d,"host":"hop%d.example","Loss%%":0.0,"Snt":10,"Last":%d.1,"Avg":%d.2,"Best":%d.0,"Wrst":%d.9,"StDev":0.1}`, i, i, i, i, i, i))
	}
	return `{"report":{"mtr":{"dst":"8.8.8.8"},"hubs":[` + strings.Join(hubs, ",") + `]}}`
}

func newTestExecutor(opts Options) *Executor {
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = hopssh.HostKeyInsecure
	}
	e := New(opts)
	e.SetLogger(logger.Discard())
	return e
}

func passwordHost(id int64, srv *sshtest.Server, password string) inventory.Host {
	return inventory.Host{
		ID:       id,
		Address:  srv.Host(),
		Port:     srv.Port(),
		User:     "probe",
		AuthType: inventory.AuthPassword,
		Password: password,
		Active:   true,
	}
}

func mockHosts(n int) []inventory.Host {
	hosts := make([]inventory.Host, n)
	for i := range hosts {
		hosts[i] = inventory.Host{
			ID:       int64(i + 1),
			Address:  fmt.Sprintf("10.0.0.%d", i+1),
			AuthType: inventory.AuthPassword,
			Password: "pw",
			Active:   true,
		}
	}
	return hosts
}

// Three hosts: one succeeds, one never answers the handshake, one exits 1.
func TestExecute_MixedFleet(t *testing.T) {
	ok := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Match: "mtr", Stdout: mtrJSON(5), Stderr: "mtr: using json\n"}),
	)
	failing := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stderr: "mtr: unknown option\n", ExitStatus: 1}),
	)
	bhHost, bhPort := sshtest.Blackhole(t)

	hosts := []inventory.Host{
		passwordHost(1, ok, "pw"),
		{ID: 2, Address: bhHost, Port: bhPort, AuthType: inventory.AuthPassword, Password: "pw", Active: true},
		passwordHost(3, failing, "pw"),
	}

	e := newTestExecutor(Options{ConnectTimeout: 300 * time.Millisecond, CommandTimeout: 10 * time.Second})
	result, err := e.Execute(context.Background(), hosts, "8.8.8.8", 10)
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, []int64{1, 2, 3}, result.IDs())

	a := result[1]
	require.True(t, a.Success(), "host 1: %v", a.Err)
	assert.Len(t, a.Hops, 5)
	assert.Equal(t, "hop5.example", a.Hops[4].Host)
	assert.Equal(t, []string{"mtr --report --report-cycles 10 --json 8.8.8.8"}, ok.Commands())

	b := result[2]
	assert.False(t, b.Success())
	assert.ErrorIs(t, b.Err, hopssh.ErrTimeout)
	assert.ErrorIs(t, b.Err, hopssh.ErrConnect)
	assert.Equal(t, KindTimeout, Classify(b.Err))
	assert.Contains(t, b.Err.Error(), "connect timeout")

	c := result[3]
	assert.ErrorIs(t, c.Err, hopssh.ErrNonZeroExit)
	var exitErr *hopssh.ExitError
	require.ErrorAs(t, c.Err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, KindNonZeroExit, Classify(c.Err))

	assert.Equal(t, []int64{2, 3}, result.Failed())
	assert.False(t, result.AllSuccess())
}

// Failures of several kinds stay with their own host, and the batch takes
// about as long as the slowest unit rather than the sum of all deadlines.
func TestExecute_UnparseableOutputClosesConnection(t *testing.T) {
	srv := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Match: "mtr", Stdout: "mtr 0.95: no hops\n"}),
	)

	e := newTestExecutor(Options{})
	result, err := e.Execute(context.Background(), []inventory.Host{passwordHost(1, srv, "pw")}, "8.8.8.8", 1)
	require.NoError(t, err)

	assert.ErrorIs(t, result[1].Err, hopssh.ErrExec)
	assert.ErrorIs(t, result[1].Err, mtr.ErrNoHopData)
	assert.Equal(t, KindExec, Classify(result[1].Err))
	assert.Eventually(t, func() bool { return srv.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestExecute_FailureIsolation(t *testing.T) {
	good := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stdout: mtrJSON(3)}),
	)
	garbage := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stdout: "this is not an mtr report"}),
	)
	refusedHost, refusedPort := sshtest.ClosedPort(t)

	hosts := []inventory.Host{
		passwordHost(1, good, "pw"),
		passwordHost(2, good, "wrong"),
		passwordHost(3, garbage, "pw"),
		{ID: 4, Address: refusedHost, Port: refusedPort, AuthType: inventory.AuthPassword, Password: "pw", Active: true},
		passwordHost(5, good, "pw"),
	}
	const connectTimeout = 500 * time.Millisecond
	for i := 0; i < 3; i++ {
		h, p := sshtest.Blackhole(t)
		hosts = append(hosts, inventory.Host{ID: int64(10 + i), Address: h, Port: p, AuthType: inventory.AuthPassword, Password: "pw", Active: true})
	}

	e := newTestExecutor(Options{ConnectTimeout: connectTimeout})
	start := time.Now()
	result, err := e.Execute(context.Background(), hosts, "example.com", 3)
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, result, len(hosts))
	assert.Equal(t, []int64{2, 3, 4, 10, 11, 12}, result.Failed())

	assert.True(t, result[1].Success())
	assert.True(t, result[5].Success())
	assert.Equal(t, KindAuth, Classify(result[2].Err))
	assert.Equal(t, KindConnect, Classify(result[4].Err))

	assert.ErrorIs(t, result[3].Err, hopssh.ErrExec)
	var parseErr *mtr.ParseError
	assert.ErrorAs(t, result[3].Err, &parseErr)
	assert.Equal(t, KindExec, Classify(result[3].Err))

	// Three sequential connect timeouts alone would take 1.5s.
	assert.Less(t, elapsed, 3*connectTimeout-100*time.Millisecond)
}

func TestExecute_MissingKeyMaterialNeverDials(t *testing.T) {
	srv := sshtest.New(t, sshtest.WithPassword("probe", "pw"))
	mock := &MockSSHClient{Stdout: mtrJSON(1)}

	hosts := []inventory.Host{
		{ID: 1, Address: srv.Host(), Port: srv.Port(), AuthType: inventory.AuthKey, Active: true},
		{ID: 2, Address: "10.0.0.2", AuthType: inventory.AuthPassword, Active: true},
		{ID: 3, Address: "10.0.0.3", Active: true},
	}

	e := newTestExecutor(Options{})
	e.SetBaseClient(mock)
	result, err := e.Execute(context.Background(), hosts, "8.8.8.8", 1)
	require.NoError(t, err)

	for _, id := range []int64{1, 2, 3} {
		assert.ErrorIs(t, result[id].Err, hopssh.ErrAuth, "host %d", id)
		assert.Equal(t, KindAuth, Classify(result[id].Err))
	}
	assert.Equal(t, int64(0), mock.calls.Load())

	// Same through the real transport.
	direct := newTestExecutor(Options{})
	result, err = direct.Execute(context.Background(), hosts[:1], "8.8.8.8", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, result[1].Err, hopssh.ErrAuth)
	assert.Equal(t, int64(0), srv.Accepted())
}

func TestExecute_InactiveHost(t *testing.T) {
	mock := &MockSSHClient{Stdout: mtrJSON(2)}
	hosts := mockHosts(2)
	hosts[1].Active = false

	e := newTestExecutor(Options{})
	e.SetBaseClient(mock)
	result, err := e.Execute(context.Background(), hosts, "8.8.8.8", 1)
	require.NoError(t, err)

	assert.True(t, result[1].Success())
	assert.ErrorIs(t, result[2].Err, ErrHostInactive)
	assert.Equal(t, KindInactive, Classify(result[2].Err))
	assert.Equal(t, int64(1), mock.calls.Load())
}

func TestExecute_UnusableKnownHosts(t *testing.T) {
	// A regular file where the known_hosts directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	e := newTestExecutor(Options{
		HostKeyPolicy:  hopssh.HostKeyAcceptNew,
		KnownHostsPath: filepath.Join(blocker, "ssh", "known_hosts"),
	})
	hosts := mockHosts(3)
	hosts[2].Active = false

	var delivered atomic.Int64
	result, err := e.Trace(context.Background(), &TraceRequest{Hosts: hosts, Target: "8.8.8.8", Count: 1}, func(*Outcome) {
		delivered.Add(1)
	})
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, int64(3), delivered.Load())

	for _, id := range []int64{1, 2} {
		assert.ErrorIs(t, result[id].Err, hopssh.ErrConnect)
		assert.Equal(t, KindConnect, Classify(result[id].Err))
	}
	assert.ErrorIs(t, result[3].Err, ErrHostInactive)
}

func TestExecute_InvalidInput(t *testing.T) {
	dup := mockHosts(2)
	dup[1].ID = dup[0].ID

	tests := []struct {
		name   string
		hosts  []inventory.Host
		target string
		count  int
	}{
		{"no hosts", nil, "8.8.8.8", 10},
		{"count zero", mockHosts(1), "8.8.8.8", 0},
		{"count too large", mockHosts(1), "8.8.8.8", 101},
		{"empty target", mockHosts(1), "", 10},
		{"shell metacharacters", mockHosts(1), "8.8.8.8; reboot", 10},
		{"option injection", mockHosts(1), "--help", 10},
		{"duplicate ids", dup, "8.8.8.8", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockSSHClient{Stdout: mtrJSON(1)}
			e := newTestExecutor(Options{})
			e.SetBaseClient(mock)

			result, err := e.Execute(context.Background(), tt.hosts, tt.target, tt.count)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Nil(t, result)
			assert.Equal(t, int64(0), mock.calls.Load())
		})
	}
}

func TestExecute_CountBounds(t *testing.T) {
	for _, count := range []int{MinCount, MaxCount} {
		mock := &MockSSHClient{Stdout: mtrJSON(1)}
		e := newTestExecutor(Options{})
		e.SetBaseClient(mock)
		result, err := e.Execute(context.Background(), mockHosts(1), "8.8.8.8", count)
		require.NoError(t, err)
		assert.True(t, result.AllSuccess())
	}
}

func TestExecute_CommandTimeout(t *testing.T) {
	slow := sshtest.New(t,
		sshtest.WithPassword("probe", "pw"),
		sshtest.WithResponse(sshtest.Response{Stdout: mtrJSON(2), Delay: 5 * time.Second}),
	)

	e := newTestExecutor(Options{CommandTimeout: 300 * time.Millisecond})
	start := time.Now()
	result, err := e.Execute(context.Background(), []inventory.Host{passwordHost(1, slow, "pw")}, "8.8.8.8", 1)
	require.NoError(t, err)

	assert.ErrorIs(t, result[1].Err, hopssh.ErrTimeout)
	assert.NotErrorIs(t, result[1].Err, hopssh.ErrConnect)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTrace_RequestOverrides(t *testing.T) {
	mock := &MockSSHClient{Stdout: mtrJSON(1), Delay: 20 * time.Millisecond}
	e := newTestExecutor(Options{})
	e.SetBaseClient(mock)

	_, err := e.Trace(context.Background(), &TraceRequest{Hosts: mockHosts(6), Target: "8.8.8.8", Count: 1, Parallel: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), mock.calls.Load())
	assert.LessOrEqual(t, mock.maxActive.Load(), int64(2))

	timeoutMock := &MockSSHClient{Stdout: mtrJSON(1), Delay: time.Second}
	e.SetBaseClient(timeoutMock)
	result, err := e.Trace(context.Background(), &TraceRequest{Hosts: mockHosts(1), Target: "8.8.8.8", Count: 1, CommandTimeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, Classify(result[1].Err))
}

func TestExecute_UnboundedByDefault(t *testing.T) {
	mock := &MockSSHClient{Stdout: mtrJSON(1), Delay: 200 * time.Millisecond}
	e := newTestExecutor(Options{})
	e.SetBaseClient(mock)

	_, err := e.Execute(context.Background(), mockHosts(8), "8.8.8.8", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), mock.maxActive.Load())
}

func TestTrace_Callback(t *testing.T) {
	mock := &MockSSHClient{Stdout: mtrJSON(2)}
	e := newTestExecutor(Options{})
	e.SetBaseClient(mock)

	var mu sync.Mutex
	seen := make(map[int64]int)
	result, err := e.Trace(context.Background(), &TraceRequest{Hosts: mockHosts(4), Target: "dns.google", Count: 2}, func(o *Outcome) {
		mu.Lock()
		defer mu.Unlock()
		seen[o.HostID]++
	})
	require.NoError(t, err)
	assert.Len(t, result, 4)
	assert.Equal(t, map[int64]int{1: 1, 2: 1, 3: 1, 4: 1}, seen)
	for _, o := range result {
		assert.False(t, o.EndTime.Before(o.StartTime))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: x", ErrInvalidInput), KindInvalidInput},
		{fmt.Errorf("%w: 3", ErrHostInactive), KindInactive},
		{fmt.Errorf("%w: %w: connect timeout", hopssh.ErrConnect, hopssh.ErrTimeout), KindTimeout},
		{fmt.Errorf("%w: refused", hopssh.ErrConnect), KindConnect},
		{fmt.Errorf("%w: rejected", hopssh.ErrAuth), KindAuth},
		{&hopssh.ExitError{Code: 2}, KindNonZeroExit},
		{fmt.Errorf("%w: %w", hopssh.ErrExec, &mtr.ParseError{Err: mtr.ErrNoHopData}), KindExec},
		{errors.New("something else"), KindExec},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestBuildCommand(t *testing.T) {
	assert.Equal(t, "mtr --report --report-cycles 10 --json 8.8.8.8", BuildCommand("", 10, "8.8.8.8"))
	assert.Equal(t, "/usr/sbin/mtr --report --report-cycles 1 --json ::1", BuildCommand("/usr/sbin/mtr", 1, "::1"))
}

func TestValidateTarget(t *testing.T) {
	valid := []string{"8.8.8.8", "2001:4860:4860::8888", "::1", "dns.google", "dns.google.", "a-b.example.com", "localhost"}
	for _, target := range valid {
		assert.NoError(t, ValidateTarget(target), target)
	}

	invalid := []string{"", "-rf", "a b", "host;id", "$(id)", "exa_mple.com", "-a.example", strings.Repeat("a", 64) + ".com", "[::1]"}
	for _, target := range invalid {
		assert.ErrorIs(t, ValidateTarget(target), ErrInvalidInput, target)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := inventory.DefaultConfig()
	cfg.Diag.Tool = "/opt/mtr"
	cfg.Diag.Parallel = 3
	cfg.SSH.ConnectTimeout = "7s"
	cfg.SSH.HostKeyPolicy = "strict"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "/opt/mtr", opts.Tool)
	assert.Equal(t, 3, opts.Parallel)
	assert.Equal(t, 7*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 5*time.Minute, opts.CommandTimeout)
	assert.Equal(t, 10*time.Second, opts.ProbeTimeout)
	assert.Equal(t, hopssh.HostKeyStrict, opts.HostKeyPolicy)

	e := New(Options{})
	assert.Equal(t, DefaultOptions(), e.Options())
}
