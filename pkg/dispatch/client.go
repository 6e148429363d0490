package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/hoptrace/pkg/executor"
	"github.com/liliang-cn/hoptrace/pkg/inventory"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"github.com/liliang-cn/hoptrace/pkg/mtr"
)

// Dispatch 是主客户端，既可以作为 CLI 使用，也可以作为库使用
type Dispatch struct {
	inv      *inventory.Inventory
	executor *executor.Executor
	mu       sync.RWMutex

	baseClient executor.SSHClient
	overrides  *Config
}

// Config 创建 Dispatch 客户端的配置
type Config struct {
	ConfigPath string      // 配置文件路径，空则使用默认
	SSH        *SSHConfig  // SSH 默认配置
	Diag       *DiagConfig // 诊断默认配置
}

// SSHConfig SSH 配置
type SSHConfig struct {
	User           string
	Port           int
	ConnectTimeout int // 秒
	KnownHosts     string
	HostKeyPolicy  string
}

// DiagConfig 诊断配置
type DiagConfig struct {
	Tool           string
	Count          int
	Parallel       int
	CommandTimeout int // 秒
	ProbeTimeout   int // 秒
}

// New 创建新的 Dispatch 客户端
func New(cfg *Config) (*Dispatch, error) {
	configPath := ""
	if cfg != nil {
		configPath = cfg.ConfigPath
	}

	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	// 如果提供了配置，覆盖默认值
	cfg.apply(inv.GetConfig())

	if err := inv.GetConfig().Validate(); err != nil {
		return nil, err
	}

	return &Dispatch{
		inv:       inv,
		executor:  executor.NewExecutor(inv),
		overrides: cfg,
	}, nil
}

// apply 把 SSH / Diag 覆盖写入 invCfg，Reload 后会再次调用
func (cfg *Config) apply(invCfg *inventory.Config) {
	if cfg == nil {
		return
	}
	if cfg.SSH != nil {
		if cfg.SSH.User != "" {
			invCfg.SSH.User = cfg.SSH.User
		}
		if cfg.SSH.Port > 0 {
			invCfg.SSH.Port = cfg.SSH.Port
		}
		if cfg.SSH.ConnectTimeout > 0 {
			invCfg.SSH.ConnectTimeout = fmt.Sprintf("%ds", cfg.SSH.ConnectTimeout)
		}
		if cfg.SSH.KnownHosts != "" {
			invCfg.SSH.KnownHostsPath = cfg.SSH.KnownHosts
		}
		if cfg.SSH.HostKeyPolicy != "" {
			invCfg.SSH.HostKeyPolicy = cfg.SSH.HostKeyPolicy
		}
	}
	if cfg.Diag != nil {
		if cfg.Diag.Tool != "" {
			invCfg.Diag.Tool = cfg.Diag.Tool
		}
		if cfg.Diag.Count > 0 {
			invCfg.Diag.Count = cfg.Diag.Count
		}
		if cfg.Diag.Parallel > 0 {
			invCfg.Diag.Parallel = cfg.Diag.Parallel
		}
		if cfg.Diag.CommandTimeout > 0 {
			invCfg.Diag.CommandTimeout = fmt.Sprintf("%ds", cfg.Diag.CommandTimeout)
		}
		if cfg.Diag.ProbeTimeout > 0 {
			invCfg.Diag.ProbeTimeout = fmt.Sprintf("%ds", cfg.Diag.ProbeTimeout)
		}
	}
}

// NewWithInventory 使用已有的 inventory 创建客户端
func NewWithInventory(inv *inventory.Inventory) *Dispatch {
	return &Dispatch{
		inv:      inv,
		executor: executor.NewExecutor(inv),
	}
}

// Trace 从选中的主机向 target 运行 mtr
//
// 未激活的主机会被跳过；只有请求本身无效时才返回错误，单个主机的失败记录在结果中。
func (d *Dispatch) Trace(ctx context.Context, patterns []string, target string, opts ...TraceOption) (*TraceResult, error) {
	options := &traceOptions{}
	for _, opt := range opts {
		opt(options)
	}

	hosts, err := d.activeHosts(patterns)
	if err != nil {
		return nil, err
	}

	count := options.count
	if count == 0 {
		count = d.inv.GetConfig().Diag.Count
	}

	req := &executor.TraceRequest{
		Hosts:          hosts,
		Target:         target,
		Count:          count,
		Parallel:       options.parallel,
		CommandTimeout: options.timeout,
	}

	names := make(map[int64]string, len(hosts))
	for _, h := range hosts {
		names[h.ID] = h.Name
	}

	result := &TraceResult{
		Target:    target,
		Count:     count,
		Hosts:     make(map[int64]*HostResult, len(hosts)),
		StartTime: time.Now(),
	}

	var mu sync.Mutex
	callback := func(o *executor.Outcome) {
		hr := newHostResult(o, names[o.HostID])

		mu.Lock()
		result.Hosts[o.HostID] = hr
		mu.Unlock()

		if options.callback != nil {
			options.callback(hr)
		}
	}

	d.mu.RLock()
	exec := d.executor
	d.mu.RUnlock()

	if _, err := exec.Trace(ctx, req, callback); err != nil {
		return nil, err
	}

	result.EndTime = time.Now()
	return result, nil
}

func (d *Dispatch) activeHosts(patterns []string) ([]inventory.Host, error) {
	all, err := d.inv.GetHosts(patterns)
	if err != nil {
		return nil, err
	}
	hosts := all[:0:0]
	for _, h := range all {
		if h.Active {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no active hosts for patterns %v", executor.ErrInvalidInput, patterns)
	}
	return hosts, nil
}

func newHostResult(o *executor.Outcome, name string) *HostResult {
	hr := &HostResult{
		HostID:    o.HostID,
		Name:      name,
		Address:   o.Host,
		Hops:      o.Hops,
		Summary:   mtr.Summarize(o.Hops),
		Err:       o.Err,
		Success:   o.Success(),
		Duration:  o.Duration(),
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
	}
	if o.Err != nil {
		hr.ErrorKind = executor.Classify(o.Err)
	}
	return hr
}

// TraceOption 诊断选项
type TraceOption func(*traceOptions)

type traceOptions struct {
	count    int
	parallel int
	timeout  time.Duration
	callback func(*HostResult)
}

// WithCount 设置 mtr 的报告周期数 (1-100)
func WithCount(n int) TraceOption {
	return func(o *traceOptions) {
		o.count = n
	}
}

// WithParallel 设置并发数
func WithParallel(n int) TraceOption {
	return func(o *traceOptions) {
		o.parallel = n
	}
}

// WithTimeout 设置单个主机的超时时间
func WithTimeout(d time.Duration) TraceOption {
	return func(o *traceOptions) {
		o.timeout = d
	}
}

// WithCallback 每个主机完成时回调，可能被并发调用
func WithCallback(callback func(*HostResult)) TraceOption {
	return func(o *traceOptions) {
		o.callback = callback
	}
}

// TraceResult contains the results of one trace batch.
type TraceResult struct {
	// Target is the traced destination.
	Target string
	// Count is the number of report cycles each host ran.
	Count int
	// Hosts maps each host id to its result.
	Hosts map[int64]*HostResult
	// StartTime is when the batch began.
	StartTime time.Time
	// EndTime is when all hosts completed.
	EndTime time.Time
}

// HostResult contains the result of a trace from a single host.
type HostResult struct {
	HostID  int64
	Name    string
	Address string
	// Hops is the parsed report; empty on failure.
	Hops    []mtr.HopRecord
	Summary mtr.Summary
	// Err is the failure, and ErrorKind its executor.Classify name.
	Err       error
	ErrorKind string
	Success   bool
	Duration  time.Duration
	StartTime time.Time
	EndTime   time.Time
}

// AllSuccess returns true if every host produced a report.
func (r *TraceResult) AllSuccess() bool {
	for _, h := range r.Hosts {
		if !h.Success {
			return false
		}
	}
	return true
}

// FailedHosts returns the ids of hosts that failed, in ascending order.
func (r *TraceResult) FailedHosts() []int64 {
	var failed []int64
	for _, h := range r.Hosts {
		if !h.Success {
			failed = append(failed, h.HostID)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// SortedHosts returns the host results ordered by id.
func (r *TraceResult) SortedHosts() []*HostResult {
	out := make([]*HostResult, 0, len(r.Hosts))
	for _, h := range r.Hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// Probe 测试选中主机的 SSH 连通性，包括未激活的主机
func (d *Dispatch) Probe(ctx context.Context, patterns []string) (map[int64]executor.ProbeResult, error) {
	hosts, err := d.inv.GetHosts(patterns)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	exec := d.executor
	d.mu.RUnlock()
	return exec.ProbeAll(ctx, hosts), nil
}

// Reload 重新加载配置文件并重建执行器
//
// New 传入的 SSH / Diag 覆盖在重新加载后依然生效。
func (d *Dispatch) Reload() error {
	if err := d.inv.Load(); err != nil {
		return err
	}
	d.overrides.apply(d.inv.GetConfig())
	exec := executor.NewExecutor(d.inv)

	d.mu.Lock()
	defer d.mu.Unlock()
	exec.SetLogger(d.executor.GetLogger())
	if base := d.baseClient; base != nil {
		exec.SetBaseClient(base)
	}
	d.executor = exec
	return nil
}

// SetBaseClient 设置底层 SSH 客户端 (测试用)
func (d *Dispatch) SetBaseClient(client executor.SSHClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseClient = client
	d.executor.SetBaseClient(client)
}

// SetLogger 设置执行器日志
func (d *Dispatch) SetLogger(l *logger.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executor.SetLogger(l)
}

// GetInventory 获取 inventory
func (d *Dispatch) GetInventory() *inventory.Inventory {
	return d.inv
}

// GetHosts 获取主机列表
func (d *Dispatch) GetHosts(patterns []string) ([]inventory.Host, error) {
	return d.inv.GetHosts(patterns)
}

// Executor 返回当前执行器
func (d *Dispatch) Executor() *executor.Executor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.executor
}
