// Package inventory loads the hoptrace configuration file: engine defaults
// and the fleet of hosts diagnostics run from.
//
// The file is TOML unless its name ends in .yaml or .yml:
//
//	[ssh]
//	user = "probe"
//	connect_timeout = "30s"
//
//	[diag]
//	count = 10
//
//	[[hosts]]
//	id = 1
//	name = "fra-edge-1"
//	address = "203.0.113.10"
//	auth_type = "key"
//	key_path = "~/.ssh/probe_ed25519"
//	groups = ["edge", "eu"]
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/liliang-cn/hoptrace/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Auth types accepted in host entries.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// ErrNoHosts is returned when a selection matches nothing.
var ErrNoHosts = errors.New("no hosts found")

// Config represents the complete configuration for hoptrace
type Config struct {
	SSH    SSHConfig    `toml:"ssh" yaml:"ssh"`
	Diag   DiagConfig   `toml:"diag" yaml:"diag"`
	Log    LogConfig    `toml:"log" yaml:"log"`
	Server ServerConfig `toml:"server" yaml:"server"`
	Hosts  []HostEntry  `toml:"hosts" yaml:"hosts"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`               // debug, info, warn, error
	Output     string `toml:"output" yaml:"output"`             // stdout, stderr, or file path
	NoColor    bool   `toml:"no_color" yaml:"no_color"`         // disable colored output
	ShowTime   bool   `toml:"show_time" yaml:"show_time"`       // show timestamp
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`   // rotate file output at this size
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`   // rotated files to keep
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"` // days to keep rotated files
}

// SSHConfig contains default settings for SSH connections
type SSHConfig struct {
	User           string `toml:"user" yaml:"user"`
	Port           int    `toml:"port" yaml:"port"`
	ConnectTimeout string `toml:"connect_timeout" yaml:"connect_timeout"` // Parsed as duration
	KnownHostsPath string `toml:"known_hosts" yaml:"known_hosts"`
	HostKeyPolicy  string `toml:"host_key_policy" yaml:"host_key_policy"` // accept-new, strict or insecure
	UseSSHConfig   bool   `toml:"use_ssh_config" yaml:"use_ssh_config"`
}

// DiagConfig contains diagnostic run defaults
type DiagConfig struct {
	Tool           string `toml:"tool" yaml:"tool"`
	Count          int    `toml:"count" yaml:"count"`
	CommandTimeout string `toml:"command_timeout" yaml:"command_timeout"`
	ProbeTimeout   string `toml:"probe_timeout" yaml:"probe_timeout"`
	Parallel       int    `toml:"parallel" yaml:"parallel"` // 0 runs every host at once
}

// ServerConfig contains hoptrace-server settings
type ServerConfig struct {
	Listen  string `toml:"listen" yaml:"listen"`
	MaxJobs int    `toml:"max_jobs" yaml:"max_jobs"`
}

// HostEntry is one [[hosts]] table as written in the file.
type HostEntry struct {
	ID         int64    `toml:"id" yaml:"id"`
	Name       string   `toml:"name,omitempty" yaml:"name,omitempty"`
	Address    string   `toml:"address" yaml:"address"`
	Port       int      `toml:"port,omitempty" yaml:"port,omitempty"`
	User       string   `toml:"user,omitempty" yaml:"user,omitempty"`
	AuthType   string   `toml:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	Password   string   `toml:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey string   `toml:"private_key,omitempty" yaml:"private_key,omitempty"`
	KeyPath    string   `toml:"key_path,omitempty" yaml:"key_path,omitempty"`
	Passphrase string   `toml:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Location   string   `toml:"location,omitempty" yaml:"location,omitempty"`
	Active     *bool    `toml:"active,omitempty" yaml:"active,omitempty"` // absent means active
	Groups     []string `toml:"groups,omitempty" yaml:"groups,omitempty"`
}

// Host is a resolved host descriptor. Credential fields are never
// serialized.
type Host struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name,omitempty"`
	Address    string   `json:"address"`
	Port       int      `json:"port"`
	User       string   `json:"user"`
	AuthType   string   `json:"auth_type"`
	Password   string   `json:"-"`
	PrivateKey []byte   `json:"-"`
	Passphrase string   `json:"-"`
	Location   string   `json:"location,omitempty"`
	Active     bool     `json:"active"`
	Groups     []string `json:"groups,omitempty"`
}

// String identifies the host for logs and tables without credentials.
func (h Host) String() string {
	label := h.Name
	if label == "" {
		label = strconv.FormatInt(h.ID, 10)
	}
	return fmt.Sprintf("%s (%s@%s:%d)", label, h.User, h.Address, h.Port)
}

// Redacted returns a copy of h with credential material removed.
func (h Host) Redacted() Host {
	h.Password = ""
	h.PrivateKey = nil
	h.Passphrase = ""
	h.Groups = append([]string(nil), h.Groups...)
	return h
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		SSH: SSHConfig{
			User:           "", // Empty means root
			Port:           22,
			ConnectTimeout: "30s",
			KnownHostsPath: "~/.ssh/known_hosts",
			HostKeyPolicy:  "accept-new",
			UseSSHConfig:   true,
		},
		Diag: DiagConfig{
			Tool:           "mtr",
			Count:          10,
			CommandTimeout: "5m",
			ProbeTimeout:   "10s",
			Parallel:       0,
		},
		Log: LogConfig{
			Level:    "info",
			Output:   "stderr",
			NoColor:  false,
			ShowTime: false,
		},
		Server: ServerConfig{
			Listen:  ":50051",
			MaxJobs: 500,
		},
	}
}

// ConnectTimeoutDuration returns ssh.connect_timeout, defaulting to 30s.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return parseDuration(c.SSH.ConnectTimeout, 30*time.Second)
}

// CommandTimeoutDuration returns diag.command_timeout, defaulting to 5m.
func (c *Config) CommandTimeoutDuration() time.Duration {
	return parseDuration(c.Diag.CommandTimeout, 5*time.Minute)
}

// ProbeTimeoutDuration returns diag.probe_timeout, defaulting to 10s.
func (c *Config) ProbeTimeoutDuration() time.Duration {
	return parseDuration(c.Diag.ProbeTimeout, 10*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"ssh.connect_timeout":  c.SSH.ConnectTimeout,
		"diag.command_timeout": c.Diag.CommandTimeout,
		"diag.probe_timeout":   c.Diag.ProbeTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	switch strings.ToLower(c.SSH.HostKeyPolicy) {
	case "", "accept-new", "strict", "insecure":
	default:
		return fmt.Errorf("invalid ssh.host_key_policy %q", c.SSH.HostKeyPolicy)
	}

	if c.Diag.Count < 1 || c.Diag.Count > 100 {
		return fmt.Errorf("invalid diag.count %d: must be between 1 and 100", c.Diag.Count)
	}
	if c.Diag.Parallel < 0 {
		return fmt.Errorf("invalid diag.parallel %d", c.Diag.Parallel)
	}

	seen := make(map[int64]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.ID <= 0 {
			return fmt.Errorf("hosts[%d]: id must be positive", i)
		}
		if seen[h.ID] {
			return fmt.Errorf("hosts[%d]: duplicate id %d", i, h.ID)
		}
		seen[h.ID] = true

		if strings.TrimSpace(h.Address) == "" {
			return fmt.Errorf("hosts[%d] (id %d): address is required", i, h.ID)
		}
		switch h.AuthType {
		case "", AuthPassword, AuthKey:
		default:
			return fmt.Errorf("hosts[%d] (id %d): invalid auth_type %q", i, h.ID, h.AuthType)
		}
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("hosts[%d] (id %d): invalid port %d", i, h.ID, h.Port)
		}
	}
	return nil
}

// Inventory manages host inventory
type Inventory struct {
	mu            sync.RWMutex
	config        *Config
	path          string
	sshConfigPath string
}

// DefaultPath returns ~/.hoptrace/config.toml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hoptrace", "config.toml")
}

// New creates a new Inventory. A missing file leaves the defaults in place.
func New(configPath string) (*Inventory, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}

	inv := &Inventory{
		config:        DefaultConfig(),
		path:          ExpandPath(configPath),
		sshConfigPath: ExpandPath("~/.ssh/config"),
	}

	// Try to load configuration
	if _, err := os.Stat(inv.path); err == nil {
		if err := inv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	return inv, nil
}

// NewFromConfig wraps an in-memory configuration.
func NewFromConfig(cfg *Config) (*Inventory, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Inventory{
		config:        cfg,
		path:          DefaultPath(),
		sshConfigPath: ExpandPath("~/.ssh/config"),
	}, nil
}

// Path returns the configuration file path.
func (inv *Inventory) Path() string {
	return inv.path
}

// SetSSHConfigPath overrides the ssh_config file consulted for aliases.
func (inv *Inventory) SetSSHConfigPath(path string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.sshConfigPath = ExpandPath(path)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load loads configuration from file. On error the previous configuration
// stays in effect.
func (inv *Inventory) Load() error {
	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	config := DefaultConfig()
	if isYAML(inv.path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = toml.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", inv.path, err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("%s: %w", inv.path, err)
	}

	inv.mu.Lock()
	inv.config = config
	inv.mu.Unlock()
	return nil
}

// Save saves configuration to file
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	// Ensure directory exists
	dir := filepath.Dir(inv.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if isYAML(inv.path) {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(inv.config); err != nil {
			return err
		}
		enc.Close()
	} else if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
		return err
	}

	// Host entries may carry passwords.
	return os.WriteFile(inv.path, buf.Bytes(), 0600)
}

// SaveAs points the inventory at path and saves there.
func (inv *Inventory) SaveAs(path string) error {
	inv.mu.Lock()
	inv.path = ExpandPath(path)
	inv.mu.Unlock()
	return inv.Save()
}

// GetConfig returns complete configuration
func (inv *Inventory) GetConfig() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}

// GetAllHosts returns every configured host, active or not.
func (inv *Inventory) GetAllHosts() []Host {
	hosts, _ := inv.GetHosts([]string{"all"})
	return hosts
}

// GetHosts selects hosts by pattern. A pattern is "all", a host id, a host
// name, a group name or an address. Hosts are returned once each, in file
// order.
func (inv *Inventory) GetHosts(patterns []string) ([]Host, error) {
	inv.mu.RLock()
	cfg := inv.config
	sshConfigPath := inv.sshConfigPath
	inv.mu.RUnlock()

	selected := make(map[int64]bool)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matched := false
		for _, e := range cfg.Hosts {
			if matchEntry(e, pattern) {
				selected[e.ID] = true
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w for pattern: %s", ErrNoHosts, pattern)
		}
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w for patterns: %v", ErrNoHosts, patterns)
	}

	var aliases *sshAliases
	if cfg.SSH.UseSSHConfig {
		aliases = loadSSHAliases(sshConfigPath)
	}

	hosts := make([]Host, 0, len(selected))
	for _, e := range cfg.Hosts {
		if selected[e.ID] {
			hosts = append(hosts, buildHost(cfg, e, aliases))
		}
	}
	return hosts, nil
}

func matchEntry(e HostEntry, pattern string) bool {
	if pattern == "all" {
		return true
	}
	if id, err := strconv.ParseInt(pattern, 10, 64); err == nil && id == e.ID {
		return true
	}
	if pattern == e.Name || pattern == e.Address {
		return true
	}
	for _, g := range e.Groups {
		if g == pattern {
			return true
		}
	}
	return false
}

// buildHost builds host configuration, merging defaults and overrides
// Priority: host entry > ssh_config > [ssh] defaults
func buildHost(cfg *Config, e HostEntry, aliases *sshAliases) Host {
	host := Host{
		ID:         e.ID,
		Name:       e.Name,
		Address:    e.Address,
		Port:       e.Port,
		User:       e.User,
		AuthType:   e.AuthType,
		Password:   e.Password,
		Passphrase: e.Passphrase,
		Location:   e.Location,
		Active:     e.Active == nil || *e.Active,
		Groups:     append([]string(nil), e.Groups...),
	}

	if aliases != nil {
		alias := aliases.lookup(e.Address)
		if alias.HostName != "" && !isIP(host.Address) {
			host.Address = alias.HostName
		}
		if host.User == "" {
			host.User = alias.User
		}
		if host.Port == 0 {
			host.Port = alias.Port
		}
	}

	if host.User == "" {
		host.User = cfg.SSH.User
	}
	if host.Port == 0 {
		host.Port = cfg.SSH.Port
	}
	if host.Port == 0 {
		host.Port = 22
	}

	if e.PrivateKey != "" {
		host.PrivateKey = []byte(e.PrivateKey)
	} else if e.KeyPath != "" {
		key, err := os.ReadFile(ExpandPath(e.KeyPath))
		if err != nil {
			// Left empty: the run fails this host with an auth error.
			logger.WithFields(map[string]interface{}{"host_id": e.ID}).Warn("cannot read key_path: %v", err)
		} else {
			host.PrivateKey = key
		}
	}

	if host.AuthType == "" {
		switch {
		case host.Password != "":
			host.AuthType = AuthPassword
		case e.PrivateKey != "" || e.KeyPath != "":
			host.AuthType = AuthKey
		}
	}

	return host
}

// ExpandPath expands ~ in path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		return home
	}

	return path
}
