package inventory

import (
	"net"
	"os"
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// SSHConfigEntry is what ssh_config says about one alias.
type SSHConfigEntry struct {
	HostName string
	User     string
	Port     int
}

type sshAliases struct {
	cfg *ssh_config.Config
}

// loadSSHAliases parses the ssh_config file at path. A missing or broken
// file yields an empty lookup.
func loadSSHAliases(path string) *sshAliases {
	f, err := os.Open(path)
	if err != nil {
		return &sshAliases{}
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return &sshAliases{}
	}
	return &sshAliases{cfg: cfg}
}

func (a *sshAliases) lookup(alias string) SSHConfigEntry {
	if a == nil || a.cfg == nil {
		return SSHConfigEntry{}
	}

	var entry SSHConfigEntry
	entry.HostName, _ = a.cfg.Get(alias, "HostName")
	entry.User, _ = a.cfg.Get(alias, "User")
	if port, _ := a.cfg.Get(alias, "Port"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			entry.Port = p
		}
	}
	return entry
}

// GetSSHConfigEntry looks up alias in the ssh_config file at path.
func GetSSHConfigEntry(path, alias string) SSHConfigEntry {
	return loadSSHAliases(ExpandPath(path)).lookup(alias)
}

func isIP(s string) bool {
	return net.ParseIP(s) != nil
}
