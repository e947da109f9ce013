package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// daemonConfig is the process-wide configuration: where this node keeps
// its own identity/state, and which folders to serve. It plays the role
// the teacher's Config (constants.go/config.go) plays for the mixnet
// node — one JSON file, one defaults function — generalized from a
// single mixnet to a list of independently-configured sync folders.
type daemonConfig struct {
	// StateDir holds this node's identity key and, absent a folder's own
	// SystemPath, its per-folder index/chunks. Defaults to ~/.librevault.
	StateDir string `json:"state_dir"`

	// Folders lists paths to folder configuration files (config.FolderParams).
	Folders []string `json:"folders"`

	// MCGroup/MCPort select the local discovery multicast address,
	// mirroring the teacher's cfg.MCGroup/MCPort (constants.go).
	MCGroup string `json:"mc_group"`
	MCPort  int    `json:"mc_port"`

	// MCIface forces the beacon onto a named interface; MCSubnet picks the
	// first interface whose first IPv4 address is inside that CIDR. Both
	// empty, or no subnet match, falls back to the first up, non-loopback
	// IPv4 interface. Mirrors the
	// teacher's cfg.MCIface/cfg.MCSubnet (config.go), resolved through
	// discovery.PickInterface.
	MCIface  string `json:"mc_iface"`
	MCSubnet string `json:"mc_subnet"`
}

func defaultDaemonConfig() daemonConfig {
	home, _ := os.UserHomeDir()
	return daemonConfig{
		StateDir: filepath.Join(home, ".librevault"),
		MCGroup:  "239.255.77.88",
		MCPort:   27814,
	}
}

// loadDaemonConfig reads path if non-empty, layering it over
// defaultDaemonConfig; an empty path just returns the defaults, so
// librevaultd can run with a bare folder list passed on the flag line.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
