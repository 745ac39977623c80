package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the node's local state directory (~/.vantage6/node), used
// as the parent of the node's debug logs and of the squid proxy and VPN
// client config directories.
func DataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".vantage6", "node")
	}
	return filepath.Join(homeDir, ".vantage6", "node")
}
