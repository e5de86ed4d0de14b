// Package brand holds the product identity and the default filesystem
// locations used by the daemon and its CLI.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name            = "v6tunnel"
	LowerName       = "v6tunnel"
	Description     = "IPv6 port relay and address announcer for cellular gateways"
	ConfigEnvPrefix = "V6TUNNEL"

	DefaultConfigDir = "/etc/v6tunnel"
	DefaultStateDir  = "/var/lib/v6tunnel"
	ConfigFileName   = "v6tunnel.hcl"
	DatabaseFileName = "state.db"

	// DefaultAPIListen is the management API address. It stays on loopback;
	// the API carries no authentication.
	DefaultAPIListen = "127.0.0.1:8095"
)

// Version information, set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// UserAgent returns a User-Agent string for outbound HTTP requests.
func UserAgent() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	return Name + "/" + v
}

// GetConfigPath returns the daemon config file path.
// Priority: V6TUNNEL_CONFIG > DefaultConfigDir/ConfigFileName
func GetConfigPath() string {
	if p := os.Getenv(ConfigEnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DefaultConfigDir, ConfigFileName)
}

// GetStateDir returns the state directory, checking env vars first.
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	return DefaultStateDir
}

// GetLogLevel returns the log level override from the environment, if any.
func GetLogLevel() string {
	return os.Getenv(ConfigEnvPrefix + "_LOG_LEVEL")
}
