// Package config declares mds's configuration surface and registers it
// as flags with yaml override support, grounded on
// grafana-tempo/cmd/tempo/app/config.go's
// RegisterFlagsAndApplyDefaults pattern.
package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the mds bus process.
type Config struct {
	RuntimeRootDir string        `yaml:"runtime_root_dir,omitempty"`
	SocketPath     string        `yaml:"socket_path,omitempty"`
	SocketFD       int           `yaml:"-"` // set from --socket-fd, never persisted
	StateFD        int           `yaml:"-"` // set from --state-fd on a re-exec handoff, never persisted
	InitialSpawn   bool          `yaml:"-"`
	Respawn        bool          `yaml:"-"`
	LogLevel       string        `yaml:"log_level,omitempty"`
	ShutdownDelay  time.Duration `yaml:"shutdown_delay,omitempty"`
	StatusAddr     string        `yaml:"status_addr,omitempty"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`
}

// NewDefaultConfig returns a Config populated with RegisterFlagsAndApplyDefaults's defaults.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults(fs)
	return cfg
}

// RegisterFlagsAndApplyDefaults registers every flag on f and leaves cfg
// holding their default values, mirroring tempo's
// RegisterFlagsAndApplyDefaults(prefix, f) convention (mds has no
// submodules needing a flag prefix, so prefix is omitted).
func (c *Config) RegisterFlagsAndApplyDefaults(f *flag.FlagSet) {
	f.StringVar(&c.RuntimeRootDir, "runtime-root-dir", "/run/mds", "Directory holding per-display PID and socket files.")
	f.StringVar(&c.SocketPath, "socket-path", "", "Path at which to bind the display socket directly when no --socket-fd is given.")
	f.IntVar(&c.SocketFD, "socket-fd", -1, "Inherited file descriptor of the already-bound, already-listening display socket.")
	f.IntVar(&c.StateFD, "state-fd", -1, "Inherited file descriptor carrying a re-exec state-transfer buffer; -1 means start with an empty registry.")
	f.BoolVar(&c.InitialSpawn, "initial-spawn", false, "Set by the supervisor on the first spawn of a display.")
	f.BoolVar(&c.Respawn, "respawn", false, "Set by the supervisor on every respawn after the first.")
	f.StringVar(&c.LogLevel, "log-level", "info", "Minimum log level: debug, info, warn, or error.")
	f.DurationVar(&c.ShutdownDelay, "shutdown-delay", 0, "How long to wait between SIGTERM and shutdown.")
	f.StringVar(&c.StatusAddr, "status-addr", "127.0.0.1:0", "Address for the debug/status HTTP server; empty disables it.")
	f.DurationVar(&c.ReconnectDelay, "reconnect-delay", time.Second, "Grace period a client is given to reconnect with the same client ID after its connection resets before its registrations are purged; also throttles repeated per-connection warning logs to once per this interval.")
}

// LoadYAML merges the contents of path onto cfg's current (flag)
// defaults, matching tempo's flag-first-then-yaml-override config
// loading order.
func (c *Config) LoadYAML(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}
