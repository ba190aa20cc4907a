// Package config loads the daemon's TOML configuration file and layers
// environment variable overrides on top of it, the same two-step shape the
// teacher control plane uses (struct-tag defaults, then envconfig).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// ListenerMode selects how the control plane accepts connections.
type ListenerMode string

const (
	ListenerUnixSocket ListenerMode = "unix_socket"
	ListenerTCPHTTP    ListenerMode = "tcp_http"
	ListenerTCPHTTPS   ListenerMode = "tcp_https"
)

// DaemonConfig is the full set of daemon settings, decoded from daemon.toml
// and then overridden by TUNNELD_-prefixed environment variables.
type DaemonConfig struct {
	ListenerMode    ListenerMode `toml:"listener_mode" envconfig:"LISTENER_MODE"`
	SocketPath      string       `toml:"socket_path" envconfig:"SOCKET_PATH"`
	BindAddress     string       `toml:"bind_address" envconfig:"BIND_ADDRESS"`
	TLSCertPath     string       `toml:"tls_cert_path" envconfig:"TLS_CERT_PATH"`
	TLSKeyPath      string       `toml:"tls_key_path" envconfig:"TLS_KEY_PATH"`
	AuthTokenPath   string       `toml:"auth_token_path" envconfig:"AUTH_TOKEN_PATH"`
	KnownHostsPath  string       `toml:"known_hosts_path" envconfig:"KNOWN_HOSTS_PATH"`
	ProfilesDir     string       `toml:"profiles_dir" envconfig:"PROFILES_DIR"`
	AuditDBPath     string       `toml:"audit_db_path" envconfig:"AUDIT_DB_PATH"`
	ClientSnippet   string       `toml:"client_config_snippet" envconfig:"CLIENT_CONFIG_SNIPPET"`
	RequireAuth     bool         `toml:"require_auth" envconfig:"REQUIRE_AUTH"`
	GroupAccess     bool         `toml:"group_access" envconfig:"GROUP_ACCESS"`
	AuditRetainDays int          `toml:"audit_retain_days" envconfig:"AUDIT_RETAIN_DAYS"`
	LogPath         string       `toml:"log_path" envconfig:"LOG_PATH"`

	// ConnectTimeout bounds the TCP dial only. The SSH version exchange
	// and key exchange that follow are not bounded by it, and neither are
	// host-key or credential prompts — see the Auth Broker's own timeout.
	ConnectTimeout time.Duration `toml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	AuthTimeout    time.Duration `toml:"auth_timeout" envconfig:"AUTH_TIMEOUT"`

	// TestHeartbeatInterval overrides the event bus heartbeat cadence in
	// tests; zero means use the package default.
	TestHeartbeatInterval time.Duration `toml:"-" envconfig:"TEST_HEARTBEAT_INTERVAL"`
}

// Cfg is the process-wide loaded configuration, set once by Load.
var Cfg DaemonConfig

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "ssh-tunnel-manager")
}

// Defaults returns a DaemonConfig populated with the daemon's built-in
// defaults, rooted under ~/.config/ssh-tunnel-manager.
func Defaults() DaemonConfig {
	dir := configDir()
	return DaemonConfig{
		ListenerMode:    ListenerUnixSocket,
		SocketPath:      filepath.Join(dir, "daemon.sock"),
		BindAddress:     "127.0.0.1:3443",
		TLSCertPath:     filepath.Join(dir, "server.crt"),
		TLSKeyPath:      filepath.Join(dir, "server.key"),
		AuthTokenPath:   filepath.Join(dir, "daemon.token"),
		KnownHostsPath:  filepath.Join(dir, "known_hosts"),
		ProfilesDir:     filepath.Join(dir, "profiles"),
		AuditDBPath:     filepath.Join(dir, "audit.db"),
		ClientSnippet:   filepath.Join(dir, "cli-config.snippet"),
		RequireAuth:     true,
		GroupAccess:     false,
		AuditRetainDays: 90,
		LogPath:         filepath.Join(dir, "daemon.log"),
		ConnectTimeout:  15 * time.Second,
		AuthTimeout:     60 * time.Second,
	}
}

// DefaultPath returns where daemon.toml lives unless overridden.
func DefaultPath() string {
	return filepath.Join(configDir(), "daemon.toml")
}

// Load reads path (falling back to defaults if it does not exist), then
// applies TUNNELD_-prefixed environment variable overrides, and stores the
// result in Cfg.
func Load(path string) (DaemonConfig, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file yet; defaults stand. Nothing writes one automatically;
		// Save does so only when called.
	default:
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := envconfig.Process("TUNNELD", &cfg); err != nil {
		return cfg, fmt.Errorf("config: env overrides: %w", err)
	}

	Cfg = cfg
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func Save(path string, cfg DaemonConfig) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
