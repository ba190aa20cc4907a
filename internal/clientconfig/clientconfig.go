// Package clientconfig writes cli-config.snippet: the small TOML fragment a
// separate CLI/GUI client reads to learn how to reach this daemon's control
// plane (connection mode, address, bearer token, pinned TLS fingerprint).
// Field names and shape follow spec.md §6 literally.
package clientconfig

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/ssh-tunnel-manager/daemon/internal/config"
)

// ConnectionMode is the snippet's vocabulary for how a client should dial
// the control plane.
type ConnectionMode string

const (
	ModeUnixSocket ConnectionMode = "unix-socket"
	ModeHTTP       ConnectionMode = "http"
	ModeHTTPS      ConnectionMode = "https"
)

// FromListenerMode maps a config.ListenerMode to its snippet ConnectionMode.
func FromListenerMode(m config.ListenerMode) ConnectionMode {
	switch m {
	case config.ListenerUnixSocket:
		return ModeUnixSocket
	case config.ListenerTCPHTTP:
		return ModeHTTP
	case config.ListenerTCPHTTPS:
		return ModeHTTPS
	default:
		return ModeUnixSocket
	}
}

// Snippet is the TOML document written to cli-config.snippet, matching
// spec.md §6 field-for-field: daemon_host/daemon_port only apply in
// http/https mode, tls_cert_fingerprint only in https mode.
type Snippet struct {
	ConnectionMode      ConnectionMode `toml:"connection_mode"`
	DaemonHost          string         `toml:"daemon_host,omitempty"`
	DaemonPort          int            `toml:"daemon_port,omitempty"`
	SocketPath          string         `toml:"socket_path,omitempty"`
	AuthToken           string         `toml:"auth_token"`
	TLSCertFingerprint  string         `toml:"tls_cert_fingerprint,omitempty"`
}

// FromConfig builds the Snippet a running daemon publishes for its clients.
// token is the live bearer token value; fingerprint is ignored outside
// tcp_https listener mode.
func FromConfig(cfg config.DaemonConfig, token, fingerprint string) Snippet {
	s := Snippet{
		ConnectionMode: FromListenerMode(cfg.ListenerMode),
		AuthToken:      token,
	}
	switch cfg.ListenerMode {
	case config.ListenerUnixSocket:
		s.SocketPath = cfg.SocketPath
	case config.ListenerTCPHTTP:
		s.DaemonHost, s.DaemonPort = splitHostPort(cfg.BindAddress)
	case config.ListenerTCPHTTPS:
		s.DaemonHost, s.DaemonPort = splitHostPort(cfg.BindAddress)
		s.TLSCertFingerprint = fingerprint
	}
	return s
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// Write renders s as TOML and writes it to path at 0600 — it embeds the
// live bearer token and, in https mode, the pinned fingerprint.
func Write(path string, s Snippet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("clientconfig: mkdir: %w", err)
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("clientconfig: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
