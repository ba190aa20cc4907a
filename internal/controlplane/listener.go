package controlplane

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ssh-tunnel-manager/daemon/internal/config"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

// errInvalidListenerConfig aliases the shared InvalidConfig sentinel so
// callers can errors.Is-check daemon startup failures the same way handlers
// check request-time ones.
var errInvalidListenerConfig = tunnelerr.ErrInvalidConfig

// Listen constructs the net.Listener for cfg's configured mode: a Unix
// domain socket, plaintext TCP (loopback-only), or TLS. Spec.md §4.7 /
// §6 for the exact path/permission rules.
func Listen(cfg config.DaemonConfig, tlsCert tls.Certificate) (net.Listener, error) {
	switch cfg.ListenerMode {
	case config.ListenerUnixSocket:
		return listenUnixSocket(cfg.SocketPath, cfg.GroupAccess)

	case config.ListenerTCPHTTP:
		host, _, err := net.SplitHostPort(cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: bind_address %q: %v", errInvalidListenerConfig, cfg.BindAddress, err)
		}
		if !isLoopbackHost(host) {
			return nil, fmt.Errorf("%w: plaintext listener requires a loopback bind address, got %q", errInvalidListenerConfig, cfg.BindAddress)
		}
		return net.Listen("tcp", cfg.BindAddress)

	case config.ListenerTCPHTTPS:
		ln, err := net.Listen("tcp", cfg.BindAddress)
		if err != nil {
			return nil, err
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{tlsCert}}
		return tls.NewListener(ln, tlsConfig), nil

	default:
		return nil, fmt.Errorf("%w: unknown listener_mode %q", errInvalidListenerConfig, cfg.ListenerMode)
	}
}

func isLoopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// listenUnixSocket binds the control socket at path. The parent directory
// and the socket itself default to 0700/0600, widening to 0770/0660 when
// groupAccess is set, per spec.md §4.7. A stale socket file from a previous
// (crashed) run is removed before binding.
func listenUnixSocket(path string, groupAccess bool) (net.Listener, error) {
	dirMode := os.FileMode(0o700)
	sockMode := os.FileMode(0o600)
	if groupAccess {
		dirMode = 0o770
		sockMode = 0o660
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("controlplane: mkdir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, fmt.Errorf("controlplane: chmod %s: %w", dir, err)
	}

	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("controlplane: listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, sockMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("controlplane: chmod %s: %w", path, err)
	}
	return ln, nil
}
