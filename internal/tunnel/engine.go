// Package tunnel drives the per-profile state machine described by the
// registry's Runner contract: connect, authenticate, bind a local listener,
// forward accepted connections, and shut down cleanly. Grounded on the
// teacher's internal/sshmanager.SSHManager (dial-with-timeout,
// keepalive loop) and internal/sshtunnel.TunnelManager (accept loop,
// bidirectional copy), adapted from a pooled multi-client manager to one
// Engine instance driving one tunnel's lifecycle end to end.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ssh-tunnel-manager/daemon/internal/hostkeys"
	"github.com/ssh-tunnel-manager/daemon/internal/logutil"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
	"github.com/ssh-tunnel-manager/daemon/internal/secretstore"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

// DefaultConnectTimeout bounds the TCP dial only. It deliberately does not
// wrap ssh.NewClientConn's auth phase, since first-use host-key prompts and
// interactive credential prompts can legitimately take up to the Auth
// Broker's own 60s ceiling — see registry.DefaultAuthTimeout.
const DefaultConnectTimeout = 15 * time.Second

const (
	keepaliveInterval = 30 * time.Second
	keepaliveMaxMiss  = 3
)

// Engine is the dependency set a Tunnel Task needs: the host-key trust
// store it verifies server identity against and the secret store it
// consults before prompting for stored passwords/passphrases.
type Engine struct {
	HostKeys       *hostkeys.Store
	Secrets        secretstore.Store
	ConnectTimeout time.Duration
}

// NewEngine returns an Engine ready to be used as a registry.Runner via its
// Run method.
func NewEngine(hostKeys *hostkeys.Store, secrets secretstore.Store, connectTimeout time.Duration) *Engine {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Engine{HostKeys: hostKeys, Secrets: secrets, ConnectTimeout: connectTimeout}
}

// authFailure lets the authentication callbacks stash the precise Auth
// Broker outcome (timeout, cancellation) so it survives
// golang.org/x/crypto/ssh's own method-exhaustion error, which otherwise
// replaces a specific failure with a generic "unable to authenticate"
// message once every configured method has been tried.
type authFailure struct {
	mu  sync.Mutex
	err error
}

func (f *authFailure) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *authFailure) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Run implements registry.Runner: it is the entire lifetime of one tunnel.
func (e *Engine) Run(ctx context.Context, h *registry.Handle, p profile.Profile) error {
	// Belt-and-suspenders: the control plane already rejects non-Local
	// forwarding at submission time, but the Registry can also be driven
	// directly (tests, a future non-HTTP caller), so the Task re-checks.
	if p.Forwarding.Type != profile.ForwardingLocal {
		return tunnelerr.ErrUnsupported
	}
	if err := validateOptions(p.Options); err != nil {
		return err
	}

	client, err := e.connect(ctx, h, p)
	if err != nil {
		if errors.Is(err, tunnelerr.ErrAuthCancelled) {
			// Stop arrived while parked on a host-key or credential prompt.
			// The Registry already recorded the shutdown reason before
			// closing our pending-auth mailbox; a clean exit here lets
			// run() record Disconnected instead of Failed, per
			// registry.Handle.RequestAuth's documented contract.
			return nil
		}
		return err
	}
	defer client.Close()

	listener, err := bindListener(p)
	if err != nil {
		return err
	}
	defer listener.Close()

	h.SetConnected()
	log.Printf("[tunnel] %s connected, forwarding %s -> %s:%d", h.ID(), listener.Addr(), p.Forwarding.RemoteHost, p.Forwarding.RemotePort)

	go keepaliveLoop(ctx, client, h.ShutdownCh())

	return acceptLoop(h, client, listener, p)
}

// connect resolves credentials, dials the TCP transport under
// ConnectTimeout, and drives the SSH handshake (key exchange, host-key
// verification, authentication) with no further timeout beyond whatever
// the Auth Broker itself enforces.
func (e *Engine) connect(ctx context.Context, h *registry.Handle, p profile.Profile) (*ssh.Client, error) {
	fail := &authFailure{}

	methods, err := e.authMethods(h, p, fail)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(p.Connection.Host, strconv.Itoa(p.Connection.Port))

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, e.ConnectTimeout)
	defer cancel()
	tcpConn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", tunnelerr.ErrConnectTimeout, logutil.SanitizeForLog(addr), err)
	}
	if tc, ok := tcpConn.(*net.TCPConn); ok {
		// SSH session tuning always forces nodelay regardless of the
		// profile value; see spec's "nodelay=true (always)".
		_ = tc.SetNoDelay(true)
	}

	clientConfig := &ssh.ClientConfig{
		User:            p.Connection.User,
		Auth:            methods,
		HostKeyCallback: e.hostKeyCallback(h, fail),
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientConfig)
	if err != nil {
		tcpConn.Close()
		if stashed := fail.get(); stashed != nil {
			return nil, stashed
		}
		// The library's own error text already lists attempted/remaining
		// methods, which is as close as this stack gets to russh's
		// structured Failure{remaining_methods}; see DESIGN.md.
		return nil, fmt.Errorf("%w: %v", tunnelerr.ErrAuthRejected, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func validateOptions(o profile.Options) error {
	if o.MaxPacketSizeBytes != 0 && (o.MaxPacketSizeBytes < 1024 || o.MaxPacketSizeBytes > 1<<20) {
		return fmt.Errorf("%w: max_packet_size_bytes out of range", tunnelerr.ErrInvalidConfig)
	}
	if o.WindowSizeBytes != 0 && (o.WindowSizeBytes < 1024 || o.WindowSizeBytes > 1<<24) {
		return fmt.Errorf("%w: window_size_bytes out of range", tunnelerr.ErrInvalidConfig)
	}
	return nil
}

func keepaliveLoop(ctx context.Context, client *ssh.Client, shutdownCh <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdownCh:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				misses++
				if misses >= keepaliveMaxMiss {
					log.Printf("[tunnel] keepalive missed %d times, closing session", misses)
					client.Close()
					return
				}
				continue
			}
			misses = 0
		}
	}
}
