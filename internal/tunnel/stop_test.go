package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	gossh "golang.org/x/crypto/ssh"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/hostkeys"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
	"github.com/ssh-tunnel-manager/daemon/internal/secretstore"
)

// startParkedAuthServer starts a minimal SSH server, grounded on the
// teacher's sshtunnel.startTestSSHServer, whose keyboard-interactive
// callback issues one challenge and blocks on the client's answer — which
// this test never sends, so the connecting Engine parks in WaitingForAuth
// until Stop cancels it.
func startParkedAuthServer(t *testing.T) (host string, port int, hostKey gossh.PublicKey, cleanup func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	cfg := &gossh.ServerConfig{
		KeyboardInteractiveCallback: func(_ gossh.ConnMetadata, client gossh.KeyboardInteractiveChallenge) (*gossh.Permissions, error) {
			_, err := client("", "", []string{"Verification code: "}, []bool{false})
			return nil, err
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveParkedConn(conn, cfg)
		}
	}()

	h, p, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return h, portNum, signer.PublicKey(), func() { listener.Close() }
}

func serveParkedConn(conn net.Conn, cfg *gossh.ServerConfig) {
	defer conn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go gossh.DiscardRequests(reqs)
	for nc := range chans {
		nc.Reject(gossh.UnknownChannelType, "not needed for this test")
	}
}

// TestStopDuringAuthDisconnectsCleanly exercises spec.md §8 scenario 5 end
// to end: start a tunnel, let it park on an interactive auth prompt, call
// Stop, and require a Disconnected (not Failed) outcome whose reason names
// the authentication stop, with no spurious Error event and the tunnel gone
// from the registry afterward.
func TestStopDuringAuthDisconnectsCleanly(t *testing.T) {
	host, port, hostKey, cleanup := startParkedAuthServer(t)
	defer cleanup()

	hostKeys, err := hostkeys.Load("")
	if err != nil {
		t.Fatalf("hostkeys.Load: %v", err)
	}
	hostKeys.Add(host, port, hostKey)

	bus := eventbus.NewBus(eventbus.DefaultCapacity, 0)
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	engine := NewEngine(hostKeys, secretstore.NewMem(), 5*time.Second)
	reg := registry.NewRegistry(bus, engine.Run, 30*time.Second)

	p := profile.Profile{
		ID:   uuid.New(),
		Name: "parked-auth",
		Connection: profile.Connection{
			Host:     host,
			Port:     port,
			User:     "alice",
			AuthType: profile.AuthPasswordWith2FA,
		},
		Forwarding: profile.Forwarding{
			Type:        profile.ForwardingLocal,
			BindAddress: "127.0.0.1",
			LocalPort:   0,
			RemoteHost:  "127.0.0.1",
			RemotePort:  1,
		},
	}

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForKind(t, sub, eventbus.KindAuthRequired)

	if err := reg.Stop(p.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	disc := waitForKind(t, sub, eventbus.KindDisconnected)
	if disc.Reason != "Stopped during authentication" {
		t.Fatalf("Disconnected.Reason = %q, want %q", disc.Reason, "Stopped during authentication")
	}

	if _, err := reg.GetStatus(p.ID); err == nil {
		t.Fatal("expected tunnel to be gone from the registry after a clean stop-during-auth")
	}

	select {
	case msg := <-sub.C():
		if msg.Event.Kind == eventbus.KindError {
			t.Fatalf("unexpected Error event after stop-during-auth: %+v", msg.Event)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForKind(t *testing.T, sub *eventbus.Subscription, kind eventbus.Kind) eventbus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-sub.C():
			if msg.Event.Kind == kind {
				return msg.Event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}
