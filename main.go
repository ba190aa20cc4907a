// Command tunneld is the ssh-tunnel-manager daemon: it loads configuration,
// opens the host-key trust store, event bus, tunnel engine and registry,
// and serves the control plane (spec.md §4.7) over whichever listener mode
// daemon.toml names until asked to shut down.
//
// PID-file management is explicitly out of this daemon's scope (spec §1)
// and is deliberately not implemented here.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ssh-tunnel-manager/daemon/internal/audit"
	"github.com/ssh-tunnel-manager/daemon/internal/certs"
	"github.com/ssh-tunnel-manager/daemon/internal/clientconfig"
	"github.com/ssh-tunnel-manager/daemon/internal/config"
	"github.com/ssh-tunnel-manager/daemon/internal/controlplane"
	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/hostkeys"
	"github.com/ssh-tunnel-manager/daemon/internal/logging"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
	"github.com/ssh-tunnel-manager/daemon/internal/secretstore"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnel"
)

const heartbeatInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to daemon.toml (defaults to ~/.config/ssh-tunnel-manager/daemon.toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init()
	log.Printf("listener_mode=%s bind_address=%s socket_path=%s", cfg.ListenerMode, cfg.BindAddress, cfg.SocketPath)

	hostKeyStore, err := hostkeys.Load(cfg.KnownHostsPath)
	if err != nil {
		log.Fatalf("hostkeys: %v", err)
	}

	secrets := secretstore.NewKeyring()

	hbInterval := heartbeatInterval
	if cfg.TestHeartbeatInterval > 0 {
		hbInterval = cfg.TestHeartbeatInterval
	}
	bus := eventbus.NewBus(eventbus.DefaultCapacity, hbInterval)
	defer bus.Close()

	engine := tunnel.NewEngine(hostKeyStore, secrets, cfg.ConnectTimeout)
	reg := registry.NewRegistry(bus, engine.Run, cfg.AuthTimeout)

	auditDB, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("audit: open %s: %v", cfg.AuditDBPath, err)
	}
	auditor := audit.NewAuditor(auditDB, cfg.AuditRetainDays)
	auditor.Subscribe(bus)
	if err := auditor.StartRetentionJob(); err != nil {
		log.Printf("audit: retention job not started: %v", err)
	}
	defer auditor.Close()

	token, tokenGenerated, err := controlplane.LoadOrGenerateToken(cfg.AuthTokenPath)
	if err != nil {
		log.Fatalf("controlplane: token: %v", err)
	}
	defer token.Zero()

	var tlsCert tls.Certificate
	certFingerprint := ""
	certChanged := false
	if cfg.ListenerMode == config.ListenerTCPHTTPS {
		result, err := certs.LoadOrGenerate(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			log.Fatalf("certs: %v", err)
		}
		tlsCert = result.TLSCert
		certFingerprint = result.Fingerprint
		certChanged = result.Regenerated
		if result.Regenerated {
			log.Printf("certs: regenerated control-plane certificate, fingerprint %s", certFingerprint)
		}
	}

	if tokenGenerated || certChanged {
		snippet := clientconfig.FromConfig(cfg, token.String(), certFingerprint)
		if err := clientconfig.Write(cfg.ClientSnippet, snippet); err != nil {
			log.Printf("clientconfig: %v", err)
		}
	}

	cpServer := controlplane.New(reg, cfg.ProfilesDir, token)

	listener, err := controlplane.Listen(cfg, tlsCert)
	if err != nil {
		log.Fatalf("controlplane: listen: %v", err)
	}

	httpServer := &http.Server{Handler: cpServer}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("control plane listening (%s)", cfg.ListenerMode)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("control plane: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("shutting down...")

	cpServer.Close()
	reg.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("control plane shutdown: %v", err)
	}

	log.Println("stopped")
}
