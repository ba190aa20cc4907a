// Package controlplane implements the request/response control surface and
// server-push event stream described in spec.md §4.7 (C7): a chi router
// gated by a static bearer token, serving identical routes whether the
// listener is a Unix socket, plaintext loopback TCP, or TLS. Grounded on the
// teacher's main.go chi wiring (chimw.Logger/Recoverer/RealIP) and its
// internal/middleware.RequireAuth shape, adapted from session-cookie auth to
// the spec's single bearer header.
package controlplane

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
)

// Server is the control plane's HTTP handler plus the dependencies its
// routes need: the Registry (C6) that owns tunnel state, the directory
// profiles are resolved from, and the bearer token gating every route but
// health.
type Server struct {
	Registry    *registry.Registry
	ProfilesDir string
	Token       *Token

	router chi.Router
	done   chan struct{}
	once   sync.Once
}

// New builds a Server and its route table.
func New(reg *registry.Registry, profilesDir string, token *Token) *Server {
	s := &Server{Registry: reg, ProfilesDir: profilesDir, Token: token, done: make(chan struct{})}
	s.router = s.buildRouter()
	return s
}

// Close signals every open /api/events stream to end. Safe to call once at
// daemon shutdown; idempotent.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Server) shutdownCh() <-chan struct{} { return s.done }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/api/tunnels", s.handleListTunnels)
		r.Post("/api/tunnels/{id}/start", s.handleStart)
		r.Post("/api/tunnels/{id}/stop", s.handleStop)
		r.Get("/api/tunnels/{id}/status", s.handleStatus)
		r.Get("/api/tunnels/{id}/auth", s.handleGetAuth)
		r.Post("/api/tunnels/{id}/auth", s.handlePostAuth)
		r.Get("/api/events", s.handleEvents)
	})

	return r
}

// summaryJSON is the wire shape of a registry.Summary, matching spec.md §4.7
// ("{id, status, pending_auth?}").
type summaryJSON struct {
	ID            string              `json:"id"`
	Status        registry.Status     `json:"status"`
	FailureReason string              `json:"failure_reason,omitempty"`
	PendingAuth   *eventbus.AuthRequest `json:"pending_auth,omitempty"`
}

func toSummaryJSON(sum registry.Summary) summaryJSON {
	return summaryJSON{
		ID:            sum.ID.String(),
		Status:        sum.Status,
		FailureReason: sum.FailureReason,
		PendingAuth:   sum.PendingAuth,
	}
}
