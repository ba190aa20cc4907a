// Package registry is the single owner of tunnel lifecycle state: the map
// from profile ID to active tunnel, the shutdown mailbox, and the
// pending-auth slot. Tunnel Tasks never touch this state directly; they are
// handed a *Handle that mediates every interaction, so the registry's
// read-write lock is the only thing ever held across structural changes.
//
// Grounded on the teacher's internal/sshtunnel.TunnelManager ownership
// style, instantiated rather than kept as a package-level global since both
// the daemon and its tests construct one fresh.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

// Status mirrors the state machine's named states. Failed entries carry
// their reason separately (Summary.FailureReason) rather than encoding it
// into the Status value.
type Status string

const (
	StatusNotConnected   Status = "NotConnected"
	StatusConnecting     Status = "Connecting"
	StatusWaitingForAuth Status = "WaitingForAuth"
	StatusConnected      Status = "Connected"
	StatusDisconnecting  Status = "Disconnecting"
	StatusDisconnected   Status = "Disconnected"
	StatusReconnecting   Status = "Reconnecting"
	StatusFailed         Status = "Failed"
)

func isInProgress(s Status) bool {
	switch s {
	case StatusConnecting, StatusWaitingForAuth, StatusDisconnecting, StatusReconnecting:
		return true
	default:
		return false
	}
}

// DefaultAuthTimeout is the hard ceiling the Auth Broker waits on a pending
// auth response before declaring the attempt timed out.
const DefaultAuthTimeout = 60 * time.Second

// forceAbortGrace is how long a Stop on an in-progress tunnel waits for a
// cooperative exit before cancelling the task's context outright.
const forceAbortGrace = 100 * time.Millisecond

type pendingAuth struct {
	request eventbus.AuthRequest
	respCh  chan string
}

type entry struct {
	profile       profile.Profile
	status        Status
	failureReason string
	pending       *pendingAuth

	shutdown       chan struct{}
	shutdownReason string
	cancel         context.CancelFunc
	done           chan struct{}
	finishOnce     sync.Once
}

// Runner drives one tunnel's entire lifecycle: connect, authenticate, bind,
// forward, until either ctx is cancelled or h.ShutdownCh() fires. A nil
// return means a clean, requested shutdown; a non-nil error means the task
// failed and the registry records the tunnel as Failed.
type Runner func(ctx context.Context, h *Handle, p profile.Profile) error

// Registry is the sole owner of active-tunnel state.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[uuid.UUID]*entry

	bus         *eventbus.Bus
	runner      Runner
	authTimeout time.Duration
}

// NewRegistry constructs a Registry that publishes lifecycle events onto bus
// and drives each started tunnel with runner. authTimeout <= 0 uses
// DefaultAuthTimeout.
func NewRegistry(bus *eventbus.Bus, runner Runner, authTimeout time.Duration) *Registry {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	return &Registry{
		tunnels:     make(map[uuid.UUID]*entry),
		bus:         bus,
		runner:      runner,
		authTimeout: authTimeout,
	}
}

// Summary is the externally-visible snapshot of one tunnel, used by the
// control plane's list/status endpoints.
type Summary struct {
	ID            uuid.UUID
	Status        Status
	FailureReason string
	PendingAuth   *eventbus.AuthRequest
}

func summaryOf(id uuid.UUID, e *entry) Summary {
	s := Summary{ID: id, Status: e.status, FailureReason: e.failureReason}
	if e.pending != nil {
		req := e.pending.request
		s.PendingAuth = &req
	}
	return s
}

// Start validates that no active or in-progress tunnel already exists for
// p.ID, inserts a Connecting entry, and spawns the Task. It returns as soon
// as the entry is recorded; the SSH handshake happens asynchronously.
func (r *Registry) Start(ctx context.Context, p profile.Profile) error {
	r.mu.Lock()
	if e, ok := r.tunnels[p.ID]; ok && (e.status == StatusConnected || isInProgress(e.status)) {
		r.mu.Unlock()
		return tunnelerr.ErrAlreadyActive
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		profile:  p,
		status:   StatusConnecting,
		shutdown: make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.tunnels[p.ID] = e
	r.mu.Unlock()

	r.bus.Publish(eventbus.NewStarting(p.ID))
	go r.run(taskCtx, p.ID, e)
	return nil
}

func (r *Registry) run(ctx context.Context, id uuid.UUID, e *entry) {
	defer close(e.done)
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic in tunnel task: %v", rec)
			r.bus.Publish(eventbus.NewError(id, msg))
			r.finish(id, e, StatusFailed, msg)
		}
	}()

	h := &Handle{id: id, reg: r, entry: e, shutdownCh: e.shutdown}
	err := r.runner(ctx, h, e.profile)
	if err != nil {
		r.bus.Publish(eventbus.NewError(id, err.Error()))
		r.finish(id, e, StatusFailed, err.Error())
		return
	}

	reason := e.shutdownReason
	if reason == "" {
		reason = "Disconnected"
	}
	r.finish(id, e, StatusDisconnected, reason)
}

// finish applies a Task's terminal outcome exactly once. A Disconnected
// outcome removes the entry entirely (stop is then a 404, per spec); a
// Failed outcome is retained until the next Start replaces it. Either way a
// Disconnected event is broadcast, consistent with scenario 4's
// Starting -> Error -> Disconnected sequence for failed tunnels.
func (r *Registry) finish(id uuid.UUID, e *entry, status Status, reason string) {
	e.finishOnce.Do(func() {
		r.mu.Lock()
		e.status = status
		e.failureReason = reason
		e.pending = nil
		if status == StatusDisconnected {
			if cur, ok := r.tunnels[id]; ok && cur == e {
				delete(r.tunnels, id)
			}
		}
		r.mu.Unlock()
		r.bus.Publish(eventbus.NewDisconnected(id, reason))
	})
}

// Stop signals the tunnel identified by id to shut down. Tunnels in
// Connecting/WaitingForAuth/Disconnecting get a 100ms cooperative window
// before their task context is force-cancelled; Connected tunnels are given
// as long as they need to close their listener and SSH session.
func (r *Registry) Stop(id uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.tunnels[id]
	if !ok || e.status == StatusFailed {
		r.mu.Unlock()
		return tunnelerr.ErrNotFound
	}

	inProgress := isInProgress(e.status)
	if e.status == StatusConnected {
		e.status = StatusDisconnecting
	}
	if inProgress {
		e.shutdownReason = "Stopped during authentication"
	} else {
		e.shutdownReason = "Stopped by request"
	}
	pending := e.pending
	e.pending = nil
	shutdownCh := e.shutdown
	done := e.done
	cancel := e.cancel
	r.mu.Unlock()

	if pending != nil {
		close(pending.respCh)
	}
	close(shutdownCh)

	if !inProgress {
		<-done
		return nil
	}

	select {
	case <-done:
	case <-time.After(forceAbortGrace):
		cancel()
		<-done
	}
	return nil
}

// StopAll best-effort stops every currently tracked tunnel. Used at daemon
// shutdown.
func (r *Registry) StopAll() {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.tunnels))
	for id, e := range r.tunnels {
		if e.status != StatusFailed {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_ = r.Stop(id)
		}(id)
	}
	wg.Wait()
}

// GetStatus returns the current Summary for id.
func (r *Registry) GetStatus(id uuid.UUID) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tunnels[id]
	if !ok {
		return Summary{}, tunnelerr.ErrNotFound
	}
	return summaryOf(id, e), nil
}

// ListActive returns a Summary for every tracked tunnel (including Failed
// ones, which are retained until replaced by a subsequent Start).
func (r *Registry) ListActive() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.tunnels))
	for id, e := range r.tunnels {
		out = append(out, summaryOf(id, e))
	}
	return out
}

// GetPendingAuth returns the pending AuthRequest for id, if any.
func (r *Registry) GetPendingAuth(id uuid.UUID) (eventbus.AuthRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tunnels[id]
	if !ok {
		return eventbus.AuthRequest{}, tunnelerr.ErrNotFound
	}
	if e.pending == nil {
		return eventbus.AuthRequest{}, tunnelerr.ErrNoPendingAuth
	}
	return e.pending.request, nil
}

// SubmitAuth answers the pending auth request for id. The first submission
// for a given slot wins; a slot with no pending request (already answered,
// timed out, replaced, or never existed) reports ErrNoPendingAuth.
func (r *Registry) SubmitAuth(id uuid.UUID, response string) error {
	r.mu.Lock()
	e, ok := r.tunnels[id]
	if !ok {
		r.mu.Unlock()
		return tunnelerr.ErrNotFound
	}
	p := e.pending
	if p == nil {
		r.mu.Unlock()
		return tunnelerr.ErrNoPendingAuth
	}
	e.pending = nil
	e.status = StatusConnecting
	r.mu.Unlock()

	p.respCh <- response
	return nil
}

// Subscribe registers a new Event Bus consumer.
func (r *Registry) Subscribe() *eventbus.Subscription {
	return r.bus.Subscribe()
}

// requestAuth implements the Auth Broker pattern described in spec.md §4.4:
// install (or replace) the pending slot, broadcast AuthRequired, and wait
// for a response, a timeout, or shutdown.
func (r *Registry) requestAuth(id uuid.UUID, e *entry, shutdownCh <-chan struct{}, kind eventbus.AuthKind, prompt string, hidden bool) (string, error) {
	respCh := make(chan string, 1)

	r.mu.Lock()
	if e.pending != nil {
		close(e.pending.respCh)
	}
	req := eventbus.AuthRequest{TunnelID: id, Kind: kind, Prompt: prompt, Hidden: hidden}
	e.pending = &pendingAuth{request: req, respCh: respCh}
	e.status = StatusWaitingForAuth
	r.mu.Unlock()

	r.bus.Publish(eventbus.NewAuthRequired(id, req))

	timer := time.NewTimer(r.authTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return "", tunnelerr.ErrAuthCancelled
		}
		return resp, nil
	case <-timer.C:
		r.clearPendingIfCurrent(e, respCh)
		return "", tunnelerr.ErrAuthTimeout
	case <-shutdownCh:
		r.clearPendingIfCurrent(e, respCh)
		return "", tunnelerr.ErrAuthCancelled
	}
}

func (r *Registry) clearPendingIfCurrent(e *entry, respCh chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.pending != nil && e.pending.respCh == respCh {
		e.pending = nil
		if e.status == StatusWaitingForAuth {
			e.status = StatusConnecting
		}
	}
}

// Handle is the only thing a Runner touches; it mediates every interaction
// with the owning Registry so the Task itself never locks the map.
type Handle struct {
	id         uuid.UUID
	reg        *Registry
	entry      *entry
	shutdownCh chan struct{}
}

// ID returns the tunnel's profile ID.
func (h *Handle) ID() uuid.UUID { return h.id }

// ShutdownCh fires once Stop has been called for this tunnel.
func (h *Handle) ShutdownCh() <-chan struct{} { return h.shutdownCh }

// RequestAuth parks an interactive credential request and blocks until it
// is answered, times out, or the tunnel is asked to shut down. A shutdown
// surfaces as ErrAuthCancelled; the Runner should treat that case as a
// clean exit (return nil), since Stop has already recorded the disconnect
// reason.
func (h *Handle) RequestAuth(kind eventbus.AuthKind, prompt string, hidden bool) (string, error) {
	return h.reg.requestAuth(h.id, h.entry, h.shutdownCh, kind, prompt, hidden)
}

// SetConnected records the tunnel as usable and broadcasts Connected. This
// is one of the two narrow cases (the other being the implicit Connecting
// set by Start) where the Task updates status directly rather than through
// an exit-time event, per spec.md §3's discipline note.
func (h *Handle) SetConnected() {
	h.reg.mu.Lock()
	h.entry.status = StatusConnected
	h.reg.mu.Unlock()
	h.reg.bus.Publish(eventbus.NewConnected(h.id))
}
