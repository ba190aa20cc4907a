// Package eventbus implements the tunnel lifecycle broadcast: a fixed-
// capacity, multi-subscriber fan-out where a slow consumer misses events
// instead of stalling the publisher. Consumers reconcile state they may
// have missed via the control plane's status-polling surface.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the per-subscriber buffer size (spec: "nominally 100").
const DefaultCapacity = 100

// AuthKind classifies the kind of interactive credential the SSH server is
// asking for.
type AuthKind string

const (
	AuthKeyPassphrase       AuthKind = "key_passphrase"
	AuthPassword            AuthKind = "password"
	AuthTwoFactorCode       AuthKind = "two_factor_code"
	AuthKeyboardInteractive AuthKind = "keyboard_interactive"
	AuthHostKeyVerification AuthKind = "host_key_verification"
)

// AuthRequest is the payload carried by an AuthRequired event and returned
// by the pending-auth status endpoints.
type AuthRequest struct {
	TunnelID uuid.UUID `json:"tunnel_id"`
	Kind     AuthKind  `json:"auth_type"`
	Prompt   string    `json:"prompt"`
	Hidden   bool      `json:"hidden"`
}

// Kind distinguishes the variants of Event.
type Kind string

const (
	KindStarting     Kind = "starting"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindError        Kind = "error"
	KindAuthRequired Kind = "auth_required"
	KindHeartbeat    Kind = "heartbeat"
)

// Event is the broadcast unit. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind         `json:"kind"`
	TunnelID  uuid.UUID    `json:"tunnel_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
	Auth      *AuthRequest `json:"auth_request,omitempty"`
	Timestamp time.Time    `json:"timestamp,omitempty"`
}

func NewStarting(id uuid.UUID) Event {
	return Event{Kind: KindStarting, TunnelID: id}
}

func NewConnected(id uuid.UUID) Event {
	return Event{Kind: KindConnected, TunnelID: id}
}

func NewDisconnected(id uuid.UUID, reason string) Event {
	return Event{Kind: KindDisconnected, TunnelID: id, Reason: reason}
}

func NewError(id uuid.UUID, msg string) Event {
	return Event{Kind: KindError, TunnelID: id, Message: msg}
}

func NewAuthRequired(id uuid.UUID, req AuthRequest) Event {
	req.TunnelID = id
	return Event{Kind: KindAuthRequired, TunnelID: id, Auth: &req}
}

func NewHeartbeat(at time.Time) Event {
	return Event{Kind: KindHeartbeat, Timestamp: at}
}

// Message wraps an Event with whether this subscriber's buffer overflowed,
// dropping its oldest queued event, at the moment this message was enqueued.
type Message struct {
	Event  Event
	Lagged bool
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Message
}

// C returns the channel to range or select over.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close unsubscribes and releases the underlying channel.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

// Bus is an in-process multi-consumer broadcast of tunnel lifecycle events.
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]chan Message
	nextID   uint64
	capacity int

	stopHeartbeat chan struct{}
	hbOnce        sync.Once
}

// NewBus starts a bus with the given per-subscriber capacity (DefaultCapacity
// if <= 0) and, if heartbeatInterval > 0, a background goroutine that
// publishes a Heartbeat event on that cadence until Close.
func NewBus(capacity int, heartbeatInterval time.Duration) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		subs:          make(map[uint64]chan Message),
		capacity:      capacity,
		stopHeartbeat: make(chan struct{}),
	}
	if heartbeatInterval > 0 {
		go b.heartbeatLoop(heartbeatInterval)
	}
	return b
}

// Subscribe registers a new consumer and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Message, b.capacity)
	b.subs[id] = ch
	return &Subscription{id: id, bus: b, ch: ch}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans ev out to every current subscriber. A subscriber whose buffer
// is full drops its oldest queued message, and ev is enqueued for it marked
// lagged; messages already queued keep their own flags.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- Message{Event: ev}:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- Message{Event: ev, Lagged: true}:
		default:
			// Raced with a concurrent receive that refilled the buffer;
			// dropping this event for this subscriber is acceptable per
			// the bus's lag-tolerance contract.
		}
	}
}

func (b *Bus) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHeartbeat:
			return
		case t := <-ticker.C:
			b.Publish(NewHeartbeat(t))
		}
	}
}

// Close stops the heartbeat goroutine. Existing subscriptions keep working;
// it does not close subscriber channels.
func (b *Bus) Close() {
	b.hbOnce.Do(func() { close(b.stopHeartbeat) })
}
