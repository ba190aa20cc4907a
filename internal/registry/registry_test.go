package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

func testProfile() profile.Profile {
	return profile.Profile{ID: uuid.New(), Name: "test"}
}

func newTestRegistry(t *testing.T, runner Runner) (*Registry, *eventbus.Subscription) {
	t.Helper()
	bus := eventbus.NewBus(eventbus.DefaultCapacity, 0)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe()
	t.Cleanup(sub.Close)
	return NewRegistry(bus, runner, 200*time.Millisecond), sub
}

func waitForEvent(t *testing.T, sub *eventbus.Subscription, kind eventbus.Kind) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
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

func TestStartRunsUntilShutdown(t *testing.T) {
	connected := make(chan *Handle, 1)
	runner := func(ctx context.Context, h *Handle, p profile.Profile) error {
		h.SetConnected()
		connected <- h
		<-h.ShutdownCh()
		return nil
	}
	reg, sub := newTestRegistry(t, runner)
	p := testProfile()

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, sub, eventbus.KindStarting)
	waitForEvent(t, sub, eventbus.KindConnected)

	<-connected

	sum, err := reg.GetStatus(p.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if sum.Status != StatusConnected {
		t.Fatalf("status = %v, want Connected", sum.Status)
	}

	if err := reg.Stop(p.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForEvent(t, sub, eventbus.KindDisconnected)

	if _, err := reg.GetStatus(p.ID); !errors.Is(err, tunnelerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after disconnect, got %v", err)
	}
}

func TestStartRejectsDuplicateWhileActive(t *testing.T) {
	runner := func(ctx context.Context, h *Handle, p profile.Profile) error {
		h.SetConnected()
		<-h.ShutdownCh()
		return nil
	}
	reg, sub := newTestRegistry(t, runner)
	p := testProfile()

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, sub, eventbus.KindConnected)

	if err := reg.Start(context.Background(), p); !errors.Is(err, tunnelerr.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	_ = reg.Stop(p.ID)
}

func TestRunnerFailureRecordsFailedStatus(t *testing.T) {
	runner := func(ctx context.Context, h *Handle, p profile.Profile) error {
		return errors.New("boom")
	}
	reg, sub := newTestRegistry(t, runner)
	p := testProfile()

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, sub, eventbus.KindError)
	waitForEvent(t, sub, eventbus.KindDisconnected)

	sum, err := reg.GetStatus(p.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if sum.Status != StatusFailed {
		t.Fatalf("status = %v, want Failed", sum.Status)
	}
	if sum.FailureReason != "boom" {
		t.Fatalf("failure reason = %q, want boom", sum.FailureReason)
	}

	// A Failed entry does not block a fresh Start.
	runner2called := make(chan struct{})
	reg.runner = func(ctx context.Context, h *Handle, p profile.Profile) error {
		close(runner2called)
		<-h.ShutdownCh()
		return nil
	}
	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start after Failed: %v", err)
	}
	<-runner2called
	_ = reg.Stop(p.ID)
}

func TestRequestAuthRoundTrip(t *testing.T) {
	reg, sub := newTestRegistry(t, nil)
	p := testProfile()

	started := make(chan struct{})
	result := make(chan string, 1)
	resultErr := make(chan error, 1)

	reg.runner = func(ctx context.Context, h *Handle, p profile.Profile) error {
		close(started)
		resp, err := h.RequestAuth(eventbus.AuthPassword, "Password:", true)
		result <- resp
		resultErr <- err
		<-h.ShutdownCh()
		return nil
	}

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	waitForEvent(t, sub, eventbus.KindAuthRequired)

	req, err := reg.GetPendingAuth(p.ID)
	if err != nil {
		t.Fatalf("GetPendingAuth: %v", err)
	}
	if req.Kind != eventbus.AuthPassword || req.Prompt != "Password:" || !req.Hidden {
		t.Fatalf("unexpected pending auth request: %+v", req)
	}

	if err := reg.SubmitAuth(p.ID, "hunter2"); err != nil {
		t.Fatalf("SubmitAuth: %v", err)
	}

	if got := <-result; got != "hunter2" {
		t.Fatalf("response = %q, want hunter2", got)
	}
	if err := <-resultErr; err != nil {
		t.Fatalf("RequestAuth error = %v", err)
	}

	_ = reg.Stop(p.ID)
}

func TestRequestAuthTimesOut(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	p := testProfile()

	authErr := make(chan error, 1)
	reg.runner = func(ctx context.Context, h *Handle, p profile.Profile) error {
		_, err := h.RequestAuth(eventbus.AuthPassword, "Password:", true)
		authErr <- err
		return err
	}

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-authErr:
		if !errors.Is(err, tunnelerr.ErrAuthTimeout) {
			t.Fatalf("expected ErrAuthTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth timeout")
	}
}

func TestSubmitAuthWithNoPendingSlot(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	p := testProfile()

	if err := reg.SubmitAuth(p.ID, "whatever"); !errors.Is(err, tunnelerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown tunnel, got %v", err)
	}

	started := make(chan struct{})
	reg.runner = func(ctx context.Context, h *Handle, p profile.Profile) error {
		close(started)
		h.SetConnected()
		<-h.ShutdownCh()
		return nil
	}
	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if err := reg.SubmitAuth(p.ID, "whatever"); !errors.Is(err, tunnelerr.ErrNoPendingAuth) {
		t.Fatalf("expected ErrNoPendingAuth, got %v", err)
	}

	_ = reg.Stop(p.ID)
}

func TestStopOnUnknownTunnel(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	if err := reg.Stop(uuid.New()); !errors.Is(err, tunnelerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopAllStopsEveryActiveTunnel(t *testing.T) {
	runner := func(ctx context.Context, h *Handle, p profile.Profile) error {
		h.SetConnected()
		<-h.ShutdownCh()
		return nil
	}
	reg, sub := newTestRegistry(t, runner)

	p1, p2 := testProfile(), testProfile()
	if err := reg.Start(context.Background(), p1); err != nil {
		t.Fatalf("Start p1: %v", err)
	}
	if err := reg.Start(context.Background(), p2); err != nil {
		t.Fatalf("Start p2: %v", err)
	}
	waitForEvent(t, sub, eventbus.KindConnected)
	waitForEvent(t, sub, eventbus.KindConnected)

	reg.StopAll()

	if len(reg.ListActive()) != 0 {
		t.Fatalf("expected no active tunnels after StopAll, got %d", len(reg.ListActive()))
	}
}

func TestListActiveIncludesFailedEntries(t *testing.T) {
	runner := func(ctx context.Context, h *Handle, p profile.Profile) error {
		return errors.New("nope")
	}
	reg, sub := newTestRegistry(t, runner)
	p := testProfile()

	if err := reg.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, sub, eventbus.KindDisconnected)

	active := reg.ListActive()
	if len(active) != 1 || active[0].Status != StatusFailed {
		t.Fatalf("expected one Failed entry, got %+v", active)
	}
}
