package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
)

func testToken(t *testing.T) *Token {
	t.Helper()
	return &Token{b: []byte("test-token-value")}
}

func newTestServer(t *testing.T, runner registry.Runner) (*Server, *Token) {
	t.Helper()
	bus := eventbus.NewBus(eventbus.DefaultCapacity, 0)
	t.Cleanup(bus.Close)
	reg := registry.NewRegistry(bus, runner, 200*time.Millisecond)
	dir := t.TempDir()
	token := testToken(t)
	s := New(reg, dir, token)
	t.Cleanup(s.Close)
	return s, token
}

func TestHealthRequiresNoToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Fatalf("body = %q, want OK", rec.Body.String())
	}
}

func TestTunnelsRequireToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTunnelsWithValidToken(t *testing.T) {
	s, token := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	req.Header.Set(TokenHeader, token.String())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStartUnknownProfileReturns404(t *testing.T) {
	s, token := newTestServer(t, nil)
	id := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+id.String()+"/start", nil)
	req.Header.Set(TokenHeader, token.String())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStartRemoteForwardingRejected(t *testing.T) {
	s, token := newTestServer(t, nil)
	p := profile.Profile{
		ID:         uuid.New(),
		Forwarding: profile.Forwarding{Type: profile.ForwardingRemote},
	}
	if err := profile.Save(s.ProfilesDir, p); err != nil {
		t.Fatalf("Save profile: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+p.ID.String()+"/start", nil)
	req.Header.Set(TokenHeader, token.String())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStartThenStatusThenStop(t *testing.T) {
	started := make(chan *registry.Handle, 1)
	runner := func(ctx context.Context, h *registry.Handle, p profile.Profile) error {
		h.SetConnected()
		started <- h
		<-h.ShutdownCh()
		return nil
	}
	s, token := newTestServer(t, runner)

	p := profile.Profile{
		ID:         uuid.New(),
		Forwarding: profile.Forwarding{Type: profile.ForwardingLocal},
	}
	if err := profile.Save(s.ProfilesDir, p); err != nil {
		t.Fatalf("Save profile: %v", err)
	}

	startReq := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+p.ID.String()+"/start", nil)
	startReq.Header.Set(TokenHeader, token.String())
	startRec := httptest.NewRecorder()
	s.ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", startRec.Code)
	}

	h := <-started

	statusReq := httptest.NewRequest(http.MethodGet, "/api/tunnels/"+p.ID.String()+"/status", nil)
	statusReq.Header.Set(TokenHeader, token.String())
	statusRec := httptest.NewRecorder()
	deadline := time.After(time.Second)
	for {
		statusRec = httptest.NewRecorder()
		s.ServeHTTP(statusRec, statusReq)
		var sum summaryJSON
		if err := json.Unmarshal(statusRec.Body.Bytes(), &sum); err == nil && sum.Status == registry.StatusConnected {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tunnel never reached Connected, last body: %s", statusRec.Body.String())
		default:
		}
	}

	stopReq := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+p.ID.String()+"/stop", nil)
	stopReq.Header.Set(TokenHeader, token.String())
	stopRec := httptest.NewRecorder()
	s.ServeHTTP(stopRec, stopReq)
	if stopRec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", stopRec.Code)
	}
	_ = h
}

func TestAuthGetAndPost(t *testing.T) {
	result := make(chan string, 1)
	runner := func(ctx context.Context, h *registry.Handle, p profile.Profile) error {
		resp, err := h.RequestAuth(eventbus.AuthPassword, "Password:", true)
		if err == nil {
			result <- resp
		}
		return err
	}
	s, token := newTestServer(t, runner)

	p := profile.Profile{
		ID:         uuid.New(),
		Forwarding: profile.Forwarding{Type: profile.ForwardingLocal},
	}
	if err := profile.Save(s.ProfilesDir, p); err != nil {
		t.Fatalf("Save profile: %v", err)
	}

	startReq := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+p.ID.String()+"/start", nil)
	startReq.Header.Set(TokenHeader, token.String())
	s.ServeHTTP(httptest.NewRecorder(), startReq)

	authGetReq := httptest.NewRequest(http.MethodGet, "/api/tunnels/"+p.ID.String()+"/auth", nil)
	authGetReq.Header.Set(TokenHeader, token.String())

	var getRec *httptest.ResponseRecorder
	deadline := time.After(time.Second)
	for {
		getRec = httptest.NewRecorder()
		s.ServeHTTP(getRec, authGetReq)
		if getRec.Code == http.StatusOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("auth request never appeared, last status %d", getRec.Code)
		default:
		}
	}

	body, _ := json.Marshal(authSubmission{TunnelID: p.ID, Response: "hunter2"})
	postReq := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+p.ID.String()+"/auth", bytes.NewReader(body))
	postReq.Header.Set(TokenHeader, token.String())
	postRec := httptest.NewRecorder()
	s.ServeHTTP(postRec, postReq)
	if postRec.Code != http.StatusOK {
		t.Fatalf("auth post status = %d, want 200, body %s", postRec.Code, postRec.Body.String())
	}

	select {
	case resp := <-result:
		if resp != "hunter2" {
			t.Fatalf("response = %q, want hunter2", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth response to reach the runner")
	}
}

func TestAuthPostMismatchedIDRejected(t *testing.T) {
	s, token := newTestServer(t, nil)
	id := uuid.New()
	body, _ := json.Marshal(authSubmission{TunnelID: uuid.New(), Response: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/"+id.String()+"/auth", bytes.NewReader(body))
	req.Header.Set(TokenHeader, token.String())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
