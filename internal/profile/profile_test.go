package profile

import (
	"testing"

	"github.com/google/uuid"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	p := Profile{
		ID:   id,
		Name: "staging-db",
		Connection: Connection{
			Host:     "staging.internal",
			Port:     22,
			User:     "deploy",
			AuthType: AuthKey,
			KeyPath:  "/home/deploy/.ssh/id_ed25519",
		},
		Forwarding: Forwarding{
			Type:        ForwardingLocal,
			BindAddress: "127.0.0.1",
			LocalPort:   5432,
			RemoteHost:  "127.0.0.1",
			RemotePort:  5432,
		},
		Options: defaultOptions(),
	}

	if err := Save(dir, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != p.Name {
		t.Errorf("Name = %q, want %q", got.Name, p.Name)
	}
	if got.Connection.Host != p.Connection.Host {
		t.Errorf("Host = %q, want %q", got.Connection.Host, p.Connection.Host)
	}
	if got.Forwarding.LocalPort != 5432 {
		t.Errorf("LocalPort = %d, want 5432", got.Forwarding.LocalPort)
	}
}

func TestLoadDefaultsPortTo22(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	p := Profile{ID: id, Name: "no-port", Connection: Connection{Host: "h", AuthType: AuthKey}}
	if err := Save(dir, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Connection.Port != 22 {
		t.Errorf("Port = %d, want 22", got.Connection.Port)
	}
}

func TestListAndDelete(t *testing.T) {
	dir := t.TempDir()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := Save(dir, Profile{ID: id, Name: "x", Connection: Connection{AuthType: AuthKey}}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(got))
	}

	if err := Delete(dir, ids[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = List(dir)
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List after delete returned %d entries, want 2", len(got))
	}
}

func TestListNonexistentDirReturnsEmpty(t *testing.T) {
	got, err := List("/nonexistent/path/for/test")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List = %v, want empty", got)
	}
}
