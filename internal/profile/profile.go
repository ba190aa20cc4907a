// Package profile loads connection profiles from per-entity TOML files.
// Profile persistence sits outside the engine's core scope; this is the
// minimal reference form the daemon needs to resolve a profile ID into the
// snapshot the tunnel engine works from.
package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// AuthType selects how the engine authenticates to the remote host.
type AuthType string

const (
	AuthKey             AuthType = "key"
	AuthPassword        AuthType = "password"
	AuthPasswordWith2FA AuthType = "password_with_2fa"
)

// ForwardingType selects the kind of port forwarding a profile requests.
// Only Local is implemented; Remote and Dynamic are reserved and must be
// rejected at start time.
type ForwardingType string

const (
	ForwardingLocal   ForwardingType = "local"
	ForwardingRemote  ForwardingType = "remote"
	ForwardingDynamic ForwardingType = "dynamic"
)

// Connection describes how to reach and authenticate to the remote host.
type Connection struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	User              string   `toml:"user"`
	AuthType          AuthType `toml:"auth_type"`
	KeyPath           string   `toml:"key_path,omitempty"`
	PasswordStored    bool     `toml:"password_stored"`
	KeyPassphraseSet  bool     `toml:"key_passphrase_stored"`
}

// Forwarding describes the requested port-forwarding shape.
type Forwarding struct {
	Type        ForwardingType `toml:"type"`
	BindAddress string         `toml:"bind_address"`
	LocalPort   int            `toml:"local_port,omitempty"`
	RemoteHost  string         `toml:"remote_host,omitempty"`
	RemotePort  int            `toml:"remote_port,omitempty"`
}

// Options are tuning knobs read from the profile. The engine range-checks
// max_packet_size_bytes and window_size_bytes; none of the values is passed
// to the SSH library, which always runs with nodelay and a fixed 30s
// keepalive.
type Options struct {
	KeepaliveIntervalS  int  `toml:"keepalive_interval_s"`
	MaxPacketSizeBytes  int  `toml:"max_packet_size_bytes"`
	WindowSizeBytes     int  `toml:"window_size_bytes"`
	Compression         bool `toml:"compression"`
	NoDelay             bool `toml:"nodelay"`
}

// Profile is the opaque input the engine receives for one tunnel.
type Profile struct {
	ID         uuid.UUID  `toml:"id"`
	Name       string     `toml:"name"`
	Connection Connection `toml:"connection"`
	Forwarding Forwarding `toml:"forwarding"`
	Options    Options    `toml:"options"`
}

func defaultOptions() Options {
	return Options{
		KeepaliveIntervalS: 30,
		MaxPacketSizeBytes: 32768,
		WindowSizeBytes:    2097152,
	}
}

// Path returns the on-disk location of a profile within dir.
func Path(dir string, id uuid.UUID) string {
	return filepath.Join(dir, id.String()+".toml")
}

// Load reads and decodes the profile identified by id from dir.
func Load(dir string, id uuid.UUID) (Profile, error) {
	data, err := os.ReadFile(Path(dir, id))
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", id, err)
	}
	p := Profile{Options: defaultOptions(), Connection: Connection{Port: 22}}
	if err := toml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", id, err)
	}
	if p.Connection.Port == 0 {
		p.Connection.Port = 22
	}
	return p, nil
}

// Save writes p to dir as TOML, creating the directory if necessary.
func Save(dir string, p Profile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("profile: mkdir: %w", err)
	}
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: marshal %s: %w", p.ID, err)
	}
	return os.WriteFile(Path(dir, p.ID), data, 0o644)
}

// List returns the IDs of every profile found under dir.
func List(dir string) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: readdir %s: %w", dir, err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		id, err := uuid.Parse(e.Name()[:len(e.Name())-len(".toml")])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the profile file identified by id from dir.
func Delete(dir string, id uuid.UUID) error {
	err := os.Remove(Path(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("profile: remove %s: %w", id, err)
	}
	return nil
}
