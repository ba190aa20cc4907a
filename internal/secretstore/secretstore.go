// Package secretstore looks up stored passwords and key passphrases from
// the OS keychain, for profiles whose connection flags mark a secret as
// already stored.
package secretstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
)

const service = "ssh-tunnel-manager"

// ErrNotFound is returned when no secret is stored for the given account.
var ErrNotFound = errors.New("secretstore: no secret stored")

// Store resolves stored secrets by profile ID and kind.
type Store interface {
	GetPassword(id uuid.UUID) (string, error)
	SetPassword(id uuid.UUID, password string) error
	GetKeyPassphrase(id uuid.UUID) (string, error)
	SetKeyPassphrase(id uuid.UUID, passphrase string) error
}

// Keyring is a Store backed by the OS keychain via go-keyring.
type Keyring struct{}

// NewKeyring returns a keychain-backed Store.
func NewKeyring() Keyring {
	return Keyring{}
}

func (Keyring) GetPassword(id uuid.UUID) (string, error) {
	return get(account(id, "password"))
}

func (Keyring) SetPassword(id uuid.UUID, password string) error {
	return keyring.Set(service, account(id, "password"), password)
}

func (Keyring) GetKeyPassphrase(id uuid.UUID) (string, error) {
	return get(account(id, "key_passphrase"))
}

func (Keyring) SetKeyPassphrase(id uuid.UUID, passphrase string) error {
	return keyring.Set(service, account(id, "key_passphrase"), passphrase)
}

func account(id uuid.UUID, kind string) string {
	return fmt.Sprintf("%s:%s", id, kind)
}

func get(acct string) (string, error) {
	v, err := keyring.Get(service, acct)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("secretstore: %w", err)
	}
	return v, nil
}
