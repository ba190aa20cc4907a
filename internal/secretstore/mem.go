package secretstore

import (
	"sync"

	"github.com/google/uuid"
)

// Mem is an in-memory Store, used by tests and by callers that opt out of
// OS keychain integration.
type Mem struct {
	mu        sync.Mutex
	passwords map[string]string
}

// NewMem returns an empty in-memory Store.
func NewMem() *Mem {
	return &Mem{passwords: make(map[string]string)}
}

func (m *Mem) GetPassword(id uuid.UUID) (string, error) {
	return m.get(account(id, "password"))
}

func (m *Mem) SetPassword(id uuid.UUID, password string) error {
	m.set(account(id, "password"), password)
	return nil
}

func (m *Mem) GetKeyPassphrase(id uuid.UUID) (string, error) {
	return m.get(account(id, "key_passphrase"))
}

func (m *Mem) SetKeyPassphrase(id uuid.UUID, passphrase string) error {
	m.set(account(id, "key_passphrase"), passphrase)
	return nil
}

func (m *Mem) get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.passwords[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Mem) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[key] = value
}
