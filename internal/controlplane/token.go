package controlplane

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TokenHeader is the bearer header every endpoint but /api/health requires,
// per spec.md §4.7.
const TokenHeader = "X-Tunnel-Token"

// Token holds the daemon's bearer secret in process memory. Zero zeroes the
// backing bytes once the daemon no longer needs them (process shutdown),
// mirroring the spec's "zero-on-drop wrapper" requirement.
type Token struct {
	b []byte
}

// Equal reports whether candidate matches the held token, in constant time.
func (t *Token) Equal(candidate string) bool {
	if t == nil || len(t.b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(t.b, []byte(candidate)) == 1
}

// String returns the token's value. Used only when writing the client
// config snippet.
func (t *Token) String() string {
	if t == nil {
		return ""
	}
	return string(t.b)
}

// Zero overwrites the held token bytes with zeroes.
func (t *Token) Zero() {
	for i := range t.b {
		t.b[i] = 0
	}
	t.b = nil
}

// LoadOrGenerateToken reads the opaque bearer token from path, generating
// and persisting (mode 0600) a fresh UUID-shaped one on first run. The
// second return reports whether a new token was generated, so the caller
// knows whether the client config snippet needs rewriting.
func LoadOrGenerateToken(path string) (*Token, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		v := strings.TrimSpace(string(data))
		if v != "" {
			return &Token{b: []byte(v)}, false, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("controlplane: read token: %w", err)
	}

	v := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("controlplane: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(v), 0o600); err != nil {
		return nil, false, fmt.Errorf("controlplane: write token: %w", err)
	}
	return &Token{b: []byte(v)}, true, nil
}
