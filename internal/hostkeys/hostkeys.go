// Package hostkeys implements the known_hosts store: parsing, formatting,
// verification and persistence of trusted SSH host keys.
package hostkeys

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// VerifyResult is the verdict of checking a host key against the store.
type VerifyResult int

const (
	// Trusted means the key is present in known_hosts and matches.
	Trusted VerifyResult = iota
	// Unknown means no entry exists yet for this host (first connection).
	Unknown
	// Mismatch means an entry exists for this host but the key differs —
	// a possible man-in-the-middle.
	Mismatch
)

// Verdict is the full result of a Verify call.
type Verdict struct {
	Result             VerifyResult
	ExpectedLineNumber int // set only when Result == Mismatch
}

// Entry is a single known_hosts line.
type Entry struct {
	HostPattern string
	KeyType     string
	KeyB64      string
	Comment     string
	LineNumber  int
}

// Matches reports whether the entry applies to host:port, per the same
// dual rule the Store uses when reading: an exact pattern match, or (when
// port is 22) a bare-hostname match.
func (e Entry) Matches(host string, port int) bool {
	if e.HostPattern == formatHostPattern(host, port) {
		return true
	}
	if port == 22 && e.HostPattern == host {
		return true
	}
	return false
}

func (e Entry) verifyKey(key ssh.PublicKey) bool {
	if e.KeyType != key.Type() {
		return false
	}
	return e.KeyB64 == encodeKey(key)
}

func (e Entry) format() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s %s %s %s", e.HostPattern, e.KeyType, e.KeyB64, e.Comment)
	}
	return fmt.Sprintf("%s %s %s", e.HostPattern, e.KeyType, e.KeyB64)
}

func parseEntry(line string, lineNumber int) (Entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, false
	}
	e := Entry{
		HostPattern: fields[0],
		KeyType:     fields[1],
		KeyB64:      fields[2],
		LineNumber:  lineNumber,
	}
	if len(fields) > 3 {
		e.Comment = strings.Join(fields[3:], " ")
	}
	return e, true
}

func formatHostPattern(host string, port int) string {
	if port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

func encodeKey(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

// Fingerprint returns the SHA256:<base64> fingerprint for key, the same
// format ssh-keygen and the known_hosts store both use.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// Store is an in-memory, file-backed known_hosts table.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries []Entry
}

// DefaultPath returns ~/.config/ssh-tunnel-manager/known_hosts.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "ssh-tunnel-manager", "known_hosts")
}

// Load reads a Store from path. A missing file is not an error — the Store
// starts empty and is created on first Save.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hostkeys: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if e, ok := parseEntry(scanner.Text(), lineNo); ok {
			s.entries = append(s.entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hostkeys: read %s: %w", path, err)
	}
	return s, nil
}

// Verify checks key against whatever entries match host:port.
func (s *Store) Verify(host string, port int, key ssh.PublicKey) Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []Entry
	for _, e := range s.entries {
		if e.Matches(host, port) {
			matching = append(matching, e)
		}
	}
	if len(matching) == 0 {
		return Verdict{Result: Unknown}
	}
	for _, e := range matching {
		if e.verifyKey(key) {
			return Verdict{Result: Trusted}
		}
	}
	return Verdict{Result: Mismatch, ExpectedLineNumber: matching[0].LineNumber}
}

// Add appends a new entry for host:port/key. It does not persist to disk;
// call Save afterwards.
func (s *Store) Add(host string, port int, key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		HostPattern: formatHostPattern(host, port),
		KeyType:     key.Type(),
		KeyB64:      encodeKey(key),
		LineNumber:  len(s.entries) + 1,
	})
}

// Save writes the store to disk with a header comment and 0600 permissions.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("hostkeys: mkdir: %w", err)
	}

	var b strings.Builder
	b.WriteString("# SSH Tunnel Manager - Known Hosts\n")
	b.WriteString("# Do not edit this file manually unless you know what you're doing\n\n")
	for _, e := range s.entries {
		b.WriteString(e.format())
		b.WriteString("\n")
	}

	if err := os.WriteFile(s.path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("hostkeys: write %s: %w", s.path, err)
	}
	return os.Chmod(s.path, 0o600)
}

// Path returns the file path this store reads from and saves to.
func (s *Store) Path() string {
	return s.path
}

// Entries returns a sorted-by-line copy of the stored entries, for display.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out
}
