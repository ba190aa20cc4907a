package tunnel

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
	"github.com/ssh-tunnel-manager/daemon/internal/hostkeys"
	"github.com/ssh-tunnel-manager/daemon/internal/logutil"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

// authMethods builds the ssh.AuthMethod list for p.Connection.AuthType. The
// Key case resolves (and, if necessary, prompts for) the private key's
// signer before any network I/O happens, per spec: the signer is ready
// before the SSH transport is ever dialed.
func (e *Engine) authMethods(h *registry.Handle, p profile.Profile, fail *authFailure) ([]ssh.AuthMethod, error) {
	switch p.Connection.AuthType {
	case profile.AuthKey:
		signer, err := e.resolveSigner(h, p)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{
			ssh.PublicKeys(signer),
			ssh.KeyboardInteractive(e.keyboardInteractive(h, fail)),
		}, nil

	case profile.AuthPassword:
		pw, err := e.resolvePassword(h, p)
		if err != nil {
			return nil, err
		}
		// No keyboard-interactive fallback: partial success is fatal for
		// pure password auth, per spec.
		return []ssh.AuthMethod{ssh.Password(pw)}, nil

	case profile.AuthPasswordWith2FA:
		return []ssh.AuthMethod{ssh.KeyboardInteractive(e.keyboardInteractive(h, fail))}, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth_type %q", tunnelerr.ErrInvalidConfig, p.Connection.AuthType)
	}
}

// resolveSigner loads the private key at p.Connection.KeyPath and decrypts
// it, trying (in order) a stored passphrase, no passphrase at all, and
// finally an interactive prompt.
func (e *Engine) resolveSigner(h *registry.Handle, p profile.Profile) (ssh.Signer, error) {
	keyData, err := os.ReadFile(p.Connection.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tunnel: read key %s: %w", logutil.SanitizeForLog(p.Connection.KeyPath), err)
	}

	if p.Connection.KeyPassphraseSet {
		if pass, err := e.Secrets.GetKeyPassphrase(p.ID); err == nil {
			if signer, err := ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(pass)); err == nil {
				return signer, nil
			} else if !isPassphraseError(err) {
				return nil, fmt.Errorf("tunnel: parse key: %w", err)
			}
		}
	}

	if signer, err := ssh.ParsePrivateKey(keyData); err == nil {
		return signer, nil
	} else if !isPassphraseError(err) {
		return nil, fmt.Errorf("tunnel: parse key: %w", err)
	}

	resp, err := h.RequestAuth(eventbus.AuthKeyPassphrase, fmt.Sprintf("Passphrase for key %s: ", p.Connection.KeyPath), true)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(resp))
	if err != nil {
		return nil, fmt.Errorf("tunnel: key decrypt failed: %w", err)
	}
	return signer, nil
}

// isPassphraseError reports whether err indicates the key is encrypted and
// needs a passphrase, as opposed to being malformed outright.
func isPassphraseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "encrypted") || strings.Contains(msg, "passphrase") || strings.Contains(msg, "decrypt")
}

func (e *Engine) resolvePassword(h *registry.Handle, p profile.Profile) (string, error) {
	if p.Connection.PasswordStored {
		if pw, err := e.Secrets.GetPassword(p.ID); err == nil {
			return pw, nil
		}
	}
	return h.RequestAuth(eventbus.AuthPassword, "Password: ", true)
}

// keyboardInteractive builds the SSH library's keyboard-interactive
// callback: it is invoked once per server InfoRequest, and must return one
// answer per question in order.
func (e *Engine) keyboardInteractive(h *registry.Handle, fail *authFailure) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if len(questions) == 0 {
			return nil, nil
		}
		answers := make([]string, len(questions))
		for i, q := range questions {
			hidden := true
			if i < len(echos) {
				hidden = !echos[i]
			}
			prompt := name + "\n" + instruction + "\n" + q
			resp, err := h.RequestAuth(classifyPrompt(q), prompt, hidden)
			if err != nil {
				fail.set(err)
				return nil, err
			}
			answers[i] = resp
		}
		return answers, nil
	}
}

// classifyPrompt guesses the AuthKind a keyboard-interactive question is
// asking for, purely from its text — the library gives no other signal.
// This is a heuristic, not a protocol guarantee.
func classifyPrompt(question string) eventbus.AuthKind {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "password"):
		return eventbus.AuthPassword
	case strings.Contains(q, "code") || strings.Contains(q, "otp") || strings.Contains(q, "verification"):
		return eventbus.AuthTwoFactorCode
	default:
		return eventbus.AuthKeyboardInteractive
	}
}

// hostKeyCallback verifies the presented server key against the known-hosts
// store, prompting through the Auth Broker on first use. Because
// ssh.ClientConfig.HostKeyCallback already runs inside the handshake's own
// goroutine, blocking it on the broker's 60s wait does not stall anything
// else — mirrors russh's check_server_key trait method.
func (e *Engine) hostKeyCallback(h *registry.Handle, fail *authFailure) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, portStr, err := net.SplitHostPort(hostname)
		if err != nil {
			host, portStr = hostname, "22"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			port = 22
		}

		verdict := e.HostKeys.Verify(host, port, key)
		switch verdict.Result {
		case hostkeys.Trusted:
			return nil

		case hostkeys.Mismatch:
			fail.set(tunnelerr.ErrHostKeyMismatch)
			return tunnelerr.ErrHostKeyMismatch

		case hostkeys.Unknown:
			prompt := fmt.Sprintf(
				"Unknown host key for %s (%s %s). Trust and continue? [yes/no]",
				hostname, key.Type(), hostkeys.Fingerprint(key),
			)
			resp, err := h.RequestAuth(eventbus.AuthHostKeyVerification, prompt, false)
			if err != nil {
				fail.set(err)
				return err
			}
			r := strings.ToLower(strings.TrimSpace(resp))
			if r != "yes" && r != "y" {
				fail.set(tunnelerr.ErrHostKeyRejected)
				return tunnelerr.ErrHostKeyRejected
			}
			e.HostKeys.Add(host, port, key)
			if err := e.HostKeys.Save(); err != nil {
				wrapped := fmt.Errorf("tunnel: save known_hosts: %w", err)
				fail.set(wrapped)
				return wrapped
			}
			return nil

		default:
			fail.set(tunnelerr.ErrHostKeyMismatch)
			return tunnelerr.ErrHostKeyMismatch
		}
	}
}
