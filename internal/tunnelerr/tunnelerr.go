// Package tunnelerr defines the sentinel errors shared between the tunnel
// engine and the control plane, so HTTP handlers can map domain failures to
// status codes with errors.Is instead of string matching.
package tunnelerr

import "errors"

var (
	ErrNotFound         = errors.New("tunnel not found")
	ErrAlreadyActive    = errors.New("tunnel already active for this profile")
	ErrAuthRejected     = errors.New("authentication rejected by server")
	ErrAuthTimeout      = errors.New("authentication prompt timed out")
	ErrAuthCancelled    = errors.New("authentication request superseded")
	ErrNoPendingAuth    = errors.New("no pending authentication request")
	ErrHostKeyMismatch  = errors.New("host key does not match known_hosts entry")
	ErrHostKeyRejected  = errors.New("host key rejected by user")
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrBindFailed       = errors.New("failed to bind local listener")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("forwarding type not supported")
	ErrInvalidConfig    = errors.New("invalid configuration")
)
