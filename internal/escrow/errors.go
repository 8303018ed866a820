package escrow

import (
	"errors"
	"fmt"
)

// OctagonErrorDomain is the error domain shared with the trust-state layer.
const OctagonErrorDomain = "OctagonErrorDomain"

// CodeNoTrustedPeers is the stable code reported when the local device holds no usable trust.
const CodeNoTrustedPeers = 58

var (
	// ErrNoTrust matches any error reporting that the local trust state cannot evaluate recoverability.
	ErrNoTrust = &Error{Domain: OctagonErrorDomain, Code: CodeNoTrustedPeers, Message: "no trusted peers"}
	// ErrTransport marks failures of the remote fetch client.
	ErrTransport = errors.New("escrow: transport failure")
	// ErrInvalidRecord marks record bytes that cannot be decoded or violate the tier invariant.
	ErrInvalidRecord = errors.New("escrow: invalid record")
)

// Error is a domain/code error surfaced to callers for programmatic handling.
type Error struct {
	Domain  string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%d): %s: %v", e.Domain, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%d): %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on domain and code so wrapped instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// NoTrust builds an ErrNoTrust-compatible error with a specific message.
func NoTrust(message string) *Error {
	if message == "" {
		message = ErrNoTrust.Message
	}
	return &Error{Domain: OctagonErrorDomain, Code: CodeNoTrustedPeers, Message: message}
}

// Transport wraps a fetch failure so callers can match ErrTransport while keeping the cause.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
