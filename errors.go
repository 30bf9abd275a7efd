package chatsync

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when the session handle is requested before
// the session has created its transport.
var ErrNotInitialized = errors.New("chat session not initialized")

// DuplicateSessionMessage is shown when another tab or device takes over the identity.
const DuplicateSessionMessage = "Same email is already logged in on another tab/device."

// IdentityError reports that no participant id could be derived, or that the
// token service issued a credential for a different id.
type IdentityError struct {
	Claim string
	Msg   string
}

func (e *IdentityError) Error() string { return e.Msg }

// CredentialKind classifies token exchange failures.
type CredentialKind string

const (
	CredentialAuth     CredentialKind = "auth"
	CredentialNetwork  CredentialKind = "network"
	CredentialServer   CredentialKind = "server"
	CredentialProtocol CredentialKind = "protocol"
)

// CredentialError is a token exchange failure.
type CredentialError struct {
	Kind   CredentialKind
	Status int
	Msg    string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *CredentialError) Unwrap() error { return e.Err }

// IsCredentialKind reports whether err is a CredentialError of the given kind.
func IsCredentialKind(err error, kind CredentialKind) bool {
	var ce *CredentialError
	return errors.As(err, &ce) && ce.Kind == kind
}

// SessionError wraps a failed boot step. Its message is the underlying
// error's message, unchanged, so it can be shown as-is.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

// DuplicateSessionError is set when the transport reports that the identity
// logged in elsewhere or this session was kicked out.
type DuplicateSessionError struct {
	Event ConnectionEvent
}

func (e *DuplicateSessionError) Error() string { return DuplicateSessionMessage }

// IsDuplicateSession reports whether err is a DuplicateSessionError.
func IsDuplicateSession(err error) bool {
	var de *DuplicateSessionError
	return errors.As(err, &de)
}

// CommandError is a user-initiated command rejected by the transport.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
