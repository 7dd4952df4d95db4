// Package client implements the agent side of the tunnel-server session:
// dialing out, the authorization handshake, registration, health checking,
// and the per-connection session lifecycle.
package client

import (
	"errors"
	"fmt"
)

// DialError is a TCP-level failure reaching the tunnel server. Recoverable;
// the agent reconnects with backoff.
type DialError struct {
	Addr  string
	cause error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dialing %s: %v", e.Addr, e.cause)
}

func (e *DialError) Unwrap() error { return e.cause }

// TLSError is a TLS handshake or certificate verification failure against
// the tunnel server. Recoverable like DialError.
type TLSError struct {
	Addr  string
	cause error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls handshake with %s: %v", e.Addr, e.cause)
}

func (e *TLSError) Unwrap() error { return e.cause }

// AuthenticationError means the server rejected the agent's credentials.
// Nothing short of operator action fixes that, so the agent exits.
type AuthenticationError struct {
	Email  string
	Status string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Email, e.Status)
}

// MangledResponseError is protocol-level corruption in a server response.
// The message always begins with "Mangled"; monitoring matches that prefix.
type MangledResponseError struct {
	msg   string
	cause error
}

func mangledErr(cause error, format string, args ...any) *MangledResponseError {
	return &MangledResponseError{msg: "Mangled " + fmt.Sprintf(format, args...), cause: cause}
}

func (e *MangledResponseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *MangledResponseError) Unwrap() error { return e.cause }

// RegistrationError is a registration failure. ServerRejected distinguishes
// a deliberate non-OK verdict (unrecoverable until the config changes, exit
// code 3) from local or transport trouble (reconnect).
type RegistrationError struct {
	StatusMessage  string
	ServerRejected bool
	cause          error
}

func (e *RegistrationError) Error() string {
	switch {
	case e.StatusMessage != "" && e.cause != nil:
		return fmt.Sprintf("registration failed: %s: %v", e.StatusMessage, e.cause)
	case e.StatusMessage != "":
		return "registration failed: " + e.StatusMessage
	default:
		return fmt.Sprintf("registration failed: %v", e.cause)
	}
}

func (e *RegistrationError) Unwrap() error { return e.cause }

// ErrHealthTimeout ends a session that has not heard a health-check frame
// within the timeout window. Recoverable; triggers reconnect.
var ErrHealthTimeout = errors.New("health check timed out waiting for server probe")
