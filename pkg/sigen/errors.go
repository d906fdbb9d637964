package sigen

import (
	"fmt"
	"strings"
)

// ConfigError reports invalid construction input, such as an unknown region.
// It is returned before any network activity and retrying will not help.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "sigen: " + e.Msg
}

// AuthError reports a failed login or an irrecoverable token failure. The
// caller must supply valid credentials; the client does not retry beyond the
// single refresh-then-relogin fallback.
type AuthError struct {
	Op  string // "login" or "refresh"
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sigen: %s failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InitError reports that initialization (mode discovery, station lookup) did
// not complete; the client is unusable until Initialize succeeds.
type InitError struct {
	Msg string
	Err error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sigen: initialization failed: %s: %v", e.Msg, e.Err)
	}
	return "sigen: initialization failed: " + e.Msg
}

func (e *InitError) Unwrap() error { return e.Err }

// InvalidModeError reports a request for a mode name the station does not
// support. Valid holds the discovered mode names.
type InvalidModeError struct {
	Name  string
	Valid []string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("sigen: unknown operational mode %q, supported modes: %s",
		e.Name, strings.Join(e.Valid, ", "))
}

// NetworkError wraps a transport-level failure. The operation had no local
// side effects and is safe to retry.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("sigen: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError reports an explicit error envelope from the server.
type APIError struct {
	Code    int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sigen: api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sigen: api error %d", e.Code)
}

// FormatError reports a response body that could not be decoded or is
// missing fields the operation requires.
type FormatError struct {
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sigen: unexpected response: %s: %v", e.Msg, e.Err)
	}
	return "sigen: unexpected response: " + e.Msg
}

func (e *FormatError) Unwrap() error { return e.Err }
