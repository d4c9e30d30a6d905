package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for matching with errors.Is. Every *Error matches exactly
// one of them.
var (
	// ErrUnauthorized means the server rejected the credential (401).
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNetworkUnavailable means no response was received.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrServerRejected means the server refused the request (4xx other than 401).
	ErrServerRejected = errors.New("rejected by server")
	// ErrServerError means the server failed (5xx) or sent an unreadable reply.
	ErrServerError = errors.New("server error")
)

// Kind classifies a failed call.
type Kind int

const (
	KindNetworkUnavailable Kind = iota
	KindUnauthorized
	KindServerRejected
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindServerRejected:
		return "server_rejected"
	case KindServerError:
		return "server_error"
	default:
		return "network_unavailable"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindServerRejected:
		return ErrServerRejected
	case KindServerError:
		return ErrServerError
	default:
		return ErrNetworkUnavailable
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Op      string // e.g. "POST /expenses"
	Status  int    // HTTP status, 0 when no response arrived
	Message string // server's {"error": ...} text when present
	Err     error  // transport or decode error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind.sentinel(), e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (%d)", e.Op, e.Kind.sentinel(), e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.sentinel(), e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.sentinel())
	}
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// kindForStatus maps a non-2xx status to a kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status >= 500:
		return KindServerError
	default:
		return KindServerRejected
	}
}

// IsOffline reports whether err means the server could not be reached.
func IsOffline(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
