package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/i474232898/weather-station-fusion/internal/common"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindNotFound    ErrorKind = "not_found"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindServer      ErrorKind = "server"
	KindCircuitOpen ErrorKind = "circuit_open"
)

var (
	errNoHTTPClient = errors.New("http client not configured")
	errNoStation    = errors.New("no station configured")
	errNoToken      = errors.New("no access token configured")
)

// TransportError is a classified failure of a transport operation.
type TransportError struct {
	Transport weather.Transport
	Kind      ErrorKind
	Status    int
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Transport, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// KindOf returns the classification of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindServer
	}
}

// kindForMessage classifies a failure from its text when no status code is
// available, e.g. a WebSocket close reason.
func kindForMessage(msg string) ErrorKind {
	switch {
	case common.HasAnyFold(msg, "401", "403", "unauthorized", "invalid token", "forbidden"):
		return KindAuth
	case common.HasAnyFold(msg, "429", "rate limit", "too many"):
		return KindRateLimited
	default:
		return KindNetwork
	}
}
