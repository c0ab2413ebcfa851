package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

var ErrUnknownProvider = errors.New("unknown LLM provider")

// Kind classifies a backend failure. It doubles as the metrics label.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindRateLimit     Kind = "rate_limit"
	KindServer        Kind = "server"
	KindNetwork       Kind = "network"
	KindInvalidOutput Kind = "invalid_output"
	KindAuth          Kind = "auth"
	KindBadRequest    Kind = "bad_request"
	KindUnavailable   Kind = "unavailable"
)

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindServer, KindNetwork, KindInvalidOutput:
		return true
	}
	return false
}

// Error is returned by every backend call that does not succeed.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a classified, retryable failure.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// StatusKind maps an HTTP error status to a Kind.
func StatusKind(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code >= 500:
		return KindServer
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	default:
		return KindBadRequest
	}
}

func httpError(provider string, code int, body []byte) *Error {
	return &Error{
		Kind:       StatusKind(code),
		Provider:   provider,
		StatusCode: code,
		Err:        errors.New(errorMessage(body)),
	}
}

// errorMessage pulls the message out of the JSON error envelopes the
// providers use, falling back to a trimmed body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
			return detail.Message
		}
		var plain string
		if json.Unmarshal(envelope.Error, &plain) == nil && plain != "" {
			return plain
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = "empty error response"
	}
	return msg
}

// transportError classifies a request that produced no HTTP response.
func transportError(provider string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	}
	return &Error{Kind: KindNetwork, Provider: provider, Err: err}
}

func invalidOutput(provider string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidOutput, Provider: provider, Err: fmt.Errorf(format, args...)}
}
