// Package gatewayerr defines the error taxonomy shared by every gateway component.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Kind classifies a gateway error. Kinds are stable and safe to expose to callers.
type Kind string

const (
	KindConfiguration       Kind = "configuration_error"
	KindToolNotFound        Kind = "tool_not_found"
	KindSchemaValidation    Kind = "schema_validation_error"
	KindInvalidToken        Kind = "invalid_token"
	KindTimeout             Kind = "timeout"
	KindTransport           Kind = "transport_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindLedgerInconsistency Kind = "ledger_inconsistency"
	// KindRoleDenied covers an unknown role or a requested role the caller does not hold.
	KindRoleDenied Kind = "role_denied"
)

// Sentinels for errors.Is comparisons against a Kind.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrToolNotFound        = &Error{Kind: KindToolNotFound}
	ErrSchemaValidation    = &Error{Kind: KindSchemaValidation}
	ErrInvalidToken        = &Error{Kind: KindInvalidToken}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrTransport           = &Error{Kind: KindTransport}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstreamRejected    = &Error{Kind: KindUpstreamRejected}
	ErrLedgerInconsistency = &Error{Kind: KindLedgerInconsistency}
	ErrRoleDenied          = &Error{Kind: KindRoleDenied}
)

// maxUpstreamMessage bounds upstream-provided text copied into caller errors.
const maxUpstreamMessage = 512

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Token         string // idempotency token, set once a ledger record exists
	Status        int    // HTTP-like status reported by the upstream, 0 if none
	Attempts      int    // upstream attempts made before the error, 0 if none
	Err           error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.CorrelationID != "" {
		msg += " (correlation_id=" + e.CorrelationID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ge *Error
	ok := errors.As(err, &ge)
	return ge, ok
}

// WithToken returns a copy of err enriched with the idempotency token. Errors that
// are not *Error are wrapped as internal ledger-independent upstream failures.
func WithToken(err error, token string) error {
	if err == nil {
		return nil
	}
	ge, ok := As(err)
	if !ok {
		return &Error{Kind: KindUpstreamUnavailable, Token: token, Err: err}
	}
	cp := *ge
	cp.Token = token
	return &cp
}

// Terminal reports whether a caller error must not be retried by the gateway.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindToolNotFound, KindSchemaValidation, KindInvalidToken, KindConfiguration, KindRoleDenied:
		return true
	}
	return false
}

// SafeMessage returns a caller-visible message. Internal invariant violations are
// reduced to a generic message; upstream text is truncated.
func SafeMessage(err error) string {
	ge, ok := As(err)
	if !ok {
		return "internal error"
	}
	switch ge.Kind {
	case KindLedgerInconsistency:
		return "internal error"
	case KindUpstreamRejected:
		return truncate(ge.Message, maxUpstreamMessage)
	}
	if ge.Message == "" {
		return string(ge.Kind)
	}
	return ge.Message
}

// HTTPStatus maps an error onto the status code used by the HTTP API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindToolNotFound:
		return http.StatusNotFound
	case KindSchemaValidation, KindInvalidToken:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransport, KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUpstreamRejected:
		return http.StatusUnprocessableEntity
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindRoleDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
