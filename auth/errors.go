package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies the outcome of a failed flow operation.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidState
	KindTokenExchangeFailed
	KindNotAuthenticated
	KindRefreshFailed
	KindRevocationFailed
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid_state"
	case KindTokenExchangeFailed:
		return "token_exchange_failed"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindRevocationFailed:
		return "revocation_failed"
	case KindTransport:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrTokenExchangeFailed = &Error{Kind: KindTokenExchangeFailed}
	ErrNotAuthenticated    = &Error{Kind: KindNotAuthenticated}
	ErrRefreshFailed       = &Error{Kind: KindRefreshFailed}
	ErrRevocationFailed    = &Error{Kind: KindRevocationFailed}
	ErrTransport           = &Error{Kind: KindTransport}
)

// Error is the tagged outcome returned by Flow operations.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// Detail carries the provider's raw error body, when there was one.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ProviderError reports a non-2xx reply from the identity provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("provider returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// TransportError reports that the provider could not be reached.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "provider unreachable: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }
