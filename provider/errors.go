package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a failure independently of which backend produced it.
type Kind string

const (
	KindAuthFailed            Kind = "AUTH_FAILED"
	KindInvalidOtp            Kind = "INVALID_OTP"
	KindInvalidPin            Kind = "INVALID_PIN"
	KindCredentialLocked      Kind = "CREDENTIAL_LOCKED"
	KindProviderNotFound      Kind = "PROVIDER_NOT_FOUND"
	KindProviderNotConfigured Kind = "PROVIDER_NOT_CONFIGURED"
	KindNoDefaultProvider     Kind = "NO_DEFAULT_PROVIDER"
	KindSessionNotFound       Kind = "SESSION_NOT_FOUND"
	KindSessionExpired        Kind = "SESSION_EXPIRED"
	KindInvalidSession        Kind = "INVALID_SESSION"
	KindRefreshNotSupported   Kind = "REFRESH_NOT_SUPPORTED"
	KindRefreshRequiresOtp    Kind = "REFRESH_REQUIRES_OTP"
	KindNoSignaturesLeft      Kind = "NO_SIGNATURES_LEFT"
	KindCertificateInfo       Kind = "CERTIFICATE_INFO_ERROR"
	KindRateLimited           Kind = "RATE_LIMITED"
	KindServerError           Kind = "SERVER_ERROR"
	KindNetworkError          Kind = "NETWORK_ERROR"
	KindProviderError         Kind = "PROVIDER_ERROR"
)

// Retryable reports whether errors of this kind are, by default, worth
// retrying by the caller. Nothing inside ironsign retries automatically.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindNetworkError:
		return true
	}
	return false
}

// SessionInvalidating reports whether the kind means the remote side no
// longer accepts the session. Batch signing aborts on these.
func (k Kind) SessionInvalidating() bool {
	return k == KindSessionExpired || k == KindInvalidSession
}

// Error is the canonical error shape every adapter maps its native failures
// into. Provider is the upper-cased provider id, empty for errors raised
// before a provider was resolved.
type Error struct {
	Kind      Kind
	Provider  string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so the package sentinels work with
// errors.Is regardless of provider or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthFailed            = &Error{Kind: KindAuthFailed}
	ErrInvalidOtp            = &Error{Kind: KindInvalidOtp}
	ErrInvalidPin            = &Error{Kind: KindInvalidPin}
	ErrCredentialLocked      = &Error{Kind: KindCredentialLocked}
	ErrProviderNotFound      = &Error{Kind: KindProviderNotFound}
	ErrProviderNotConfigured = &Error{Kind: KindProviderNotConfigured}
	ErrNoDefaultProvider     = &Error{Kind: KindNoDefaultProvider}
	ErrSessionNotFound       = &Error{Kind: KindSessionNotFound}
	ErrSessionExpired        = &Error{Kind: KindSessionExpired}
	ErrInvalidSession        = &Error{Kind: KindInvalidSession}
	ErrRefreshNotSupported   = &Error{Kind: KindRefreshNotSupported}
	ErrRefreshRequiresOtp    = &Error{Kind: KindRefreshRequiresOtp}
	ErrNoSignaturesLeft      = &Error{Kind: KindNoSignaturesLeft}
	ErrCertificateInfo       = &Error{Kind: KindCertificateInfo}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrServerError           = &Error{Kind: KindServerError}
	ErrNetworkError          = &Error{Kind: KindNetworkError}
	ErrProviderError         = &Error{Kind: KindProviderError}
)

// NewError builds a provider-qualified error with the kind's default
// retryable flag.
func NewError(kind Kind, providerID, message string) *Error {
	return &Error{
		Kind:      kind,
		Provider:  providerID,
		Message:   message,
		Retryable: kind.Retryable(),
	}
}

// WrapError is NewError with an underlying cause.
func WrapError(kind Kind, providerID string, err error) *Error {
	e := NewError(kind, providerID, "")
	e.Err = err
	return e
}

// KindOf returns the canonical kind of err, or KindProviderError when err
// does not carry one. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProviderError
}

// IsRetryable reports the retryable hint carried by err.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsSessionInvalidating reports whether err means the session is dead on
// the provider side.
func IsSessionInvalidating(err error) bool {
	return KindOf(err).SessionInvalidating()
}

// AsError coerces any error into the canonical shape. Canonical errors pass
// through untouched; anything else becomes a non-retryable ProviderError
// carrying the raw message.
func AsError(providerID string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	e := WrapError(KindProviderError, providerID, err)
	e.Message = err.Error()
	return e
}
