// Package provider defines the capability contract every remote signing
// backend is adapted to, the data exchanged through it and the canonical
// error taxonomy.
//
// Each backend lives in its own subpackage (csc, passwordgrant, sessionid,
// clientcreds, hybrid). The registry and session manager only ever talk to
// the Provider interface, so protocol idiosyncrasies such as missing refresh
// support, minute-long sessions or locally synthesised sessions stay inside
// one adapter.
package provider

import "context"

// Provider is implemented by every signing backend adapter.
//
// All methods that reach the network take a context; adapters additionally
// bound each remote call by their configured timeout. Every error returned
// from a Provider method is a *Error.
type Provider interface {
	// ID returns the upper-cased provider identifier.
	ID() string

	// Name returns the human-readable display name.
	Name() string

	// Capabilities describes optional behaviour supported by the adapter.
	Capabilities() Capabilities

	// Authenticate runs the provider-specific login flow and returns a new
	// session valid for roughly durationMinutes. Certificate metadata is
	// attached on a best-effort basis.
	Authenticate(ctx context.Context, creds Credentials, durationMinutes int) (*Session, error)

	// ValidateSession reports whether the session is still usable. A false
	// result with a nil error is authoritative. A non-nil error means the
	// check itself failed (typically KindNetworkError) and callers must not
	// tear the session down because of it.
	ValidateSession(ctx context.Context, s *Session) (bool, error)

	// RefreshSession extends the validity of s and returns the updated
	// session. OTP-gated providers fail with KindRefreshRequiresOtp or
	// KindRefreshNotSupported.
	RefreshSession(ctx context.Context, s *Session) (*Session, error)

	// CloseSession revokes the session server side. Callers log the error
	// and carry on with local cleanup regardless of the outcome.
	CloseSession(ctx context.Context, s *Session) error

	// SignDocument signs one document. On success any known remaining
	// signature quota on s is decremented.
	SignDocument(ctx context.Context, s *Session, req SignRequest) (*SignResponse, error)

	// SignDocuments signs reqs strictly in order. It always returns one
	// result per attempted request. When an item fails with a
	// session-invalidating error the loop stops after recording that item,
	// and the returned error is that session-invalidating error.
	SignDocuments(ctx context.Context, s *Session, reqs []SignRequest, progress ProgressFunc) ([]BatchResult, error)

	// CertificateInfo returns the cached certificate summary on s, fetching
	// it when absent.
	CertificateInfo(ctx context.Context, s *Session) (*CertificateInfo, error)

	// IsConfigured performs a structural check of the configuration without
	// any network access.
	IsConfigured() bool

	// TestConnection performs a cheap network probe. Failures are reported
	// as false, never as an error.
	TestConnection(ctx context.Context) bool
}

// Capabilities are optional behaviours advertised by an adapter.
type Capabilities struct {
	// ExtendedSession is true when sessions can be refreshed without a new OTP.
	ExtendedSession bool `json:"extended_session"`
	// Batch is true when SignDocuments is supported.
	Batch bool `json:"batch"`
}

// Info is the read-only projection of a registered provider exposed to the
// boundary layer.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Protocol     string       `json:"protocol"`
	Enabled      bool         `json:"enabled"`
	Configured   bool         `json:"configured"`
	Capabilities Capabilities `json:"capabilities"`
}
