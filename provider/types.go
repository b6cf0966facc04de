package provider

import (
	"crypto/sha256"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/jmcleod/ironsign/internal/util"
)

// Credentials is the transient input to Authenticate. It is never
// persisted; adapters that must replay it keep it in the session metadata
// for the session's lifetime only.
type Credentials struct {
	Username string
	PIN      string
	OTP      string
	// Domain is an optional device or domain qualifier some providers need.
	Domain string
}

// Normalized returns a copy with whitespace trimmed and unicode normalised
// on the user-visible fields.
func (c Credentials) Normalized() Credentials {
	return Credentials{
		Username: util.Normalize(strings.TrimSpace(c.Username)),
		PIN:      util.Normalize(c.PIN),
		OTP:      strings.TrimSpace(c.OTP),
		Domain:   strings.TrimSpace(c.Domain),
	}
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.Bool("pin_set", c.PIN != ""),
		slog.Bool("otp_set", c.OTP != ""),
		slog.String("domain", c.Domain),
	)
}

// NormalizeUserID canonicalises a user identifier for use in session keys.
func NormalizeUserID(userID string) string {
	return util.Normalize(strings.TrimSpace(userID))
}

// NormalizeID canonicalises a provider identifier.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// CertificateInfo summarises the signing certificate behind a session.
type CertificateInfo struct {
	CommonName   string    `json:"common_name"`
	Subject      string    `json:"subject,omitempty"`
	Issuer       string    `json:"issuer,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	NotBefore    time.Time `json:"not_before,omitzero"`
	NotAfter     time.Time `json:"not_after,omitzero"`
	// Raw is the DER encoded certificate when the provider returned one.
	Raw []byte `json:"-"`
}

// Session is the result of a successful authentication.
type Session struct {
	ID         string
	ProviderID string
	UserID     string
	ExpiresAt  time.Time

	Certificate *CertificateInfo

	// RemainingSignatures is nil when the provider does not report a quota.
	RemainingSignatures *int

	AccessToken  string
	RefreshToken string

	// Metadata holds adapter-private state. Only the owning adapter reads it.
	Metadata map[string]any
}

// Expired reports whether the local expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the known remaining-signature quota.
func (s *Session) Remaining() (int, bool) {
	if s.RemainingSignatures == nil {
		return 0, false
	}
	return *s.RemainingSignatures, true
}

// SetRemaining records a quota reported by the provider.
func (s *Session) SetRemaining(n int) {
	s.RemainingSignatures = &n
}

// ConsumeSignature decrements a known quota by one, never below zero.
func (s *Session) ConsumeSignature() {
	if s.RemainingSignatures == nil {
		return
	}
	if *s.RemainingSignatures > 0 {
		n := *s.RemainingSignatures - 1
		s.RemainingSignatures = &n
	}
}

// SignerName returns the certificate common name, or the user id when no
// certificate information is known.
func (s *Session) SignerName() string {
	if s.Certificate != nil && s.Certificate.CommonName != "" {
		return s.Certificate.CommonName
	}
	return s.UserID
}

// Clone returns a copy that shares no mutable state with s except the
// values stored in Metadata.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.RemainingSignatures != nil {
		n := *s.RemainingSignatures
		c.RemainingSignatures = &n
	}
	if s.Certificate != nil {
		cert := *s.Certificate
		c.Certificate = &cert
	}
	if s.Metadata != nil {
		c.Metadata = maps.Clone(s.Metadata)
	}
	return &c
}

// SignatureFormat is the signature container format requested.
type SignatureFormat string

const (
	FormatCAdES SignatureFormat = "CAdES"
	FormatPAdES SignatureFormat = "PAdES"
	FormatXAdES SignatureFormat = "XAdES"
)

// Valid reports whether f is one of the supported formats.
func (f SignatureFormat) Valid() bool {
	switch f {
	case FormatCAdES, FormatPAdES, FormatXAdES:
		return true
	}
	return false
}

// HashSHA256 is the only digest algorithm computed locally.
const HashSHA256 = "SHA-256"

// ErrEmptyDocument is returned when a request carries neither hash nor payload.
var ErrEmptyDocument = errors.New("sign request has neither hash nor payload")

// SignRequest describes one document to sign. Either Hash (already
// computed with HashAlgorithm) or Payload must be set.
type SignRequest struct {
	DocumentID    string          `json:"document_id"`
	Hash          []byte          `json:"hash,omitempty"`
	HashAlgorithm string          `json:"hash_algorithm,omitempty"`
	Payload       []byte          `json:"payload,omitempty"`
	Format        SignatureFormat `json:"format"`
}

// Digest returns the hash to sign and its algorithm, hashing the payload
// with SHA-256 when no hash was supplied.
func (r SignRequest) Digest() ([]byte, string, error) {
	if len(r.Hash) > 0 {
		algo := r.HashAlgorithm
		if algo == "" {
			algo = HashSHA256
		}
		return r.Hash, algo, nil
	}
	if len(r.Payload) == 0 {
		return nil, "", ErrEmptyDocument
	}
	sum := sha256.Sum256(r.Payload)
	return sum[:], HashSHA256, nil
}

// SignResponse is the outcome of signing one document.
type SignResponse struct {
	DocumentID       string    `json:"document_id"`
	Signature        []byte    `json:"signature"`
	SignerCommonName string    `json:"signer_common_name"`
	Timestamp        time.Time `json:"timestamp"`
}

// BatchResult is the outcome of one item in a batch.
type BatchResult struct {
	DocumentID string        `json:"document_id"`
	Success    bool          `json:"success"`
	Response   *SignResponse `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	Kind       Kind          `json:"kind,omitempty"`
}

// Progress is reported before each batch item and once after the last.
type Progress struct {
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Total       int    `json:"total"`
	CurrentItem string `json:"current_item,omitempty"`
}

// ProgressFunc receives batch progress notifications.
type ProgressFunc func(Progress)

// Successful counts the successful results.
func Successful(results []BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}
