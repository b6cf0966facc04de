package api

import (
	"time"

	"github.com/jmcleod/ironsign/journal"
	"github.com/jmcleod/ironsign/provider"
	"github.com/jmcleod/ironsign/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string        `json:"error"`
	Kind      provider.Kind `json:"kind,omitempty"`
	Retryable bool          `json:"retryable"`
}

// ListProvidersResponse is returned from GET /providers.
type ListProvidersResponse struct {
	Default   string          `json:"default,omitempty"`
	Providers []provider.Info `json:"providers"`
}

// ConnectivityResponse is returned from GET /providers/connectivity.
type ConnectivityResponse struct {
	Results map[string]bool `json:"results"`
}

// CreateSessionRequest is the JSON body for POST /providers/{providerID}/sessions.
type CreateSessionRequest struct {
	Username       string `json:"username"`
	PIN            string `json:"pin"`
	OTP            string `json:"otp"`
	Domain         string `json:"domain,omitempty"`
	SessionMinutes int    `json:"session_minutes,omitempty"`
}

// CreateSessionResponse is returned from POST /providers/{providerID}/sessions.
type CreateSessionResponse struct {
	SessionID           string    `json:"session_id"`
	ProviderID          string    `json:"provider_id"`
	UserID              string    `json:"user_id"`
	ExpiresAt           time.Time `json:"expires_at"`
	SignedBy            string    `json:"signed_by"`
	RemainingSignatures *int      `json:"remaining_signatures,omitempty"`
}

// SessionStatusResponse is returned from GET and POST .../sessions/{userID}.
type SessionStatusResponse struct {
	Active              bool       `json:"active"`
	SessionID           string     `json:"session_id,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	RemainingMinutes    *int       `json:"remaining_minutes,omitempty"`
	SignedBy            string     `json:"signed_by,omitempty"`
	RemainingSignatures *int       `json:"remaining_signatures,omitempty"`
	SignatureCount      int        `json:"signature_count"`
}

// CloseSessionResponse is returned from DELETE .../sessions/{userID}.
// Closing a session that does not exist succeeds with Closed false.
type CloseSessionResponse struct {
	Success bool `json:"success"`
	Closed  bool `json:"closed"`
}

// ListSessionsResponse is returned from GET /sessions.
type ListSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	PaginationMeta
}

// SignDocumentRequest describes one document. Hash and payload are base64
// encoded; exactly one of them is required.
type SignDocumentRequest struct {
	DocumentID    string                   `json:"document_id,omitempty"`
	Hash          []byte                   `json:"hash,omitempty"`
	HashAlgorithm string                   `json:"hash_algorithm,omitempty"`
	Payload       []byte                   `json:"payload,omitempty"`
	Format        provider.SignatureFormat `json:"format,omitempty"`
}

// BulkSignRequest is the JSON body for POST .../sessions/{userID}/bulk-sign.
type BulkSignRequest struct {
	Documents []SignDocumentRequest `json:"documents"`
}

// Bulk-sign stream event types. The stream is newline-delimited JSON.
const (
	StreamProgress = "progress"
	StreamItem     = "item"
	StreamError    = "error"
	StreamSummary  = "summary"
)

// StreamEvent is one line of the bulk-sign stream.
type StreamEvent struct {
	Type     string                `json:"type"`
	Progress *provider.Progress    `json:"progress,omitempty"`
	Item     *provider.BatchResult `json:"item,omitempty"`
	Error    *ErrorResponse        `json:"error,omitempty"`
	Summary  *BulkSignSummary      `json:"summary,omitempty"`
}

// BulkSignSummary closes the bulk-sign stream. Skipped counts documents
// never attempted because the session became invalid mid-batch.
type BulkSignSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// JournalResponse is returned from GET /journal.
type JournalResponse struct {
	Entries []journal.Entry `json:"entries"`
}
