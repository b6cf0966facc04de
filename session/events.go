package session

import (
	"time"

	"github.com/jmcleod/ironsign/provider"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	EventCreated            EventType = "created"
	EventRefreshed          EventType = "refreshed"
	EventExpired            EventType = "expired"
	EventClosed             EventType = "closed"
	EventSignatureCompleted EventType = "signature_completed"
)

// Reasons attached to closed and expired events.
const (
	ReasonExplicit    = "explicit"
	ReasonReplaced    = "replaced"
	ReasonInvalidated = "invalidated"
	ReasonSweep       = "sweep"
	ReasonObserved    = "observed"
	ReasonShutdown    = "shutdown"
)

// Event is delivered to listeners after the transition has been applied.
// It never carries credentials or provider tokens.
type Event struct {
	Type       EventType `json:"type"`
	Key        string    `json:"key"`
	Handle     string    `json:"handle"`
	ProviderID string    `json:"provider_id"`
	UserID     string    `json:"user_id"`
	At         time.Time `json:"at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Reason     string    `json:"reason,omitempty"`

	// Signatures is the number of signatures this event accounts for;
	// SignatureCount is the session's running total.
	Signatures     int    `json:"signatures,omitempty"`
	SignatureCount int    `json:"signature_count"`
	DocumentID     string `json:"document_id,omitempty"`

	// Kind is set on closed events caused by a provider error.
	Kind provider.Kind `json:"kind,omitempty"`
}

// Listener receives lifecycle events. Listeners run synchronously on the
// goroutine that caused the transition, after all locks are released.
type Listener func(Event)
