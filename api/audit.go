package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the boundary action being logged.
type AuditEvent string

const (
	AuditSessionCreated   AuditEvent = "session_created"
	AuditSessionRefreshed AuditEvent = "session_refreshed"
	AuditSessionClosed    AuditEvent = "session_closed"
	AuditAuthFailure      AuditEvent = "auth_failure"
	AuditAuthRateLimited  AuditEvent = "auth_rate_limited"
	AuditDocumentSigned   AuditEvent = "document_signed"
	AuditSignFailure      AuditEvent = "sign_failure"
	AuditBatchSigned      AuditEvent = "batch_signed"
)

// auditLogger wraps slog.Logger for structured audit logging. Credentials
// never reach it; only provider and user ids do.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// log writes a structured audit log entry for one boundary action.
func (al *auditLogger) log(event AuditEvent, r *http.Request, providerID, userID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("provider", providerID),
		slog.String("user", userID),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logFailure logs a rejected action with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, providerID, userID, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(event, r, providerID, userID, attrs...)
}
