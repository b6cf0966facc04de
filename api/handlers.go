package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsign/internal/uuid"
	"github.com/jmcleod/ironsign/provider"
	"github.com/jmcleod/ironsign/session"
)

const (
	maxBodyBytes      = 1 << 20
	maxBulkBodyBytes  = 64 << 20
	maxBulkDocuments  = 500
	defaultJournalMax = 100
)

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// resolveProvider maps the {providerID} path parameter, including the
// "default" alias, to a registered provider id.
func (a *API) resolveProvider(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := a.registry.Resolve(chi.URLParam(r, "providerID"))
	if err != nil {
		mapError(w, err)
		return "", false
	}
	return provider.NormalizeID(p.ID()), true
}

func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := url.PathUnescape(chi.URLParam(r, "userID"))
	if err != nil || provider.NormalizeUserID(userID) == "" {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return "", false
	}
	return userID, true
}

func (a *API) statusResponse(info session.Info) SessionStatusResponse {
	expiresAt := info.ExpiresAt
	remaining := info.RemainingMinutes(a.now())
	return SessionStatusResponse{
		Active:              true,
		SessionID:           info.Handle,
		ExpiresAt:           &expiresAt,
		RemainingMinutes:    &remaining,
		SignedBy:            info.SignedBy,
		RemainingSignatures: info.RemainingSignatures,
		SignatureCount:      info.SignatureCount,
	}
}

// ListProviders handles GET /providers.
func (a *API) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListProvidersResponse{
		Default:   a.registry.DefaultID(),
		Providers: a.registry.ListAvailable(),
	})
}

// TestConnections handles GET /providers/connectivity.
func (a *API) TestConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnectivityResponse{Results: a.registry.TestAllConnections(r.Context())})
}

// CreateSession handles POST /providers/{providerID}/sessions. Failed
// authentications count towards a per provider and user lockout.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := a.resolveProvider(w, r)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	creds := provider.Credentials{
		Username: req.Username,
		PIN:      req.PIN,
		OTP:      req.OTP,
		Domain:   req.Domain,
	}.Normalized()
	if creds.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if req.SessionMinutes < 0 {
		writeError(w, http.StatusBadRequest, "session_minutes must not be negative")
		return
	}

	key := session.Key(pid, creds.Username)
	if blocked, retryAfter := a.limiter.reserve(key); blocked {
		a.audit.logFailure(AuditAuthRateLimited, r, pid, creds.Username, "locked out")
		writeRateLimited(w, retryAfter)
		return
	}

	info, err := a.manager.Create(r.Context(), pid, creds, req.SessionMinutes)
	if err != nil {
		if isAuthFailure(err) {
			a.limiter.recordFailure(key)
			a.audit.logFailure(AuditAuthFailure, r, pid, creds.Username, string(provider.KindOf(err)))
		} else {
			a.limiter.release(key)
		}
		mapError(w, err)
		return
	}
	a.limiter.recordSuccess(key)
	a.audit.log(AuditSessionCreated, r, pid, info.UserID,
		slog.String("session_id", info.Handle),
		slog.Time("expires_at", info.ExpiresAt))

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:           info.Handle,
		ProviderID:          info.ProviderID,
		UserID:              info.UserID,
		ExpiresAt:           info.ExpiresAt,
		SignedBy:            info.SignedBy,
		RemainingSignatures: info.RemainingSignatures,
	})
}

// GetSession handles GET /providers/{providerID}/sessions/{userID}. A
// missing or expired session is reported as inactive, not as an error.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := a.resolveProvider(w, r)
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	info, err := a.manager.Get(r.Context(), pid, userID)
	switch kind := provider.KindOf(err); {
	case err == nil:
		writeJSON(w, http.StatusOK, a.statusResponse(info))
	case kind == provider.KindSessionNotFound || kind == provider.KindSessionExpired:
		writeJSON(w, http.StatusOK, SessionStatusResponse{Active: false})
	default:
		mapError(w, err)
	}
}

// RefreshSession handles POST /providers/{providerID}/sessions/{userID}/refresh.
func (a *API) RefreshSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := a.resolveProvider(w, r)
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	info, err := a.manager.Refresh(r.Context(), pid, userID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditSessionRefreshed, r, pid, info.UserID, slog.Time("expires_at", info.ExpiresAt))
	writeJSON(w, http.StatusOK, a.statusResponse(info))
}

// CloseSession handles DELETE /providers/{providerID}/sessions/{userID}.
func (a *API) CloseSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := a.resolveProvider(w, r)
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	closed := a.manager.Close(r.Context(), pid, userID)
	if closed {
		a.audit.log(AuditSessionClosed, r, pid, userID)
	}
	writeJSON(w, http.StatusOK, CloseSessionResponse{Success: true, Closed: closed})
}

// ListSessions handles GET /sessions?limit=n&offset=m. Sessions are sorted
// by key.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, meta := paginate(a.manager.List(), limit, offset)
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: page, PaginationMeta: meta})
}

// signRequest validates one document and fills in defaults: a generated
// document id and the PAdES format.
func signRequest(doc SignDocumentRequest) (provider.SignRequest, error) {
	if len(doc.Hash) == 0 && len(doc.Payload) == 0 {
		return provider.SignRequest{}, provider.ErrEmptyDocument
	}
	if len(doc.Hash) > 0 && len(doc.Payload) > 0 {
		return provider.SignRequest{}, errors.New("hash and payload are mutually exclusive")
	}
	format := doc.Format
	if format == "" {
		format = provider.FormatPAdES
	}
	if !format.Valid() {
		return provider.SignRequest{}, fmt.Errorf("unsupported format %q", format)
	}
	id := doc.DocumentID
	if id == "" {
		id = uuid.New()
	}
	return provider.SignRequest{
		DocumentID:    id,
		Hash:          doc.Hash,
		HashAlgorithm: doc.HashAlgorithm,
		Payload:       doc.Payload,
		Format:        format,
	}, nil
}

// SignDocument handles POST /providers/{providerID}/sessions/{userID}/sign.
func (a *API) SignDocument(w http.ResponseWriter, r *http.Request) {
	pid, ok := a.resolveProvider(w, r)
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var doc SignDocumentRequest
	if err := decodeJSON(w, r, maxBodyBytes, &doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := signRequest(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A signature already authorised by the provider must not be dropped
	// because the client went away.
	resp, err := a.manager.Sign(context.WithoutCancel(r.Context()), pid, userID, req)
	if err != nil {
		a.audit.logFailure(AuditSignFailure, r, pid, userID, string(provider.KindOf(err)),
			slog.String("document_id", req.DocumentID))
		mapError(w, err)
		return
	}
	a.audit.log(AuditDocumentSigned, r, pid, userID, slog.String("document_id", resp.DocumentID))
	writeJSON(w, http.StatusOK, resp)
}

// ndjsonStream writes newline-delimited JSON events, committing the 200
// status on the first event so errors detected before any work starts can
// still use a proper status code.
type ndjsonStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     *json.Encoder
	started bool
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	return &ndjsonStream{w: w, rc: http.NewResponseController(w), enc: json.NewEncoder(w)}
}

func (s *ndjsonStream) send(ev StreamEvent) {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := s.enc.Encode(ev); err != nil {
		return
	}
	_ = s.rc.Flush()
}

// BulkSign handles POST /providers/{providerID}/sessions/{userID}/bulk-sign.
// The response streams progress events while the batch runs, then one item
// event per attempted document and a final summary.
func (a *API) BulkSign(w http.ResponseWriter, r *http.Request) {
	pid, ok := a.resolveProvider(w, r)
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var body BulkSignRequest
	if err := decodeJSON(w, r, maxBulkBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents must not be empty")
		return
	}
	if len(body.Documents) > maxBulkDocuments {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d documents per request", maxBulkDocuments))
		return
	}
	reqs := make([]provider.SignRequest, len(body.Documents))
	for i, doc := range body.Documents {
		req, err := signRequest(doc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("documents[%d]: %v", i, err))
			return
		}
		reqs[i] = req
	}

	stream := newNDJSONStream(w)
	results, err := a.manager.SignBatch(context.WithoutCancel(r.Context()), pid, userID, reqs, func(p provider.Progress) {
		stream.send(StreamEvent{Type: StreamProgress, Progress: &p})
	})
	if err != nil && !stream.started {
		mapError(w, err)
		return
	}

	for i := range results {
		stream.send(StreamEvent{Type: StreamItem, Item: &results[i]})
	}
	if err != nil {
		eb := errorBody(err)
		stream.send(StreamEvent{Type: StreamError, Error: &eb})
	}

	successful := provider.Successful(results)
	summary := BulkSignSummary{
		Total:      len(reqs),
		Successful: successful,
		Failed:     len(results) - successful,
		Skipped:    len(reqs) - len(results),
	}
	stream.send(StreamEvent{Type: StreamSummary, Summary: &summary})

	a.audit.log(AuditBatchSigned, r, pid, userID,
		slog.Int("total", summary.Total),
		slog.Int("successful", summary.Successful),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
}

// ListJournal handles GET /journal?limit=n.
func (a *API) ListJournal(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusNotFound, "journal is not enabled")
		return
	}
	limit := defaultJournalMax
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := a.journal.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, JournalResponse{Entries: entries})
}

// VerifyJournal handles GET /journal/verify.
func (a *API) VerifyJournal(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusNotFound, "journal is not enabled")
		return
	}
	res, err := a.journal.Verify(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
