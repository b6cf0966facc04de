package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/journal"
	"github.com/jmcleod/ironsign/provider"
	"github.com/jmcleod/ironsign/registry"
	"github.com/jmcleod/ironsign/session"
	"github.com/jmcleod/ironsign/storage/memory"
)

const goodOTP = "otp-731904"

// stubProvider accepts goodOTP and fails any document whose id names a
// failure: "bad" fails alone, "expire" kills the session. The OTP "down"
// simulates an unreachable provider; a non-nil authGate holds every
// authentication until it is closed.
type stubProvider struct {
	mu         sync.Mutex
	authCalls  int
	refreshErr error
	authGate   chan struct{}
}

var _ provider.Provider = (*stubProvider)(nil)

func (p *stubProvider) ID() string   { return "A" }
func (p *stubProvider) Name() string { return "Trust Services A" }
func (p *stubProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Batch: true}
}
func (p *stubProvider) IsConfigured() bool                   { return true }
func (p *stubProvider) TestConnection(context.Context) bool { return true }

func (p *stubProvider) Authenticate(_ context.Context, creds provider.Credentials, minutes int) (*provider.Session, error) {
	p.mu.Lock()
	p.authCalls++
	p.mu.Unlock()
	if p.authGate != nil {
		<-p.authGate
	}
	if creds.OTP == "down" {
		return nil, provider.NewError(provider.KindNetworkError, "A", "connection refused")
	}
	if creds.OTP != goodOTP {
		return nil, provider.NewError(provider.KindInvalidOtp, "A", "otp rejected")
	}
	s := &provider.Session{
		ID:          "sad-" + creds.Username,
		UserID:      creds.Username,
		ExpiresAt:   time.Now().Add(time.Duration(minutes) * time.Minute),
		Certificate: &provider.CertificateInfo{CommonName: "Alice Example"},
	}
	s.SetRemaining(1000)
	return s, nil
}

func (p *stubProvider) ValidateSession(context.Context, *provider.Session) (bool, error) {
	return true, nil
}

func (p *stubProvider) RefreshSession(_ context.Context, s *provider.Session) (*provider.Session, error) {
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	next := s.Clone()
	next.ExpiresAt = time.Now().Add(time.Hour)
	return next, nil
}

func (p *stubProvider) CloseSession(context.Context, *provider.Session) error { return nil }

func (p *stubProvider) SignDocument(_ context.Context, s *provider.Session, req provider.SignRequest) (*provider.SignResponse, error) {
	switch req.DocumentID {
	case "bad":
		return nil, provider.NewError(provider.KindProviderError, "A", "document rejected")
	case "expire":
		return nil, provider.NewError(provider.KindSessionExpired, "A", "SAD expired")
	}
	s.ConsumeSignature()
	return &provider.SignResponse{
		DocumentID:       req.DocumentID,
		Signature:        []byte("sig"),
		SignerCommonName: s.SignerName(),
		Timestamp:        time.Now(),
	}, nil
}

func (p *stubProvider) SignDocuments(ctx context.Context, s *provider.Session, reqs []provider.SignRequest, progress provider.ProgressFunc) ([]provider.BatchResult, error) {
	return provider.SignSequentially(ctx, "A", reqs, progress, func(ctx context.Context, req provider.SignRequest) (*provider.SignResponse, error) {
		return p.SignDocument(ctx, s, req)
	})
}

func (p *stubProvider) CertificateInfo(_ context.Context, s *provider.Session) (*provider.CertificateInfo, error) {
	return s.Certificate, nil
}

type testEnv struct {
	api     *API
	router  http.Handler
	stub    *stubProvider
	manager *session.Manager
	logs    *bytes.Buffer
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	stub := &stubProvider{}
	reg := registry.New(registry.WithDefault("a"))
	reg.Register(provider.Config{Protocol: "csc", BaseURL: "https://a.example"}, stub)

	mgr := session.NewManager(reg, session.WithSweepInterval(0))
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	var logs bytes.Buffer
	opts = append([]Option{WithLogger(slog.New(slog.NewJSONHandler(&logs, nil)))}, opts...)
	a := New(reg, mgr, opts...)
	t.Cleanup(a.Close)
	return &testEnv{api: a, router: a.Router(), stub: stub, manager: mgr, logs: &logs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, user string) CreateSessionResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/providers/A/sessions", CreateSessionRequest{Username: user, PIN: "1234", OTP: goodOTP})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListProvidersAndConnectivity(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListProvidersResponse](t, rec)
	assert.Equal(t, "A", list.Default)
	require.Len(t, list.Providers, 1)
	assert.Equal(t, "Trust Services A", list.Providers[0].Name)
	assert.Equal(t, "csc", list.Providers[0].Protocol)
	assert.True(t, list.Providers[0].Enabled)

	rec = env.do(t, http.MethodGet, "/providers/connectivity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"A": true}, decode[ConnectivityResponse](t, rec).Results)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	created := env.login(t, "RHI001")
	assert.NotEmpty(t, created.SessionID)
	assert.NotEqual(t, "sad-RHI001", created.SessionID, "provider tokens never leave the manager")
	assert.Equal(t, "Alice Example", created.SignedBy)
	require.NotNil(t, created.RemainingSignatures)
	assert.Equal(t, 1000, *created.RemainingSignatures)
	assert.Contains(t, env.logs.String(), `"event":"session_created"`)
	assert.NotContains(t, env.logs.String(), goodOTP)

	rec := env.do(t, http.MethodGet, "/providers/a/sessions/RHI001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[SessionStatusResponse](t, rec)
	assert.True(t, status.Active)
	assert.Equal(t, created.SessionID, status.SessionID)
	require.NotNil(t, status.RemainingMinutes)
	assert.InDelta(t, provider.DefaultSessionMinutes, *status.RemainingMinutes, 1)

	rec = env.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListSessionsResponse](t, rec).Sessions, 1)

	rec = env.do(t, http.MethodDelete, "/providers/A/sessions/RHI001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CloseSessionResponse{Success: true, Closed: true}, decode[CloseSessionResponse](t, rec))

	rec = env.do(t, http.MethodDelete, "/providers/A/sessions/RHI001", nil)
	assert.Equal(t, CloseSessionResponse{Success: true, Closed: false}, decode[CloseSessionResponse](t, rec))

	rec = env.do(t, http.MethodGet, "/providers/A/sessions/RHI001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SessionStatusResponse](t, rec).Active)
}

func TestCreateSession_ProviderResolution(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/providers/default/sessions", CreateSessionRequest{Username: "bob", OTP: goodOTP})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "A", decode[CreateSessionResponse](t, rec).ProviderID)

	rec = env.do(t, http.MethodPost, "/providers/Z/sessions", CreateSessionRequest{Username: "bob", OTP: goodOTP})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, provider.KindProviderNotFound, decode[ErrorResponse](t, rec).Kind)
}

func TestCreateSession_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/providers/A/sessions", CreateSessionRequest{OTP: goodOTP})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/providers/A/sessions", CreateSessionRequest{Username: "bob", SessionMinutes: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/providers/A/sessions", strings.NewReader(`{"username":"bob","otp_code":"1"}`))
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown fields are rejected")
}

func TestCreateSession_RateLimitsFailedAuthentication(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2, time.Minute, time.Hour))
	wrong := CreateSessionRequest{Username: "RHI001", PIN: "1234", OTP: "000000"}

	for range 2 {
		rec := env.do(t, http.MethodPost, "/providers/A/sessions", wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, provider.KindInvalidOtp, body.Kind)
		assert.False(t, body.Retryable)
	}

	rec := env.do(t, http.MethodPost, "/providers/A/sessions", CreateSessionRequest{Username: "RHI001", OTP: goodOTP})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, env.stub.authCalls, "locked out attempts never reach the provider")
	assert.Contains(t, env.logs.String(), `"event":"auth_rate_limited"`)

	// Other users of the same provider are unaffected.
	env.login(t, "RHI002")
}

func TestCreateSession_ConcurrentFailuresShareTheBudget(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2, time.Minute, time.Hour))
	gate := make(chan struct{})
	env.stub.authGate = gate
	wrong := CreateSessionRequest{Username: "RHI001", PIN: "1234", OTP: "000000"}

	codes := make(chan int, 6)
	for range 6 {
		go func() {
			codes <- env.do(t, http.MethodPost, "/providers/A/sessions", wrong).Code
		}()
	}
	// Everything beyond the budget is turned away while the first
	// attempts are still with the provider.
	for range 4 {
		assert.Equal(t, http.StatusTooManyRequests, <-codes)
	}
	close(gate)
	for range 2 {
		assert.Equal(t, http.StatusUnauthorized, <-codes)
	}

	env.stub.mu.Lock()
	calls := env.stub.authCalls
	env.stub.mu.Unlock()
	assert.Equal(t, 2, calls)

	rec := env.do(t, http.MethodPost, "/providers/A/sessions", CreateSessionRequest{Username: "RHI001", OTP: goodOTP})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCreateSession_ProviderOutageDoesNotCountAsFailure(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2, time.Minute, time.Hour))

	for range 3 {
		rec := env.do(t, http.MethodPost, "/providers/A/sessions", CreateSessionRequest{Username: "RHI001", OTP: "down"})
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, provider.KindNetworkError, decode[ErrorResponse](t, rec).Kind)
	}
	env.login(t, "RHI001")
}

func TestSignDocument(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/sign", SignDocumentRequest{Hash: []byte("0123456789abcdef")})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, provider.KindSessionNotFound, decode[ErrorResponse](t, rec).Kind)

	env.login(t, "RHI001")

	rec = env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/sign", SignDocumentRequest{DocumentID: "contract", Hash: []byte("0123456789abcdef")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[provider.SignResponse](t, rec)
	assert.Equal(t, "contract", resp.DocumentID)
	assert.Equal(t, []byte("sig"), resp.Signature)
	assert.Equal(t, "Alice Example", resp.SignerCommonName)

	rec = env.do(t, http.MethodGet, "/providers/A/sessions/RHI001", nil)
	status := decode[SessionStatusResponse](t, rec)
	assert.Equal(t, 1, status.SignatureCount)
	assert.Equal(t, 999, *status.RemainingSignatures)

	rec = env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/sign", SignDocumentRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/sign", SignDocumentRequest{Payload: []byte("x"), Format: "DOCX"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func readStream(t *testing.T, rec *httptest.ResponseRecorder) []StreamEvent {
	t.Helper()
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	var events []StreamEvent
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var ev StreamEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func countType(events []StreamEvent, typ string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func bulk(ids ...string) BulkSignRequest {
	var req BulkSignRequest
	for _, id := range ids {
		req.Documents = append(req.Documents, SignDocumentRequest{DocumentID: id, Payload: []byte(id)})
	}
	return req
}

func TestBulkSign_ContinuesPastOrdinaryFailures(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "RHI001")

	rec := env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/bulk-sign", bulk("one", "bad", "three"))
	require.Equal(t, http.StatusOK, rec.Code)
	events := readStream(t, rec)

	assert.Equal(t, 4, countType(events, StreamProgress))
	assert.Equal(t, 3, countType(events, StreamItem))
	assert.Zero(t, countType(events, StreamError))

	last := events[len(events)-1]
	require.Equal(t, StreamSummary, last.Type)
	assert.Equal(t, BulkSignSummary{Total: 3, Successful: 2, Failed: 1}, *last.Summary)

	status := decode[SessionStatusResponse](t, env.do(t, http.MethodGet, "/providers/A/sessions/RHI001", nil))
	assert.Equal(t, 2, status.SignatureCount)
	assert.Contains(t, env.logs.String(), `"event":"batch_signed"`)
}

func TestBulkSign_AbortsWhenSessionExpires(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "RHI001")

	rec := env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/bulk-sign", bulk("one", "expire", "three"))
	require.Equal(t, http.StatusOK, rec.Code)
	events := readStream(t, rec)

	assert.Equal(t, 2, countType(events, StreamItem))
	require.Equal(t, 1, countType(events, StreamError))
	last := events[len(events)-1]
	require.Equal(t, StreamSummary, last.Type)
	assert.Equal(t, BulkSignSummary{Total: 3, Successful: 1, Failed: 1, Skipped: 1}, *last.Summary)
	for _, ev := range events {
		if ev.Type == StreamError {
			assert.Equal(t, provider.KindSessionExpired, ev.Error.Kind)
		}
	}

	status := decode[SessionStatusResponse](t, env.do(t, http.MethodGet, "/providers/A/sessions/RHI001", nil))
	assert.False(t, status.Active, "an invalidated session is removed")
}

func TestBulkSign_PreconditionsUseStatusCodes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/bulk-sign", bulk("one"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/bulk-sign", BulkSignRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/bulk-sign", BulkSignRequest{
		Documents: []SignDocumentRequest{{Payload: []byte("x")}, {}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "documents[1]")
}

func TestRefreshSession(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "RHI001")

	rec := env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[SessionStatusResponse](t, rec)
	assert.InDelta(t, 60, *status.RemainingMinutes, 1)

	env.stub.refreshErr = provider.NewError(provider.KindRefreshRequiresOtp, "A", "a new OTP is required")
	rec = env.do(t, http.MethodPost, "/providers/A/sessions/RHI001/refresh", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, provider.KindRefreshRequiresOtp, decode[ErrorResponse](t, rec).Kind)

	status = decode[SessionStatusResponse](t, env.do(t, http.MethodGet, "/providers/A/sessions/RHI001", nil))
	assert.True(t, status.Active, "a failed refresh leaves the session untouched")
}

func TestJournalEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/journal", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	j, err := journal.New(memory.NewRepository())
	require.NoError(t, err)
	env = newTestEnv(t, WithJournal(j))
	env.manager.Subscribe(j.Listener())

	env.login(t, "RHI001")
	env.do(t, http.MethodDelete, "/providers/A/sessions/RHI001", nil)

	rec = env.do(t, http.MethodGet, "/journal?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[JournalResponse](t, rec).Entries
	require.Len(t, entries, 2)
	assert.Equal(t, session.EventCreated, entries[0].Event.Type)
	assert.Equal(t, session.EventClosed, entries[1].Event.Type)

	rec = env.do(t, http.MethodGet, "/journal/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[journal.VerifyResult](t, rec).Valid)

	rec = env.do(t, http.MethodGet, "/journal?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/providers", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.NotEmpty(t, rr.Header().Get("Strict-Transport-Security"))
}

func TestStatusForKind(t *testing.T) {
	tests := map[provider.Kind]int{
		provider.KindSessionNotFound:       http.StatusNotFound,
		provider.KindProviderNotFound:      http.StatusNotFound,
		provider.KindSessionExpired:        http.StatusUnauthorized,
		provider.KindInvalidSession:        http.StatusUnauthorized,
		provider.KindInvalidPin:            http.StatusUnauthorized,
		provider.KindCredentialLocked:      http.StatusLocked,
		provider.KindRateLimited:           http.StatusTooManyRequests,
		provider.KindNoSignaturesLeft:      http.StatusConflict,
		provider.KindNoDefaultProvider:     http.StatusServiceUnavailable,
		provider.KindProviderNotConfigured: http.StatusServiceUnavailable,
		provider.KindNetworkError:          http.StatusBadGateway,
		provider.KindServerError:           http.StatusBadGateway,
		provider.KindProviderError:         http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}

func TestMapError_NonCanonical(t *testing.T) {
	rec := httptest.NewRecorder()
	mapError(rec, io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), body.Error)
	assert.Empty(t, body.Kind)
}
