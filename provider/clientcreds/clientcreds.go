// Package clientcreds adapts signing services that authenticate the
// integrating application with OAuth2 client credentials and open a
// dedicated, short-lived signing session per user. Those sessions last a
// few minutes and cannot be extended.
package clientcreds

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jmcleod/ironsign/internal/httpx"
	"github.com/jmcleod/ironsign/provider"
)

const (
	pathToken    = "/oauth/token"
	pathSessions = "/v1/sessions"
	pathHealth   = "/health"

	defaultMaxSessionMinutes = 3
)

// Adapter implements provider.Provider for client-credentials services.
type Adapter struct {
	cfg    provider.Config
	client *httpx.Client
	oauth  *clientcredentials.Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

var _ provider.Provider = (*Adapter)(nil)

// New returns a client-credentials adapter for cfg. The application token
// is fetched lazily and reused until it expires.
func New(cfg provider.Config, opts ...provider.Option) *Adapter {
	o := provider.ApplyOptions(cfg.ID, opts)
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = cfg.Endpoint(pathToken)
	}
	return &Adapter{
		cfg:    cfg,
		client: httpx.New(cfg.ID, cfg.BaseURL, cfg.Timeout(), httpx.WithHTTPClient(o.HTTPClient)),
		oauth: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.Scopes,
		},
		logger: o.Logger,
		now:    o.Now,
	}
}

type createSessionRequest struct {
	UserID string `json:"userId"`
	PIN    string `json:"pin"`
	OTP    string `json:"otp"`
}

type createSessionResponse struct {
	SessionID           string `json:"sessionId"`
	TTLSeconds          int    `json:"ttlSeconds"`
	RemainingSignatures *int   `json:"remainingSignatures"`
}

type sessionStatus struct {
	Active     bool `json:"active"`
	TTLSeconds int  `json:"ttlSeconds"`
}

type signRequest struct {
	DocumentID    string `json:"documentId"`
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hashAlgorithm"`
	Format        string `json:"format,omitempty"`
}

type signResponse struct {
	Signature  string    `json:"signature"`
	SignerName string    `json:"signerName"`
	Timestamp  time.Time `json:"timestamp"`
}

type certificateResponse struct {
	Certificate string `json:"certificate"`
}

func (a *Adapter) ID() string   { return a.cfg.ID }
func (a *Adapter) Name() string { return a.cfg.DisplayName() }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{ExtendedSession: false, Batch: true}
}

// Authenticate opens a provider session. The requested duration is capped
// at max_session_minutes and at the TTL the provider grants.
func (a *Adapter) Authenticate(ctx context.Context, creds provider.Credentials, durationMinutes int) (*provider.Session, error) {
	creds = creds.Normalized()
	if creds.Username == "" || creds.PIN == "" || creds.OTP == "" {
		return nil, provider.NewError(provider.KindAuthFailed, a.cfg.ID, "user id, PIN and OTP are required")
	}
	token, err := a.appToken(ctx)
	if err != nil {
		return nil, err
	}

	var resp createSessionResponse
	req := createSessionRequest{UserID: creds.Username, PIN: creds.PIN, OTP: creds.OTP}
	if err := a.client.Do(ctx, http.MethodPost, pathSessions, req, &resp, httpx.WithBearer(token)); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapError)
	}
	if resp.SessionID == "" {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "session response carried no id")
	}

	lifetime := time.Duration(a.maxSessionMinutes()) * time.Minute
	if durationMinutes > 0 && time.Duration(durationMinutes)*time.Minute < lifetime {
		lifetime = time.Duration(durationMinutes) * time.Minute
	}
	if ttl := time.Duration(resp.TTLSeconds) * time.Second; ttl > 0 && ttl < lifetime {
		lifetime = ttl
	}

	s := &provider.Session{
		ID:         resp.SessionID,
		ProviderID: a.cfg.ID,
		UserID:     creds.Username,
		ExpiresAt:  a.now().Add(lifetime),
	}
	if resp.RemainingSignatures != nil {
		s.SetRemaining(*resp.RemainingSignatures)
	}

	if cert, err := a.fetchCertificate(ctx, s); err != nil {
		a.logger.Warn("certificate lookup failed after session create", slog.String("user", creds.Username), slog.Any("error", err))
	} else {
		s.Certificate = cert
	}
	return s, nil
}

func (a *Adapter) ValidateSession(ctx context.Context, s *provider.Session) (bool, error) {
	if s.Expired(a.now()) {
		return false, nil
	}
	token, err := a.appToken(ctx)
	if err != nil {
		return false, err
	}
	var status sessionStatus
	err = a.client.Do(ctx, http.MethodGet, a.sessionPath(s), nil, &status, httpx.WithBearer(token))
	if err == nil {
		return status.Active, nil
	}
	var se *httpx.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone) {
		return false, nil
	}
	return false, httpx.Classify(a.cfg.ID, err, mapError)
}

func (a *Adapter) RefreshSession(context.Context, *provider.Session) (*provider.Session, error) {
	return nil, provider.NewError(provider.KindRefreshNotSupported, a.cfg.ID, "signing sessions cannot be extended; authenticate again")
}

func (a *Adapter) CloseSession(ctx context.Context, s *provider.Session) error {
	token, err := a.appToken(ctx)
	if err != nil {
		return err
	}
	err = a.client.Do(ctx, http.MethodDelete, a.sessionPath(s), nil, nil, httpx.WithBearer(token))
	var se *httpx.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return httpx.Classify(a.cfg.ID, err, mapError)
}

func (a *Adapter) SignDocument(ctx context.Context, s *provider.Session, req provider.SignRequest) (*provider.SignResponse, error) {
	if s.Expired(a.now()) {
		return nil, provider.NewError(provider.KindSessionExpired, a.cfg.ID, "session has expired")
	}
	if remaining, ok := s.Remaining(); ok && remaining <= 0 {
		return nil, provider.NewError(provider.KindNoSignaturesLeft, a.cfg.ID, "signature quota is exhausted")
	}
	digest, algo, err := req.Digest()
	if err != nil {
		return nil, provider.WrapError(provider.KindProviderError, a.cfg.ID, err)
	}
	token, err := a.appToken(ctx)
	if err != nil {
		return nil, err
	}

	body := signRequest{
		DocumentID:    req.DocumentID,
		Hash:          base64.StdEncoding.EncodeToString(digest),
		HashAlgorithm: algo,
		Format:        string(req.Format),
	}
	var resp signResponse
	if err := a.client.Do(ctx, http.MethodPost, a.sessionPath(s)+"/signatures", body, &resp, httpx.WithBearer(token)); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapSignError)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil || len(sig) == 0 {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "signature is missing or not valid base64")
	}

	s.ConsumeSignature()
	signer := resp.SignerName
	if signer == "" {
		signer = s.SignerName()
	}
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	return &provider.SignResponse{
		DocumentID:       req.DocumentID,
		Signature:        sig,
		SignerCommonName: signer,
		Timestamp:        ts.UTC(),
	}, nil
}

func (a *Adapter) SignDocuments(ctx context.Context, s *provider.Session, reqs []provider.SignRequest, progress provider.ProgressFunc) ([]provider.BatchResult, error) {
	return provider.SignSequentially(ctx, a.cfg.ID, reqs, progress, func(ctx context.Context, req provider.SignRequest) (*provider.SignResponse, error) {
		return a.SignDocument(ctx, s, req)
	})
}

func (a *Adapter) CertificateInfo(ctx context.Context, s *provider.Session) (*provider.CertificateInfo, error) {
	if s.Certificate != nil {
		return s.Certificate, nil
	}
	cert, err := a.fetchCertificate(ctx, s)
	if err != nil {
		return nil, err
	}
	s.Certificate = cert
	return cert, nil
}

func (a *Adapter) IsConfigured() bool {
	return a.cfg.BaseURL != "" && a.cfg.ClientID != "" && a.cfg.ClientSecret != ""
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.client.Probe(ctx, pathHealth)
}

func (a *Adapter) maxSessionMinutes() int {
	if a.cfg.MaxSessionMinutes > 0 {
		return a.cfg.MaxSessionMinutes
	}
	return defaultMaxSessionMinutes
}

func (a *Adapter) sessionPath(s *provider.Session) string {
	return pathSessions + "/" + url.PathEscape(s.ID)
}

// appToken returns the cached application token, fetching a new one when
// it is missing or about to expire.
func (a *Adapter) appToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token.Valid() {
		return a.token.AccessToken, nil
	}
	octx, cancel := a.client.OAuthContext(ctx)
	defer cancel()
	tok, err := a.oauth.Token(octx)
	if err != nil {
		return "", httpx.ClassifyOAuth(a.cfg.ID, err, nil)
	}
	a.token = tok
	return tok.AccessToken, nil
}

func (a *Adapter) fetchCertificate(ctx context.Context, s *provider.Session) (*provider.CertificateInfo, error) {
	token, err := a.appToken(ctx)
	if err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, err)
	}
	var resp certificateResponse
	if err := a.client.Do(ctx, http.MethodGet, a.sessionPath(s)+"/certificate", nil, &resp, httpx.WithBearer(token)); err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, httpx.Classify(a.cfg.ID, err, mapError))
	}
	cert, err := provider.ParseCertificate(resp.Certificate)
	if err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, err)
	}
	return cert, nil
}

func mapError(se *httpx.StatusError) (provider.Kind, string, bool) {
	switch httpx.ErrorCode(se) {
	case "invalid_otp", "otp_invalid":
		return provider.KindInvalidOtp, "", true
	case "invalid_pin", "pin_invalid":
		return provider.KindInvalidPin, "", true
	case "user_locked", "credential_locked":
		return provider.KindCredentialLocked, "", true
	case "session_expired":
		return provider.KindSessionExpired, "", true
	case "quota_exceeded":
		return provider.KindNoSignaturesLeft, "", true
	}
	return "", "", false
}

func mapSignError(se *httpx.StatusError) (provider.Kind, string, bool) {
	if kind, msg, ok := mapError(se); ok {
		return kind, msg, ok
	}
	switch se.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return provider.KindSessionExpired, "", true
	}
	return "", "", false
}
