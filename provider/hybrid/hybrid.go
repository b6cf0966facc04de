// Package hybrid adapts a REST signing API that has no login step. The
// integrating application authenticates with one of three methods, chosen
// by precedence: a pre-issued access token, a raw API key, or OAuth2 client
// credentials. The end user's PIN and OTP are sent with every signature
// request, so the adapter synthesises its session locally and keeps the
// credentials in a frozen memguard buffer that is wiped when the session
// closes.
package hybrid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jmcleod/ironsign/internal/httpx"
	"github.com/jmcleod/ironsign/internal/uuid"
	"github.com/jmcleod/ironsign/provider"
)

const (
	pathCertificates = "/rest/v2/certificates"
	pathSign         = "/rest/v2/sign"
	pathHealth       = "/health"

	headerAPIKey = "X-API-Key"

	metaCredentials = "credentials"
	metaDuration    = "duration_minutes"
	metaAuthMethod  = "auth_method"
)

// AuthMethod identifies how the adapter authenticates itself to the API.
type AuthMethod string

const (
	AuthNone              AuthMethod = ""
	AuthAccessToken       AuthMethod = "access_token"
	AuthAPIKey            AuthMethod = "api_key"
	AuthClientCredentials AuthMethod = "client_credentials"
)

// Adapter implements provider.Provider for the hybrid REST API.
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

// New returns a hybrid adapter for cfg.
func New(cfg provider.Config, opts ...provider.Option) *Adapter {
	o := provider.ApplyOptions(cfg.ID, opts)
	a := &Adapter{
		cfg:    cfg,
		client: httpx.New(cfg.ID, cfg.BaseURL, cfg.Timeout(), httpx.WithHTTPClient(o.HTTPClient)),
		logger: o.Logger,
		now:    o.Now,
	}
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = cfg.Endpoint("/oauth2/token")
		}
		a.oauth = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.Scopes,
		}
	}
	return a
}

// Method returns the authentication method in effect, by precedence.
func (a *Adapter) Method() AuthMethod {
	switch {
	case a.cfg.AccessToken != "":
		return AuthAccessToken
	case a.cfg.APIKey != "":
		return AuthAPIKey
	case a.oauth != nil:
		return AuthClientCredentials
	}
	return AuthNone
}

// sealedCredentials is what the enclave holds.
type sealedCredentials struct {
	Username string `json:"u"`
	PIN      string `json:"p"`
	OTP      string `json:"o"`
	Domain   string `json:"d,omitempty"`
}

type certificatesResponse struct {
	Certificates []struct {
		ID          string `json:"id"`
		Certificate string `json:"certificate"`
	} `json:"certificates"`
}

type signRequest struct {
	User       string `json:"user"`
	PIN        string `json:"pin"`
	OTP        string `json:"otp"`
	Domain     string `json:"domain,omitempty"`
	DocumentID string `json:"documentId"`
	Hash       string `json:"hash,omitempty"`
	Data       string `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
}

type signResponse struct {
	Signature  string    `json:"signature"`
	SignerName string    `json:"signerName"`
	Timestamp  time.Time `json:"timestamp"`
}

func (a *Adapter) ID() string   { return a.cfg.ID }
func (a *Adapter) Name() string { return a.cfg.DisplayName() }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{ExtendedSession: true, Batch: true}
}

// Authenticate makes no login call. It checks that the adapter can
// authenticate itself, looks up the certificate best-effort and returns a
// locally synthesised session holding the sealed credentials.
func (a *Adapter) Authenticate(ctx context.Context, creds provider.Credentials, durationMinutes int) (*provider.Session, error) {
	creds = creds.Normalized()
	if creds.Username == "" || creds.PIN == "" || creds.OTP == "" {
		return nil, provider.NewError(provider.KindAuthFailed, a.cfg.ID, "username, PIN and OTP are required")
	}
	method := a.Method()
	if method == AuthNone || a.cfg.BaseURL == "" {
		return nil, provider.NewError(provider.KindProviderNotConfigured, a.cfg.ID, "no access token, API key or client credentials configured")
	}
	if durationMinutes <= 0 {
		durationMinutes = provider.DefaultSessionMinutes
	}

	expiresAt, err := a.sessionExpiry(durationMinutes)
	if err != nil {
		return nil, err
	}
	if method == AuthClientCredentials {
		if _, err := a.appToken(ctx); err != nil {
			return nil, err
		}
	}

	sealedCreds, err := seal(creds)
	if err != nil {
		return nil, provider.WrapError(provider.KindProviderError, a.cfg.ID, err)
	}
	s := &provider.Session{
		ID:         uuid.New(),
		ProviderID: a.cfg.ID,
		UserID:     creds.Username,
		ExpiresAt:  expiresAt,
		Metadata: map[string]any{
			metaCredentials: sealedCreds,
			metaDuration:    durationMinutes,
			metaAuthMethod:  string(method),
		},
	}
	if method == AuthAccessToken {
		s.AccessToken = a.cfg.AccessToken
	}

	if cert, err := a.fetchCertificate(ctx, creds.Username); err != nil {
		a.logger.Warn("certificate lookup failed", slog.String("user", creds.Username), slog.Any("error", err))
	} else {
		s.Certificate = cert
	}
	return s, nil
}

// ValidateSession is local only: the API has no session to ask about.
func (a *Adapter) ValidateSession(_ context.Context, s *provider.Session) (bool, error) {
	if s.Expired(a.now()) {
		return false, nil
	}
	if _, ok := credentialsOf(s); !ok {
		return false, nil
	}
	if a.Method() == AuthAccessToken {
		if exp, ok := tokenExpiry(a.cfg.AccessToken); ok && !a.now().Before(exp) {
			return false, nil
		}
	}
	return true, nil
}

// RefreshSession re-arms the local expiry for the original duration, still
// capped by the access token's own expiry.
func (a *Adapter) RefreshSession(_ context.Context, s *provider.Session) (*provider.Session, error) {
	if _, ok := credentialsOf(s); !ok {
		return nil, provider.NewError(provider.KindInvalidSession, a.cfg.ID, "session holds no credentials")
	}
	minutes, _ := s.Metadata[metaDuration].(int)
	if minutes <= 0 {
		minutes = provider.DefaultSessionMinutes
	}
	expiresAt, err := a.sessionExpiry(minutes)
	if err != nil {
		return nil, err
	}
	next := s.Clone()
	next.ExpiresAt = expiresAt
	return next, nil
}

// CloseSession wipes the sealed credentials. There is nothing to revoke
// remotely. Sessions cloned by RefreshSession share the buffer, so they die
// with it.
func (a *Adapter) CloseSession(_ context.Context, s *provider.Session) error {
	if buf, ok := s.Metadata[metaCredentials].(*memguard.LockedBuffer); ok {
		buf.Destroy()
	}
	delete(s.Metadata, metaCredentials)
	return nil
}

func (a *Adapter) SignDocument(ctx context.Context, s *provider.Session, req provider.SignRequest) (*provider.SignResponse, error) {
	if s.Expired(a.now()) {
		return nil, provider.NewError(provider.KindSessionExpired, a.cfg.ID, "session has expired")
	}
	sealedCreds, ok := credentialsOf(s)
	if !ok {
		return nil, provider.NewError(provider.KindInvalidSession, a.cfg.ID, "session holds no credentials")
	}
	auth, err := a.authOption(ctx)
	if err != nil {
		return nil, err
	}

	body := signRequest{DocumentID: req.DocumentID, Format: string(req.Format)}
	switch {
	case len(req.Hash) > 0:
		body.Hash = base64.StdEncoding.EncodeToString(req.Hash)
	case len(req.Payload) > 0:
		body.Data = base64.StdEncoding.EncodeToString(req.Payload)
	default:
		return nil, provider.WrapError(provider.KindProviderError, a.cfg.ID, provider.ErrEmptyDocument)
	}

	var creds sealedCredentials
	if err := json.Unmarshal(sealedCreds.Bytes(), &creds); err != nil {
		return nil, provider.WrapError(provider.KindInvalidSession, a.cfg.ID, fmt.Errorf("decoding sealed credentials: %w", err))
	}
	body.User, body.PIN, body.OTP, body.Domain = creds.Username, creds.PIN, creds.OTP, creds.Domain

	var resp signResponse
	if err := a.client.Do(ctx, http.MethodPost, pathSign, body, &resp, auth); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapError)
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
	cert, err := a.fetchCertificate(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	s.Certificate = cert
	return cert, nil
}

func (a *Adapter) IsConfigured() bool {
	return a.cfg.BaseURL != "" && a.Method() != AuthNone
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.client.Probe(ctx, pathHealth)
}

// sessionExpiry is now plus minutes, capped by the exp claim of a
// pre-issued JWT access token.
func (a *Adapter) sessionExpiry(minutes int) (time.Time, error) {
	now := a.now()
	expiresAt := now.Add(time.Duration(minutes) * time.Minute)
	if a.Method() != AuthAccessToken {
		return expiresAt, nil
	}
	exp, ok := tokenExpiry(a.cfg.AccessToken)
	if !ok {
		return expiresAt, nil
	}
	if !now.Before(exp) {
		return time.Time{}, provider.NewError(provider.KindAuthFailed, a.cfg.ID, "configured access token has expired")
	}
	if exp.Before(expiresAt) {
		expiresAt = exp
	}
	return expiresAt, nil
}

func (a *Adapter) authOption(ctx context.Context) (httpx.RequestOption, error) {
	switch a.Method() {
	case AuthAccessToken:
		return httpx.WithBearer(a.cfg.AccessToken), nil
	case AuthAPIKey:
		return httpx.WithRequestHeader(headerAPIKey, a.cfg.APIKey), nil
	case AuthClientCredentials:
		token, err := a.appToken(ctx)
		if err != nil {
			return nil, err
		}
		return httpx.WithBearer(token), nil
	}
	return nil, provider.NewError(provider.KindProviderNotConfigured, a.cfg.ID, "no authentication method configured")
}

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

func (a *Adapter) fetchCertificate(ctx context.Context, user string) (*provider.CertificateInfo, error) {
	auth, err := a.authOption(ctx)
	if err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, err)
	}
	var resp certificatesResponse
	q := url.Values{"user": {user}}
	if err := a.client.Do(ctx, http.MethodGet, pathCertificates, nil, &resp, auth, httpx.WithQuery(q)); err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, httpx.Classify(a.cfg.ID, err, mapError))
	}
	if len(resp.Certificates) == 0 {
		return nil, provider.NewError(provider.KindCertificateInfo, a.cfg.ID, "no signing certificate for user")
	}
	cert, err := provider.ParseCertificate(resp.Certificates[0].Certificate)
	if err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, err)
	}
	return cert, nil
}

func seal(creds provider.Credentials) (*memguard.LockedBuffer, error) {
	data, err := json.Marshal(sealedCredentials{
		Username: creds.Username,
		PIN:      creds.PIN,
		OTP:      creds.OTP,
		Domain:   creds.Domain,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	// NewBufferFromBytes wipes data.
	buf := memguard.NewBufferFromBytes(data)
	buf.Freeze()
	return buf, nil
}

// credentialsOf returns the session's sealed credentials while they are
// still alive.
func credentialsOf(s *provider.Session) (*memguard.LockedBuffer, bool) {
	buf, ok := s.Metadata[metaCredentials].(*memguard.LockedBuffer)
	if !ok || !buf.IsAlive() {
		return nil, false
	}
	return buf, true
}

// tokenExpiry reads the exp claim of a JWT without verifying it; the token
// is opaque to us and only its lifetime matters.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func mapError(se *httpx.StatusError) (provider.Kind, string, bool) {
	switch httpx.ErrorCode(se) {
	case "invalid_otp":
		return provider.KindInvalidOtp, "", true
	case "otp_expired", "otp_consumed":
		return provider.KindSessionExpired, "", true
	case "invalid_pin":
		return provider.KindInvalidPin, "", true
	case "user_locked", "credential_locked":
		return provider.KindCredentialLocked, "", true
	case "quota_exceeded":
		return provider.KindNoSignaturesLeft, "", true
	case "invalid_token", "invalid_api_key":
		return provider.KindAuthFailed, "", true
	}
	return "", "", false
}
