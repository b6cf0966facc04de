// Package passwordgrant adapts signing services that authenticate with the
// OAuth2 resource owner password grant. The password is the PIN
// concatenated with the OTP; the resulting refresh token renews the session
// without a new OTP.
package passwordgrant

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/jmcleod/ironsign/internal/httpx"
	"github.com/jmcleod/ironsign/provider"
)

const (
	pathToken       = "/oauth2/token"
	pathRevoke      = "/oauth2/revoke"
	pathSession     = "/api/v1/session"
	pathCertificate = "/api/v1/certificate"
	pathSignatures  = "/api/v1/signatures"
	pathHealth      = "/health"

	metaDuration = "duration_minutes"
	metaTokenExp = "token_expiry"
)

// Adapter implements provider.Provider for password-grant services.
type Adapter struct {
	cfg    provider.Config
	client *httpx.Client
	oauth  *oauth2.Config
	logger *slog.Logger
	now    func() time.Time
}

var _ provider.Provider = (*Adapter)(nil)

// New returns a password-grant adapter for cfg.
func New(cfg provider.Config, opts ...provider.Option) *Adapter {
	o := provider.ApplyOptions(cfg.ID, opts)
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = cfg.Endpoint(pathToken)
	}
	return &Adapter{
		cfg:    cfg,
		client: httpx.New(cfg.ID, cfg.BaseURL, cfg.Timeout(), httpx.WithHTTPClient(o.HTTPClient)),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		logger: o.Logger,
		now:    o.Now,
	}
}

type certificateResponse struct {
	Certificate string `json:"certificate"`
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

func (a *Adapter) ID() string   { return a.cfg.ID }
func (a *Adapter) Name() string { return a.cfg.DisplayName() }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{ExtendedSession: true, Batch: true}
}

func (a *Adapter) Authenticate(ctx context.Context, creds provider.Credentials, durationMinutes int) (*provider.Session, error) {
	creds = creds.Normalized()
	if creds.Username == "" || creds.PIN == "" || creds.OTP == "" {
		return nil, provider.NewError(provider.KindAuthFailed, a.cfg.ID, "username, PIN and OTP are required")
	}
	if durationMinutes <= 0 {
		durationMinutes = provider.DefaultSessionMinutes
	}

	octx, cancel := a.client.OAuthContext(ctx)
	defer cancel()
	tok, err := a.oauth.PasswordCredentialsToken(octx, creds.Username, creds.PIN+creds.OTP)
	if err != nil {
		return nil, httpx.ClassifyOAuth(a.cfg.ID, err, mapGrantError)
	}

	s := &provider.Session{
		ID:           tok.AccessToken,
		ProviderID:   a.cfg.ID,
		UserID:       creds.Username,
		ExpiresAt:    a.now().Add(time.Duration(durationMinutes) * time.Minute),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Metadata:     map[string]any{metaDuration: durationMinutes},
	}
	s.Metadata[metaTokenExp] = tokenExpiry(tok)

	if cert, err := a.fetchCertificate(ctx, s); err != nil {
		a.logger.Warn("certificate lookup failed after login", slog.String("user", creds.Username), slog.Any("error", err))
	} else {
		s.Certificate = cert
	}
	return s, nil
}

func (a *Adapter) ValidateSession(ctx context.Context, s *provider.Session) (bool, error) {
	if s.Expired(a.now()) {
		return false, nil
	}
	token, err := a.bearer(ctx, s)
	if err != nil {
		if provider.IsRetryable(err) {
			return false, err
		}
		return false, nil
	}
	err = a.client.Do(ctx, http.MethodGet, pathSession, nil, nil, httpx.WithBearer(token))
	if err == nil {
		return true, nil
	}
	var se *httpx.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return false, httpx.Classify(a.cfg.ID, err, nil)
}

// RefreshSession trades the refresh token for a new access token and
// re-arms the session for its original duration.
func (a *Adapter) RefreshSession(ctx context.Context, s *provider.Session) (*provider.Session, error) {
	if s.RefreshToken == "" {
		return nil, provider.NewError(provider.KindRefreshNotSupported, a.cfg.ID, "no refresh token was issued for this session")
	}
	tok, err := a.renew(ctx, s.RefreshToken)
	if err != nil {
		return nil, err
	}

	next := s.Clone()
	next.ID = tok.AccessToken
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	next.Metadata[metaTokenExp] = tokenExpiry(tok)
	minutes, _ := next.Metadata[metaDuration].(int)
	if minutes <= 0 {
		minutes = provider.DefaultSessionMinutes
	}
	next.ExpiresAt = a.now().Add(time.Duration(minutes) * time.Minute)
	return next, nil
}

// CloseSession revokes the grant per RFC 7009. The refresh token is revoked
// when present since that invalidates the whole grant.
func (a *Adapter) CloseSession(ctx context.Context, s *provider.Session) error {
	form := url.Values{}
	if s.RefreshToken != "" {
		form.Set("token", s.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", s.AccessToken)
		form.Set("token_type_hint", "access_token")
	}
	err := a.client.PostForm(ctx, pathRevoke, form, nil, httpx.WithBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret))
	return httpx.Classify(a.cfg.ID, err, nil)
}

func (a *Adapter) SignDocument(ctx context.Context, s *provider.Session, req provider.SignRequest) (*provider.SignResponse, error) {
	if s.Expired(a.now()) {
		return nil, provider.NewError(provider.KindSessionExpired, a.cfg.ID, "session has expired")
	}
	digest, algo, err := req.Digest()
	if err != nil {
		return nil, provider.WrapError(provider.KindProviderError, a.cfg.ID, err)
	}
	token, err := a.bearer(ctx, s)
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
	if err := a.client.Do(ctx, http.MethodPost, pathSignatures, body, &resp, httpx.WithBearer(token)); err != nil {
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
	return a.cfg.BaseURL != "" && a.cfg.ClientID != ""
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.client.Probe(ctx, pathHealth)
}

func (a *Adapter) fetchCertificate(ctx context.Context, s *provider.Session) (*provider.CertificateInfo, error) {
	var resp certificateResponse
	if err := a.client.Do(ctx, http.MethodGet, pathCertificate, nil, &resp, httpx.WithBearer(s.AccessToken)); err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, httpx.Classify(a.cfg.ID, err, nil))
	}
	cert, err := provider.ParseCertificate(resp.Certificate)
	if err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, err)
	}
	return cert, nil
}

// bearer returns a usable access token, renewing it through the refresh
// token when the access token itself has lapsed. The session's own expiry
// is not touched.
func (a *Adapter) bearer(ctx context.Context, s *provider.Session) (string, error) {
	exp, _ := s.Metadata[metaTokenExp].(time.Time)
	if exp.IsZero() || a.now().Before(exp.Add(-10*time.Second)) {
		return s.AccessToken, nil
	}
	if s.RefreshToken == "" {
		return "", provider.NewError(provider.KindInvalidSession, a.cfg.ID, "access token expired and no refresh token is available")
	}
	tok, err := a.renew(ctx, s.RefreshToken)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuthFailed {
			return "", provider.NewError(provider.KindInvalidSession, a.cfg.ID, "refresh token rejected")
		}
		return "", err
	}
	s.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.RefreshToken = tok.RefreshToken
	}
	s.Metadata[metaTokenExp] = tokenExpiry(tok)
	return s.AccessToken, nil
}

func (a *Adapter) renew(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	octx, cancel := a.client.OAuthContext(ctx)
	defer cancel()
	// An expiry in the past forces the token source to use the refresh token.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := a.oauth.TokenSource(octx, stale).Token()
	if err != nil {
		return nil, httpx.ClassifyOAuth(a.cfg.ID, err, nil)
	}
	return tok, nil
}

// tokenExpiry prefers expires_in from the token response and falls back to
// the exp claim when the access token is a JWT.
func tokenExpiry(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func mapGrantError(code, description string) (provider.Kind, bool) {
	if code != "invalid_grant" {
		return "", false
	}
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "locked"):
		return provider.KindCredentialLocked, true
	case strings.Contains(desc, "otp"):
		return provider.KindInvalidOtp, true
	case strings.Contains(desc, "pin"):
		return provider.KindInvalidPin, true
	}
	return provider.KindAuthFailed, true
}

func mapSignError(se *httpx.StatusError) (provider.Kind, string, bool) {
	if se.StatusCode == http.StatusUnauthorized {
		return provider.KindInvalidSession, "", true
	}
	return "", "", false
}
