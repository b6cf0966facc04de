// Package sessionid adapts signing services with a proprietary login
// endpoint that issues a session id, carried in the X-Session-Id header,
// and an explicit extend endpoint.
package sessionid

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/ironsign/internal/httpx"
	"github.com/jmcleod/ironsign/provider"
)

const (
	pathLogin       = "/api/login"
	pathSession     = "/api/session"
	pathExtend      = "/api/session/extend"
	pathLogout      = "/api/logout"
	pathCertificate = "/api/certificate"
	pathSign        = "/api/sign"
	pathHealth      = "/health"

	headerSessionID = "X-Session-Id"
	headerAPIKey    = "X-API-Key"
	metaDuration    = "duration_minutes"
)

// Adapter implements provider.Provider for session-id services.
type Adapter struct {
	cfg    provider.Config
	client *httpx.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ provider.Provider = (*Adapter)(nil)

// New returns a session-id adapter for cfg.
func New(cfg provider.Config, opts ...provider.Option) *Adapter {
	o := provider.ApplyOptions(cfg.ID, opts)
	copts := []httpx.Option{httpx.WithHTTPClient(o.HTTPClient)}
	if cfg.APIKey != "" {
		copts = append(copts, httpx.WithHeader(headerAPIKey, cfg.APIKey))
	}
	return &Adapter{
		cfg:    cfg,
		client: httpx.New(cfg.ID, cfg.BaseURL, cfg.Timeout(), copts...),
		logger: o.Logger,
		now:    o.Now,
	}
}

type loginRequest struct {
	Username        string `json:"username"`
	PIN             string `json:"pin"`
	OTP             string `json:"otp"`
	Domain          string `json:"domain,omitempty"`
	DurationMinutes int    `json:"durationMinutes"`
}

type loginResponse struct {
	SessionID           string    `json:"sessionId"`
	ExpiresAt           time.Time `json:"expiresAt"`
	RemainingSignatures *int      `json:"remainingSignatures"`
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

type extendResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type certificateResponse struct {
	Certificate string `json:"certificate"`
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	Serial      string `json:"serialNumber"`
}

type signRequest struct {
	DocumentID string `json:"documentId"`
	Hash       string `json:"hash,omitempty"`
	Data       string `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
}

type signResponse struct {
	Signature           string    `json:"signature"`
	SignerName          string    `json:"signerName"`
	SignedAt            time.Time `json:"signedAt"`
	RemainingSignatures *int      `json:"remainingSignatures"`
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

	req := loginRequest{
		Username:        creds.Username,
		PIN:             creds.PIN,
		OTP:             creds.OTP,
		Domain:          creds.Domain,
		DurationMinutes: durationMinutes,
	}
	var resp loginResponse
	if err := a.client.Do(ctx, http.MethodPost, pathLogin, req, &resp); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapError)
	}
	if resp.SessionID == "" {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "login response carried no session id")
	}

	expiresAt := resp.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = a.now().Add(time.Duration(durationMinutes) * time.Minute)
	}
	s := &provider.Session{
		ID:         resp.SessionID,
		ProviderID: a.cfg.ID,
		UserID:     creds.Username,
		ExpiresAt:  expiresAt.UTC(),
		Metadata:   map[string]any{metaDuration: durationMinutes},
	}
	if resp.RemainingSignatures != nil {
		s.SetRemaining(*resp.RemainingSignatures)
	}

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
	err := a.client.Do(ctx, http.MethodGet, pathSession, nil, nil, a.sessionHeader(s))
	if err == nil {
		return true, nil
	}
	var se *httpx.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusNotFound) {
		return false, nil
	}
	return false, httpx.Classify(a.cfg.ID, err, mapError)
}

// RefreshSession asks the provider to extend the session by its original
// duration and adopts the expiry the provider grants.
func (a *Adapter) RefreshSession(ctx context.Context, s *provider.Session) (*provider.Session, error) {
	minutes, _ := s.Metadata[metaDuration].(int)
	if minutes <= 0 {
		minutes = provider.DefaultSessionMinutes
	}
	var resp extendResponse
	if err := a.client.Do(ctx, http.MethodPost, pathExtend, extendRequest{Minutes: minutes}, &resp, a.sessionHeader(s)); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapSessionError)
	}
	next := s.Clone()
	next.ExpiresAt = resp.ExpiresAt.UTC()
	if resp.ExpiresAt.IsZero() {
		next.ExpiresAt = a.now().Add(time.Duration(minutes) * time.Minute)
	}
	return next, nil
}

func (a *Adapter) CloseSession(ctx context.Context, s *provider.Session) error {
	err := a.client.Do(ctx, http.MethodPost, pathLogout, nil, nil, a.sessionHeader(s))
	return httpx.Classify(a.cfg.ID, err, mapError)
}

func (a *Adapter) SignDocument(ctx context.Context, s *provider.Session, req provider.SignRequest) (*provider.SignResponse, error) {
	if s.Expired(a.now()) {
		return nil, provider.NewError(provider.KindSessionExpired, a.cfg.ID, "session has expired")
	}
	if remaining, ok := s.Remaining(); ok && remaining <= 0 {
		return nil, provider.NewError(provider.KindNoSignaturesLeft, a.cfg.ID, "signature quota is exhausted")
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

	var resp signResponse
	if err := a.client.Do(ctx, http.MethodPost, pathSign, body, &resp, a.sessionHeader(s)); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapSessionError)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil || len(sig) == 0 {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "signature is missing or not valid base64")
	}

	if resp.RemainingSignatures != nil {
		s.SetRemaining(*resp.RemainingSignatures)
	} else {
		s.ConsumeSignature()
	}
	signer := resp.SignerName
	if signer == "" {
		signer = s.SignerName()
	}
	ts := resp.SignedAt
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
	return a.cfg.BaseURL != ""
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.client.Probe(ctx, pathHealth)
}

func (a *Adapter) sessionHeader(s *provider.Session) httpx.RequestOption {
	return httpx.WithRequestHeader(headerSessionID, s.ID)
}

func (a *Adapter) fetchCertificate(ctx context.Context, s *provider.Session) (*provider.CertificateInfo, error) {
	var resp certificateResponse
	if err := a.client.Do(ctx, http.MethodGet, pathCertificate, nil, &resp, a.sessionHeader(s)); err != nil {
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, httpx.Classify(a.cfg.ID, err, mapError))
	}
	if resp.Certificate != "" {
		if cert, err := provider.ParseCertificate(resp.Certificate); err == nil {
			return cert, nil
		}
	}
	if resp.Subject == "" {
		return nil, provider.NewError(provider.KindCertificateInfo, a.cfg.ID, "certificate response carried no subject")
	}
	return &provider.CertificateInfo{
		CommonName:   provider.CommonNameFromDN(resp.Subject),
		Subject:      resp.Subject,
		Issuer:       resp.Issuer,
		SerialNumber: resp.Serial,
	}, nil
}

func mapError(se *httpx.StatusError) (provider.Kind, string, bool) {
	switch httpx.ErrorCode(se) {
	case "WRONG_OTP":
		return provider.KindInvalidOtp, "", true
	case "WRONG_PIN":
		return provider.KindInvalidPin, "", true
	case "LOCKED":
		return provider.KindCredentialLocked, "", true
	case "SESSION_EXPIRED":
		return provider.KindSessionExpired, "", true
	case "QUOTA_EXCEEDED":
		return provider.KindNoSignaturesLeft, "", true
	case "INVALID_CREDENTIALS", "UNKNOWN_USER":
		return provider.KindAuthFailed, "", true
	}
	return "", "", false
}

// mapSessionError applies to calls made with an established session, where
// a bare 401 means the provider no longer knows the session id.
func mapSessionError(se *httpx.StatusError) (provider.Kind, string, bool) {
	if kind, msg, ok := mapError(se); ok {
		return kind, msg, ok
	}
	if se.StatusCode == http.StatusUnauthorized {
		return provider.KindInvalidSession, "", true
	}
	return "", "", false
}
