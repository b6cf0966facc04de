// Package csc adapts signing services exposing a Cloud Signature
// Consortium style API: credentials/authorize yields a Signature Activation
// Data token (SAD) with a signature quota, signatures/signHash consumes it
// and auth/revoke ends it.
//
// The SAD is bound to the OTP used to obtain it, so sessions cannot be
// refreshed; a new OTP is required instead.
package csc

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/ironsign/internal/httpx"
	"github.com/jmcleod/ironsign/provider"
)

const (
	pathAuthorize = "/csc/v1/credentials/authorize"
	pathInfo      = "/csc/v1/credentials/info"
	pathSignHash  = "/csc/v1/signatures/signHash"
	pathRevoke    = "/csc/v1/auth/revoke"
	pathService   = "/csc/v1/info"

	defaultNumSignatures = 1000
	metaCredentialID     = "credential_id"
)

var hashAlgoOIDs = map[string]string{
	"SHA-256": "2.16.840.1.101.3.4.2.1",
	"SHA-384": "2.16.840.1.101.3.4.2.2",
	"SHA-512": "2.16.840.1.101.3.4.2.3",
}

var signAlgoOIDs = map[string]string{
	"SHA-256": "1.2.840.113549.1.1.11",
	"SHA-384": "1.2.840.113549.1.1.12",
	"SHA-512": "1.2.840.113549.1.1.13",
}

// Adapter implements provider.Provider for CSC-style services.
type Adapter struct {
	cfg    provider.Config
	client *httpx.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ provider.Provider = (*Adapter)(nil)

// New returns a CSC adapter for cfg.
func New(cfg provider.Config, opts ...provider.Option) *Adapter {
	o := provider.ApplyOptions(cfg.ID, opts)
	var headers []httpx.Option
	headers = append(headers, httpx.WithHTTPClient(o.HTTPClient))
	if cfg.APIKey != "" {
		headers = append(headers, httpx.WithHeader("Authorization", "Bearer "+cfg.APIKey))
	}
	return &Adapter{
		cfg:    cfg,
		client: httpx.New(cfg.ID, cfg.BaseURL, cfg.Timeout(), headers...),
		logger: o.Logger,
		now:    o.Now,
	}
}

type authorizeRequest struct {
	CredentialID   string `json:"credentialID"`
	NumSignatures  int    `json:"numSignatures"`
	PIN            string `json:"PIN"`
	OTP            string `json:"OTP"`
	ValidityPeriod int    `json:"validityPeriod,omitempty"`
}

type authorizeResponse struct {
	SAD                 string `json:"SAD"`
	ExpiresIn           int    `json:"expiresIn"`
	RemainingSignatures *int   `json:"remainingSignatures"`
}

type infoRequest struct {
	CredentialID string `json:"credentialID"`
	Certificates string `json:"certificates"`
	CertInfo     bool   `json:"certInfo"`
}

type infoResponse struct {
	Cert struct {
		Certificates []string `json:"certificates"`
		SubjectDN    string   `json:"subjectDN"`
		IssuerDN     string   `json:"issuerDN"`
		SerialNumber string   `json:"serialNumber"`
		ValidFrom    string   `json:"validFrom"`
		ValidTo      string   `json:"validTo"`
	} `json:"cert"`
}

type signHashRequest struct {
	CredentialID string   `json:"credentialID"`
	SAD          string   `json:"SAD"`
	Hash         []string `json:"hash"`
	HashAlgo     string   `json:"hashAlgo"`
	SignAlgo     string   `json:"signAlgo"`
}

type signHashResponse struct {
	Signatures []string `json:"signatures"`
}

type revokeRequest struct {
	SAD string `json:"SAD"`
}

func (a *Adapter) ID() string   { return a.cfg.ID }
func (a *Adapter) Name() string { return a.cfg.DisplayName() }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{ExtendedSession: false, Batch: true}
}

func (a *Adapter) Authenticate(ctx context.Context, creds provider.Credentials, durationMinutes int) (*provider.Session, error) {
	creds = creds.Normalized()
	if creds.Username == "" || creds.PIN == "" || creds.OTP == "" {
		return nil, provider.NewError(provider.KindAuthFailed, a.cfg.ID, "credential id, PIN and OTP are required")
	}
	if durationMinutes <= 0 {
		durationMinutes = provider.DefaultSessionMinutes
	}

	req := authorizeRequest{
		CredentialID:   creds.Username,
		NumSignatures:  a.numSignatures(),
		PIN:            creds.PIN,
		OTP:            creds.OTP,
		ValidityPeriod: durationMinutes * 60,
	}
	var resp authorizeResponse
	if err := a.client.Do(ctx, http.MethodPost, pathAuthorize, req, &resp); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapAuthError)
	}
	if resp.SAD == "" {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "authorize response carried no SAD")
	}

	now := a.now()
	expiresAt := now.Add(time.Duration(durationMinutes) * time.Minute)
	if resp.ExpiresIn > 0 {
		if granted := now.Add(time.Duration(resp.ExpiresIn) * time.Second); granted.Before(expiresAt) {
			expiresAt = granted
		}
	}

	s := &provider.Session{
		ID:         resp.SAD,
		ProviderID: a.cfg.ID,
		UserID:     creds.Username,
		ExpiresAt:  expiresAt,
		Metadata:   map[string]any{metaCredentialID: creds.Username},
	}
	if resp.RemainingSignatures != nil {
		s.SetRemaining(*resp.RemainingSignatures)
	}

	if cert, err := a.fetchCertificate(ctx, creds.Username); err != nil {
		a.logger.Warn("certificate lookup failed after authorize", slog.String("user", creds.Username), slog.Any("error", err))
	} else {
		s.Certificate = cert
	}
	return s, nil
}

// ValidateSession checks the local expiry and quota only; CSC offers no
// cheap endpoint to test a SAD without consuming it.
func (a *Adapter) ValidateSession(_ context.Context, s *provider.Session) (bool, error) {
	if s.Expired(a.now()) {
		return false, nil
	}
	if remaining, ok := s.Remaining(); ok && remaining <= 0 {
		return false, nil
	}
	return true, nil
}

func (a *Adapter) RefreshSession(context.Context, *provider.Session) (*provider.Session, error) {
	return nil, provider.NewError(provider.KindRefreshRequiresOtp, a.cfg.ID, "SAD is bound to a one-time password; authenticate again")
}

func (a *Adapter) CloseSession(ctx context.Context, s *provider.Session) error {
	err := a.client.Do(ctx, http.MethodPost, pathRevoke, revokeRequest{SAD: s.ID}, nil)
	return httpx.Classify(a.cfg.ID, err, mapAuthError)
}

func (a *Adapter) SignDocument(ctx context.Context, s *provider.Session, req provider.SignRequest) (*provider.SignResponse, error) {
	if s.Expired(a.now()) {
		return nil, provider.NewError(provider.KindSessionExpired, a.cfg.ID, "SAD has expired")
	}
	if remaining, ok := s.Remaining(); ok && remaining <= 0 {
		return nil, provider.NewError(provider.KindNoSignaturesLeft, a.cfg.ID, "signature quota for this SAD is exhausted")
	}
	digest, algo, err := req.Digest()
	if err != nil {
		return nil, provider.WrapError(provider.KindProviderError, a.cfg.ID, err)
	}
	hashOID, ok := hashAlgoOIDs[algo]
	if !ok {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, fmt.Sprintf("unsupported hash algorithm %q", algo))
	}

	body := signHashRequest{
		CredentialID: credentialID(s),
		SAD:          s.ID,
		Hash:         []string{base64.StdEncoding.EncodeToString(digest)},
		HashAlgo:     hashOID,
		SignAlgo:     signAlgoOIDs[algo],
	}
	var resp signHashResponse
	if err := a.client.Do(ctx, http.MethodPost, pathSignHash, body, &resp); err != nil {
		return nil, httpx.Classify(a.cfg.ID, err, mapSignError)
	}
	if len(resp.Signatures) == 0 {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "signHash returned no signature")
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signatures[0])
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, a.cfg.ID, "signature is not valid base64")
	}

	s.ConsumeSignature()
	return &provider.SignResponse{
		DocumentID:       req.DocumentID,
		Signature:        sig,
		SignerCommonName: s.SignerName(),
		Timestamp:        a.now().UTC(),
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
	cert, err := a.fetchCertificate(ctx, credentialID(s))
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
	return a.client.Probe(ctx, pathService)
}

func (a *Adapter) fetchCertificate(ctx context.Context, id string) (*provider.CertificateInfo, error) {
	var resp infoResponse
	req := infoRequest{CredentialID: id, Certificates: "single", CertInfo: true}
	if err := a.client.Do(ctx, http.MethodPost, pathInfo, req, &resp); err != nil {
		cause := httpx.Classify(a.cfg.ID, err, mapAuthError)
		return nil, provider.WrapError(provider.KindCertificateInfo, a.cfg.ID, cause)
	}

	if len(resp.Cert.Certificates) > 0 {
		if cert, err := provider.ParseCertificate(resp.Cert.Certificates[0]); err == nil {
			return cert, nil
		}
	}
	if resp.Cert.SubjectDN == "" {
		return nil, provider.NewError(provider.KindCertificateInfo, a.cfg.ID, "credential info carried no certificate")
	}
	info := &provider.CertificateInfo{
		CommonName:   provider.CommonNameFromDN(resp.Cert.SubjectDN),
		Subject:      resp.Cert.SubjectDN,
		Issuer:       resp.Cert.IssuerDN,
		SerialNumber: resp.Cert.SerialNumber,
	}
	info.NotBefore = parseCSCTime(resp.Cert.ValidFrom)
	info.NotAfter = parseCSCTime(resp.Cert.ValidTo)
	return info, nil
}

func (a *Adapter) numSignatures() int {
	if a.cfg.NumSignatures > 0 {
		return a.cfg.NumSignatures
	}
	return defaultNumSignatures
}

func credentialID(s *provider.Session) string {
	if id, ok := s.Metadata[metaCredentialID].(string); ok && id != "" {
		return id
	}
	return s.UserID
}

// parseCSCTime accepts the GeneralizedTime form CSC uses (20250101120000Z)
// as well as RFC 3339.
func parseCSCTime(v string) time.Time {
	for _, layout := range []string{"20060102150405Z", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func mapAuthError(se *httpx.StatusError) (provider.Kind, string, bool) {
	switch httpx.ErrorCode(se) {
	case "invalid_otp":
		return provider.KindInvalidOtp, "", true
	case "invalid_pin":
		return provider.KindInvalidPin, "", true
	case "credential_locked", "account_locked":
		return provider.KindCredentialLocked, "", true
	case "invalid_credential", "access_denied":
		return provider.KindAuthFailed, "", true
	}
	return "", "", false
}

func mapSignError(se *httpx.StatusError) (provider.Kind, string, bool) {
	switch httpx.ErrorCode(se) {
	case "invalid_sad", "expired_sad":
		return provider.KindSessionExpired, "", true
	case "no_signatures_left":
		return provider.KindNoSignaturesLeft, "", true
	}
	if se.StatusCode == http.StatusUnauthorized {
		return provider.KindInvalidSession, "", true
	}
	return mapAuthError(se)
}
