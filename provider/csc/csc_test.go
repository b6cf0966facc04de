package csc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/provider"
)

type fakeCSC struct {
	t        *testing.T
	quota    int
	signs    atomic.Int32
	revoked  atomic.Int32
	infos    atomic.Int32
	signCode string
}

func (f *fakeCSC) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /csc/v1/credentials/authorize", func(w http.ResponseWriter, r *http.Request) {
		var req authorizeRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if req.OTP != "999999" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_otp", "error_description": "OTP is not valid"})
			return
		}
		if req.PIN != "1234" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_pin", "error_description": "PIN is not valid"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"SAD":                 "sad-" + req.CredentialID,
			"expiresIn":           45 * 60,
			"remainingSignatures": f.quota,
		})
	})
	mux.HandleFunc("POST /csc/v1/credentials/info", func(w http.ResponseWriter, r *http.Request) {
		f.infos.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"cert": map[string]any{
				"subjectDN":    "CN=Rhi Example, O=Example",
				"issuerDN":     "CN=Example QES CA",
				"serialNumber": "0a1b",
				"validFrom":    "20250101000000Z",
				"validTo":      "20280101000000Z",
			},
		})
	})
	mux.HandleFunc("POST /csc/v1/signatures/signHash", func(w http.ResponseWriter, r *http.Request) {
		var req signHashRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if f.signCode != "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": f.signCode})
			return
		}
		assert.Equal(f.t, hashAlgoOIDs["SHA-256"], req.HashAlgo)
		f.signs.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"signatures": []string{base64.StdEncoding.EncodeToString([]byte("sig:" + req.Hash[0]))},
		})
	})
	mux.HandleFunc("POST /csc/v1/auth/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.revoked.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /csc/v1/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	return mux
}

func newTestAdapter(t *testing.T, f *fakeCSC) (*Adapter, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(provider.Config{ID: "A", Protocol: provider.ProtocolCSC, BaseURL: srv.URL, TimeoutSeconds: 2},
		provider.WithClock(func() time.Time { return now }))
	return a, &now
}

func TestAdapter_AuthenticateAndSignDecrementsQuota(t *testing.T) {
	f := &fakeCSC{t: t, quota: 1000}
	a, now := newTestAdapter(t, f)

	s, err := a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001", PIN: "1234", OTP: "999999"}, 45)
	require.NoError(t, err)
	assert.Equal(t, "sad-RHI001", s.ID)
	assert.Equal(t, "A", s.ProviderID)
	assert.Equal(t, now.Add(45*time.Minute), s.ExpiresAt)
	remaining, ok := s.Remaining()
	require.True(t, ok)
	assert.Equal(t, 1000, remaining)
	require.NotNil(t, s.Certificate)
	assert.Equal(t, "Rhi Example", s.Certificate.CommonName)

	resp, err := a.SignDocument(t.Context(), s, provider.SignRequest{DocumentID: "doc-1", Payload: []byte("hello"), Format: provider.FormatPAdES})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", resp.DocumentID)
	assert.Equal(t, "Rhi Example", resp.SignerCommonName)
	assert.NotEmpty(t, resp.Signature)

	remaining, _ = s.Remaining()
	assert.Equal(t, 999, remaining)
}

func TestAdapter_AuthenticateErrors(t *testing.T) {
	f := &fakeCSC{t: t, quota: 10}
	a, _ := newTestAdapter(t, f)

	_, err := a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001", PIN: "1234", OTP: "000000"}, 45)
	assert.True(t, errors.Is(err, provider.ErrInvalidOtp))

	_, err = a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001", PIN: "0000", OTP: "999999"}, 45)
	assert.True(t, errors.Is(err, provider.ErrInvalidPin))
	assert.Contains(t, err.Error(), "PIN is not valid")

	_, err = a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001"}, 45)
	assert.True(t, errors.Is(err, provider.ErrAuthFailed))
}

func TestAdapter_ZeroQuotaFailsWithoutNetwork(t *testing.T) {
	f := &fakeCSC{t: t, quota: 0}
	a, _ := newTestAdapter(t, f)

	s, err := a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001", PIN: "1234", OTP: "999999"}, 45)
	require.NoError(t, err)

	_, err = a.SignDocument(t.Context(), s, provider.SignRequest{Payload: []byte("x")})
	assert.True(t, errors.Is(err, provider.ErrNoSignaturesLeft))
	assert.Equal(t, int32(0), f.signs.Load())

	valid, err := a.ValidateSession(t.Context(), s)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestAdapter_ExpiredSAD(t *testing.T) {
	f := &fakeCSC{t: t, quota: 5, signCode: "expired_sad"}
	a, _ := newTestAdapter(t, f)

	s, err := a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001", PIN: "1234", OTP: "999999"}, 45)
	require.NoError(t, err)

	_, err = a.SignDocument(t.Context(), s, provider.SignRequest{Payload: []byte("x")})
	assert.True(t, errors.Is(err, provider.ErrSessionExpired))
	assert.True(t, provider.IsSessionInvalidating(err))
	remaining, _ := s.Remaining()
	assert.Equal(t, 5, remaining, "a failed signature must not consume quota")
}

func TestAdapter_RefreshRequiresOtp(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeCSC{t: t})
	_, err := a.RefreshSession(t.Context(), &provider.Session{ID: "sad"})
	assert.True(t, errors.Is(err, provider.ErrRefreshRequiresOtp))
}

func TestAdapter_BatchAndClose(t *testing.T) {
	f := &fakeCSC{t: t, quota: 3}
	a, _ := newTestAdapter(t, f)

	s, err := a.Authenticate(t.Context(), provider.Credentials{Username: "RHI001", PIN: "1234", OTP: "999999"}, 45)
	require.NoError(t, err)

	var reports []provider.Progress
	results, err := a.SignDocuments(t.Context(), s, []provider.SignRequest{
		{Payload: []byte("1")}, {Payload: []byte("2")},
	}, func(p provider.Progress) { reports = append(reports, p) })
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "document-1", results[0].DocumentID)
	assert.Equal(t, 2, provider.Successful(results))
	assert.Len(t, reports, 3)
	remaining, _ := s.Remaining()
	assert.Equal(t, 1, remaining)

	require.NoError(t, a.CloseSession(t.Context(), s))
	assert.Equal(t, int32(1), f.revoked.Load())
}

func TestAdapter_ConfiguredAndProbe(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeCSC{t: t})
	assert.True(t, a.IsConfigured())
	assert.True(t, a.TestConnection(t.Context()))
	assert.False(t, a.Capabilities().ExtendedSession)

	empty := New(provider.Config{ID: "A"})
	assert.False(t, empty.IsConfigured())
}

func TestAdapter_CertificateInfoCachedOnSession(t *testing.T) {
	f := &fakeCSC{t: t, quota: 5}
	a, _ := newTestAdapter(t, f)

	attached := &provider.CertificateInfo{CommonName: "Already Known"}
	cert, err := a.CertificateInfo(t.Context(), &provider.Session{UserID: "RHI001", Certificate: attached})
	require.NoError(t, err)
	assert.Same(t, attached, cert)
	assert.Equal(t, int32(0), f.infos.Load())

	s := &provider.Session{UserID: "RHI001"}
	cert, err = a.CertificateInfo(t.Context(), s)
	require.NoError(t, err)
	assert.Equal(t, "Rhi Example", cert.CommonName)
	assert.Equal(t, "0a1b", cert.SerialNumber)
	assert.Same(t, cert, s.Certificate)

	_, err = a.CertificateInfo(t.Context(), s)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.infos.Load(), "a fetched certificate is reused")
}
