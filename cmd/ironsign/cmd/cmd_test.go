package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/api"
	"github.com/jmcleod/ironsign/config"
	"github.com/jmcleod/ironsign/journal"
	"github.com/jmcleod/ironsign/provider"
	"github.com/jmcleod/ironsign/registry"
	"github.com/jmcleod/ironsign/session"
)

const testConfig = `
default_provider: a
journal:
  backend: memory
providers:
  a:
    name: Trust Services A
    protocol: csc
    base_url: https://a.example
  b:
    protocol: password-grant
    base_url: https://b.example
    enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironsign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "ironsign "+Version+"\n", out)
}

func TestProvidersCommand(t *testing.T) {
	path := writeConfig(t, testConfig)
	out, err := execute(t, "providers", "--config", path, "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, out, "A (default)")
	assert.Contains(t, out, "Trust Services A")
	assert.Contains(t, out, "csc")
	assert.NotContains(t, out, "password-grant", "disabled providers are not registered")
	assert.NotContains(t, out, "REACHABLE")
}

func TestProvidersCommand_BadConfig(t *testing.T) {
	path := writeConfig(t, "providers:\n  a:\n    protocol: carrier-pigeon\n")
	_, err := execute(t, "providers", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown protocol")
}

func TestPrintProviders_WithReachability(t *testing.T) {
	var buf bytes.Buffer
	infos := []provider.Info{
		{ID: "A", Name: "Trust Services A", Protocol: "csc", Enabled: true, Configured: true},
		{ID: "C", Name: "C", Protocol: "session-id", Enabled: true, Configured: true,
			Capabilities: provider.Capabilities{ExtendedSession: true}},
	}
	printProviders(&buf, "C", infos, map[string]bool{"A": true, "C": false})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "REACHABLE")
	assert.Contains(t, string(lines[2]), "C (default)")
	assert.Regexp(t, `true\s+false\s+false$`, string(lines[2]))

	buf.Reset()
	printProviders(&buf, "", nil, nil)
	assert.Equal(t, "No providers configured.\n", buf.String())
}

func TestOpenJournal(t *testing.T) {
	ctx := context.Background()
	logger, err := newLogger(&bytes.Buffer{}, "info", "text")
	require.NoError(t, err)

	t.Run("Memory", func(t *testing.T) {
		j, repo, err := openJournal(ctx, config.JournalConfig{Backend: config.JournalMemory, Secret: "s"}, logger)
		require.NoError(t, err)
		defer repo.Close()
		assert.True(t, j.Sealed())
	})

	t.Run("BBolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "journal.db")
		j, repo, err := openJournal(ctx, config.JournalConfig{Backend: config.JournalBBolt, Path: path}, logger)
		require.NoError(t, err)
		defer repo.Close()
		assert.False(t, j.Sealed())
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		_, _, err := openJournal(ctx, config.JournalConfig{Backend: "tape"}, logger)
		assert.ErrorContains(t, err, "unknown journal backend")
	})
}

func TestPrintEntriesAndVerify(t *testing.T) {
	ctx := context.Background()
	logger, _ := newLogger(&bytes.Buffer{}, "info", "text")
	j, repo, err := openJournal(ctx, config.JournalConfig{Backend: config.JournalMemory}, logger)
	require.NoError(t, err)
	defer repo.Close()

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	_, err = j.Append(ctx, session.Event{Type: session.EventCreated, Key: "A_RHI001", ProviderID: "A", UserID: "RHI001", At: at})
	require.NoError(t, err)
	_, err = j.Append(ctx, session.Event{
		Type: session.EventClosed, Key: "A_RHI001", ProviderID: "A", UserID: "RHI001",
		At: at.Add(time.Minute), Reason: session.ReasonInvalidated, Kind: provider.KindSessionExpired,
	})
	require.NoError(t, err)

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	var buf bytes.Buffer
	printEntries(&buf, entries)
	out := buf.String()
	assert.Contains(t, out, "2026-03-01T09:30:00Z")
	assert.Contains(t, out, "reason=invalidated kind=SESSION_EXPIRED")

	result, err := j.Verify(ctx)
	require.NoError(t, err)
	buf.Reset()
	printVerifyResult(&buf, result)
	assert.Contains(t, buf.String(), "Entries: 2")
	assert.Contains(t, buf.String(), "Result: VALID")

	buf.Reset()
	printVerifyResult(&buf, journal.VerifyResult{EntryCount: 1, Checks: []journal.CheckResult{
		{Name: "genesis_anchor", Status: journal.StatusFail, Detail: "bad anchor"},
	}})
	assert.Contains(t, buf.String(), "[FAIL] genesis_anchor: bad anchor")
	assert.Contains(t, buf.String(), "Result: INVALID (1 error(s))")

	buf.Reset()
	printEntries(&buf, nil)
	assert.Equal(t, "No journal entries.\n", buf.String())
}

func TestServerTLSConfig(t *testing.T) {
	tlsCfg, err := serverTLSConfig(config.ServerConfig{Insecure: true})
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)

	tlsCfg, err = serverTLSConfig(config.ServerConfig{})
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)

	_, err = serverTLSConfig(config.ServerConfig{TLSCert: "missing.pem", TLSKey: "missing.key"})
	assert.ErrorContains(t, err, "failed to load TLS key pair")
}

func TestRootRouter(t *testing.T) {
	reg := registry.New()
	mgr := session.NewManager(reg, session.WithSweepInterval(0))
	defer mgr.Shutdown(context.Background())
	a := api.New(reg, mgr)
	defer a.Close()

	h := newRootRouter(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
