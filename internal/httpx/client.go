// Package httpx is the JSON-over-HTTP plumbing shared by the provider
// adapters: per-call timeouts, bounded body reads and classification of
// transport and status failures into canonical provider errors.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironsign/provider"
)

const (
	maxResponseBody = 1 << 20
	maxErrorBody    = 4096
	userAgent       = "ironsign/1.0"
)

// Client issues JSON requests against one provider's base URL.
type Client struct {
	providerID string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	headers    map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// New returns a client for baseURL. timeout bounds every call, including
// reading the response body.
func New(providerID, baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		providerID: providerID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		headers:    map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the underlying client, e.g. for oauth2 token requests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// URL resolves path against the base URL. Absolute URLs are used as given
// by Do and PostForm.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

type requestOptions struct {
	header    http.Header
	query     url.Values
	basicUser string
	basicPass string
}

// RequestOption customises a single request.
type RequestOption func(*requestOptions)

// WithBearer sets an Authorization: Bearer header.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) {
		if token != "" {
			o.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithRequestHeader sets one header on this request only.
func WithRequestHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if value != "" {
			o.header.Set(key, value)
		}
	}
}

// WithBasicAuth authenticates the request with HTTP basic credentials.
func WithBasicAuth(user, pass string) RequestOption {
	return func(o *requestOptions) {
		o.basicUser = user
		o.basicPass = pass
	}
}

// WithQuery appends query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) {
		o.query = q
	}
}

// StatusError is returned by Do for responses with a status of 400 or above.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Do sends in (JSON encoded, when non-nil) and decodes the response into
// out (when non-nil). Responses with status >= 400 yield a *StatusError;
// transport failures are returned as-is for Classify.
func (c *Client) Do(ctx context.Context, method, path string, in, out any, opts ...RequestOption) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = buf
		contentType = "application/json"
	}
	return c.send(ctx, method, path, body, contentType, out, opts)
}

// PostForm posts an application/x-www-form-urlencoded body, as OAuth2
// token and revocation endpoints expect.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out any, opts ...RequestOption) error {
	return c.send(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out, opts)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any, opts []RequestOption) error {
	ro := requestOptions{header: http.Header{}}
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.URL(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	}
	if len(ro.query) > 0 {
		target += "?" + ro.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, vs := range ro.header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if ro.basicUser != "" {
		req.SetBasicAuth(ro.basicUser, ro.basicPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: data}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Probe issues a GET and reports whether any response below 500 came back.
// Every failure is swallowed into false.
func (c *Client) Probe(ctx context.Context, path string, opts ...RequestOption) bool {
	err := c.Do(ctx, http.MethodGet, path, nil, nil, opts...)
	if err == nil {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode < 500
	}
	return false
}

// BodyMapper inspects a failed response and returns a specific kind and
// message when it recognises the provider's error shape.
type BodyMapper func(se *StatusError) (kind provider.Kind, message string, ok bool)

// Classify converts any error returned by Do into a canonical
// *provider.Error. Canonical errors pass through; mapper gets the first
// chance at status errors before the status-code defaults apply.
func Classify(providerID string, err error, mapper BodyMapper) error {
	if err == nil {
		return nil
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}

	var se *StatusError
	if errors.As(err, &se) {
		if mapper != nil {
			if kind, msg, ok := mapper(se); ok {
				if msg == "" {
					msg = ErrorMessage(se)
				}
				return provider.NewError(kind, providerID, msg)
			}
		}
		return provider.NewError(StatusKind(se.StatusCode), providerID, ErrorMessage(se))
	}

	if IsNetworkError(err) {
		return provider.WrapError(provider.KindNetworkError, providerID, err)
	}
	return provider.AsError(providerID, err)
}

// StatusKind is the default kind for an HTTP status code.
func StatusKind(status int) provider.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.KindAuthFailed
	case status == http.StatusTooManyRequests:
		return provider.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return provider.KindNetworkError
	case status >= 500:
		return provider.KindServerError
	default:
		return provider.KindProviderError
	}
}

// IsNetworkError reports transport-level failures: timeouts, refused
// connections, DNS failures and cancelled contexts.
func IsNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// ErrorMessage extracts a human-readable message from a provider error
// body, looking at the field names the supported APIs use.
func ErrorMessage(se *StatusError) string {
	var body map[string]any
	if err := json.Unmarshal(se.Body, &body); err == nil {
		for _, key := range []string{"error_description", "message", "detail", "error"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if msg := strings.TrimSpace(string(se.Body)); msg != "" {
		return msg
	}
	return http.StatusText(se.StatusCode)
}

// ErrorCode extracts the machine-readable code from a provider error body
// ("error" or "code").
func ErrorCode(se *StatusError) string {
	var body map[string]any
	if err := json.Unmarshal(se.Body, &body); err != nil {
		return ""
	}
	for _, key := range []string{"error", "code"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
