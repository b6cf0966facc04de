package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/jmcleod/ironsign/provider"
)

// OAuthContext bounds ctx by the client's timeout and routes oauth2 token
// requests through the client's http.Client.
func (c *Client) OAuthContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

// GrantMapper refines a token endpoint error ({error, error_description})
// into a specific kind.
type GrantMapper func(code, description string) (provider.Kind, bool)

// ClassifyOAuth converts an error from an oauth2 token exchange into a
// canonical *provider.Error.
func ClassifyOAuth(providerID string, err error, mapper GrantMapper) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if mapper != nil {
			if kind, ok := mapper(re.ErrorCode, re.ErrorDescription); ok {
				return provider.NewError(kind, providerID, msg)
			}
		}
		status := http.StatusBadRequest
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if msg == "" {
			msg = ErrorMessage(&StatusError{StatusCode: status, Body: re.Body})
		}
		kind := StatusKind(status)
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client", "access_denied":
			kind = provider.KindAuthFailed
		}
		return provider.NewError(kind, providerID, msg)
	}
	// x/oauth2 flattens transport failures into its own message.
	if IsNetworkError(err) || strings.Contains(err.Error(), "cannot fetch token") {
		return provider.WrapError(provider.KindNetworkError, providerID, err)
	}
	return Classify(providerID, err, nil)
}
