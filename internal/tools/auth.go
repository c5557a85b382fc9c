package tools

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// Auth configures request authentication for a streamable-HTTP MCP server.
// When both Token and OAuth are set, OAuth wins.
type Auth struct {
	// Token is a static bearer token attached to every request.
	Token string

	// OAuth obtains tokens via the OAuth 2.0 client-credentials grant and
	// refreshes them automatically.
	OAuth *OAuthConfig
}

// OAuthConfig holds the client-credentials grant parameters.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// httpClientFor builds the HTTP client for a server's auth settings. A nil
// or empty auth returns a nil client, letting the SDK use its default.
func httpClientFor(auth *Auth) (*http.Client, error) {
	if auth == nil {
		return nil, nil
	}
	if auth.OAuth != nil {
		if auth.OAuth.ClientID == "" || auth.OAuth.TokenURL == "" {
			return nil, errors.New("oauth requires client_id and token_url")
		}
		cc := clientcredentials.Config{
			ClientID:     auth.OAuth.ClientID,
			ClientSecret: auth.OAuth.ClientSecret,
			TokenURL:     auth.OAuth.TokenURL,
			Scopes:       auth.OAuth.Scopes,
		}
		// The returned client fetches and caches tokens on demand; the
		// context only scopes those token requests.
		return cc.Client(context.Background()), nil
	}
	if auth.Token != "" {
		return &http.Client{Transport: &bearerTransport{token: auth.Token, base: http.DefaultTransport}}, nil
	}
	return nil, nil
}

// bearerTransport injects a static Authorization header into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

// RoundTrip clones the request before mutating headers; RoundTrippers must
// not modify the caller's request.
func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}
