// Package oauth2 provides browser based sign in collaborators for the
// multiauth controllers: Google (GoogleWebSignIn), Sign in with Apple
// (AppleWebSignIn) and a loopback redirect receiver (LoopbackAnchor) that
// presents the authorization page and collects the provider's response.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrCanceled is returned when the user dismisses the authorization page
	ErrCanceled = errors.New("authorization canceled")

	// ErrStateMismatch is returned when the redirect's state does not match the request
	ErrStateMismatch = errors.New("invalid oauth state")

	// ErrNilAnchor is returned by a nil *LoopbackAnchor
	ErrNilAnchor = errors.New("nil loopback anchor")
)

// BaseOAuth2 holds what the provider sign ins share: the x/oauth2 config,
// an injectable HTTP client and the authorization round trip
type BaseOAuth2 struct {
	ClientId     string
	ClientSecret string
	CallbackURL  string

	// HTTPClient is used for token exchange and profile requests. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger

	oauthConfig oauth2.Config
}

func NewBaseOAuth2(clientId string, clientSecret string, callbackUrl string, endpoint oauth2.Endpoint, scopes ...string) *BaseOAuth2 {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_CALLBACK_URL"))
	}
	return &BaseOAuth2{
		ClientId:     clientId,
		ClientSecret: clientSecret,
		CallbackURL:  callbackUrl,
		Logger:       slog.Default(),
		oauthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
	}
}

// SetHTTPClient sets the client used for outgoing requests
func (b *BaseOAuth2) SetHTTPClient(client *http.Client) {
	b.HTTPClient = client
}

// SetEndpoint overrides the provider endpoints, e.g. to point at a test server
func (b *BaseOAuth2) SetEndpoint(endpoint oauth2.Endpoint) {
	b.oauthConfig.Endpoint = endpoint
}

// Config returns a copy of the oauth2 config
func (b *BaseOAuth2) Config() oauth2.Config {
	return b.oauthConfig
}

func (b *BaseOAuth2) getHTTPClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

// ExchangeContext returns ctx carrying the injected HTTP client for x/oauth2
func (b *BaseOAuth2) ExchangeContext(ctx context.Context) context.Context {
	if b.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, b.HTTPClient)
}

func (b *BaseOAuth2) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// authorize presents authURL through present and returns the authorization
// code after checking the returned state
func authorize(ctx context.Context, present func(context.Context, string) (url.Values, error), authURL, state string) (url.Values, string, error) {
	params, err := present(ctx, authURL)
	if err != nil {
		return nil, "", err
	}
	if e := params.Get("error"); e != "" {
		switch e {
		case "access_denied", "user_cancelled_authorize":
			return params, "", ErrCanceled
		}
		if desc := params.Get("error_description"); desc != "" {
			return params, "", fmt.Errorf("authorization failed: %s: %s", e, desc)
		}
		return params, "", fmt.Errorf("authorization failed: %s", e)
	}
	if params.Get("state") != state {
		return params, "", fmt.Errorf("%w: %q", ErrStateMismatch, params.Get("state"))
	}
	code := params.Get("code")
	if code == "" {
		return params, "", errors.New("authorization response has no code")
	}
	return params, code, nil
}
