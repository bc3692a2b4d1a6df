package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/panyam/multiauth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleWebSignIn implements multiauth.GoogleSignIn with the authorization
// code flow in the user's browser
type GoogleWebSignIn struct {
	*BaseOAuth2

	// UserInfoURL is the URL to fetch user info from. Defaults to Google's OpenID userinfo endpoint.
	// Can be overridden for testing.
	UserInfoURL string

	mu   sync.RWMutex
	user *multiauth.GoogleUser
}

func NewGoogleWebSignIn(clientId string, clientSecret string, callbackUrl string) *GoogleWebSignIn {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL"))
	}
	return &GoogleWebSignIn{
		BaseOAuth2: NewBaseOAuth2(clientId, clientSecret, callbackUrl, google.Endpoint,
			"openid",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		),
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}
}

// PresentSignIn runs the authorization on anchor and exchanges the code for
// the id and access tokens
func (g *GoogleWebSignIn) PresentSignIn(ctx context.Context, anchor multiauth.Anchor) (*multiauth.TokenPair, error) {
	if anchor == nil {
		return nil, errors.New("no presentation anchor")
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	authURL := g.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("prompt", "select_account"))

	_, code, err := authorize(ctx, anchor.Present, authURL, state)
	if err != nil {
		return nil, err
	}

	token, err := g.oauthConfig.Exchange(g.ExchangeContext(ctx), code)
	if err != nil {
		g.logger().Info("invalid code exchange", "provider", "google", "err", err)
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	idToken, _ := token.Extra("id_token").(string)

	user, err := g.getUserData(ctx, token)
	if err != nil {
		// the tokens are still usable; the profile falls back to the backend's
		g.logger().Warn("failed getting google user info", "err", err)
	} else {
		g.mu.Lock()
		g.user = user
		g.mu.Unlock()
	}

	return &multiauth.TokenPair{IDToken: idToken, AccessToken: token.AccessToken}, nil
}

// CurrentUser implements multiauth.GoogleSignIn
func (g *GoogleWebSignIn) CurrentUser() *multiauth.GoogleUser {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.user == nil {
		return nil
	}
	u := *g.user
	return &u
}

// SignOut forgets the cached Google user
func (g *GoogleWebSignIn) SignOut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.user = nil
}

type googleUserInfo struct {
	Sub       string `json:"sub"`
	Email     string `json:"email"`
	GivenName string `json:"given_name"`
	Name      string `json:"name"`
	Picture   string `json:"picture"`
}

func (g *GoogleWebSignIn) getUserData(ctx context.Context, token *oauth2.Token) (*multiauth.GoogleUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	response, err := g.getHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed getting user info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed getting user info: HTTP %d", response.StatusCode)
	}
	contents, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed read response: %w", err)
	}

	var info googleUserInfo
	if err := json.Unmarshal(contents, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	givenName := info.GivenName
	if givenName == "" {
		if fields := strings.Fields(info.Name); len(fields) > 0 {
			givenName = fields[0]
		}
	}
	return &multiauth.GoogleUser{
		Subject:   info.Sub,
		Email:     info.Email,
		GivenName: givenName,
		AvatarURL: HighResAvatarURL(info.Picture, AvatarSize),
	}, nil
}
