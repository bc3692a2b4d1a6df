package oauth2

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panyam/multiauth"
	"golang.org/x/oauth2"
)

// AppleEndpoint is Sign in with Apple's OAuth 2.0 endpoint
var AppleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://appleid.apple.com/auth/authorize",
	TokenURL:  "https://appleid.apple.com/auth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

const appleAudience = "https://appleid.apple.com"

// AppleWebSignIn implements multiauth.AppleSignIn with Apple's web flow.
// Apple's client secret is a short lived ES256 JWT signed with the team's key.
type AppleWebSignIn struct {
	*BaseOAuth2

	TeamID string
	KeyID  string

	// Anchor presents the authorization page and receives Apple's form post
	Anchor multiauth.Anchor

	// SecretTTL is the lifetime of generated client secrets (defaults to 5 minutes)
	SecretTTL time.Duration

	privateKey *ecdsa.PrivateKey
}

// NewAppleWebSignIn creates the Apple sign in. privateKeyPEM is the .p8 key
// downloaded from the developer account.
func NewAppleWebSignIn(clientId, teamId, keyId string, privateKeyPEM []byte, callbackUrl string, anchor multiauth.Anchor) (*AppleWebSignIn, error) {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_APPLE_CLIENT_ID"))
	}
	if teamId == "" {
		teamId = strings.TrimSpace(os.Getenv("OAUTH2_APPLE_TEAM_ID"))
	}
	if keyId == "" {
		keyId = strings.TrimSpace(os.Getenv("OAUTH2_APPLE_KEY_ID"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_APPLE_CALLBACK_URL"))
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid apple private key: %w", err)
	}
	return &AppleWebSignIn{
		BaseOAuth2: NewBaseOAuth2(clientId, "", callbackUrl, AppleEndpoint),
		TeamID:     teamId,
		KeyID:      keyId,
		Anchor:     anchor,
		SecretTTL:  5 * time.Minute,
		privateKey: key,
	}, nil
}

// ClientSecret builds the signed client secret Apple's token endpoint expects
func (a *AppleWebSignIn) ClientSecret(now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    a.TeamID,
		Subject:   a.ClientId,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.SecretTTL)),
	})
	token.Header["kid"] = a.KeyID
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple client secret: %w", err)
	}
	return signed, nil
}

// appleUser is the user parameter Apple posts on the first authorization only
type appleUser struct {
	Name  *multiauth.PersonName `json:"name"`
	Email string                `json:"email"`
}

// PresentRequest implements multiauth.AppleSignIn. The nonce hash is sent
// as the nonce parameter so Apple embeds it in the identity token.
func (a *AppleWebSignIn) PresentRequest(ctx context.Context, req multiauth.AppleRequest) (*multiauth.AppleAuthorization, error) {
	if a.Anchor == nil {
		return nil, errors.New("no presentation anchor")
	}
	secret, err := a.ClientSecret(time.Now())
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	cfg := a.oauthConfig
	cfg.ClientSecret = secret
	cfg.Scopes = make([]string, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		cfg.Scopes = append(cfg.Scopes, string(s))
	}

	opts := []oauth2.AuthCodeOption{}
	if len(cfg.Scopes) > 0 {
		// Apple requires a form post when name or email is requested
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", "form_post"))
	}
	if req.NonceHash != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.NonceHash))
	}
	authURL := cfg.AuthCodeURL(state, opts...)

	params, code, err := authorize(ctx, a.Anchor.Present, authURL, state)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(a.ExchangeContext(ctx), code)
	if err != nil {
		a.logger().Info("invalid code exchange", "provider", "apple", "err", err)
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, errors.New("apple token response has no id_token")
	}

	auth := &multiauth.AppleAuthorization{IdentityToken: []byte(idToken)}

	var claims struct {
		Email string `json:"email"`
		jwt.RegisteredClaims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return nil, fmt.Errorf("malformed apple identity token: %w", err)
	}
	auth.User = claims.Subject
	auth.Email = claims.Email

	if raw := params.Get("user"); raw != "" {
		var u appleUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			a.logger().Warn("failed to parse apple user", "err", err)
		} else {
			auth.FullName = u.Name
			if u.Email != "" {
				auth.Email = u.Email
			}
		}
	}
	return auth, nil
}
