package oauth2_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panyam/multiauth"
	"github.com/panyam/multiauth/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oauth2lib "golang.org/x/oauth2"
)

// mockOAuthServer creates a mock OAuth provider server that handles:
// - /token endpoint for token exchange
// - /userinfo endpoint for user data retrieval
type mockOAuthServer struct {
	server           *httptest.Server
	tokenEndpoint    string
	userInfoEndpoint string

	mu               sync.Mutex
	tokenResponse    map[string]any
	userInfoResponse map[string]any
	tokenError       bool
	userInfoError    bool
	tokenForms       []url.Values
}

func newMockOAuthServer() *mockOAuthServer {
	mock := &mockOAuthServer{
		tokenResponse: map[string]any{
			"access_token": "mock_access_token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     "mock_id_token",
		},
		userInfoResponse: map[string]any{
			"sub":        "12345",
			"email":      "testuser@example.com",
			"name":       "Test User",
			"given_name": "Test",
			"picture":    "https://lh3.googleusercontent.com/a/abc=s96-c",
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mock.mu.Lock()
		mock.tokenForms = append(mock.tokenForms, r.PostForm)
		fail, resp := mock.tokenError, mock.tokenResponse
		mock.mu.Unlock()
		if fail {
			http.Error(w, "token exchange failed", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		fail, resp := mock.userInfoError, mock.userInfoResponse
		mock.mu.Unlock()
		if fail || r.Header.Get("Authorization") != "Bearer mock_access_token" {
			http.Error(w, "user info failed", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mock.server = httptest.NewServer(mux)
	mock.tokenEndpoint = mock.server.URL + "/token"
	mock.userInfoEndpoint = mock.server.URL + "/userinfo"

	return mock
}

func (m *mockOAuthServer) Close() {
	m.server.Close()
}

func (m *mockOAuthServer) endpoint() oauth2lib.Endpoint {
	return oauth2lib.Endpoint{
		AuthURL:   m.server.URL + "/auth",
		TokenURL:  m.tokenEndpoint,
		AuthStyle: oauth2lib.AuthStyleInParams,
	}
}

func (m *mockOAuthServer) lastTokenForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokenForms) == 0 {
		return nil
	}
	return m.tokenForms[len(m.tokenForms)-1]
}

// fakeAnchor approves every authorization, echoing the request's state
type fakeAnchor struct {
	mu       sync.Mutex
	authURLs []string
	reply    func(authURL *url.URL) (url.Values, error)
}

func (a *fakeAnchor) Present(ctx context.Context, authURL string) (url.Values, error) {
	a.mu.Lock()
	a.authURLs = append(a.authURLs, authURL)
	a.mu.Unlock()
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	if a.reply != nil {
		return a.reply(u)
	}
	return url.Values{"code": {"mock_code"}, "state": {u.Query().Get("state")}}, nil
}

func (a *fakeAnchor) lastAuthURL(t *testing.T) *url.URL {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.authURLs)
	u, err := url.Parse(a.authURLs[len(a.authURLs)-1])
	require.NoError(t, err)
	return u
}

func newGoogle(mock *mockOAuthServer) *oauth2.GoogleWebSignIn {
	g := oauth2.NewGoogleWebSignIn("test-client-id", "test-client-secret", "http://127.0.0.1:8080/callback")
	g.SetEndpoint(mock.endpoint())
	g.SetHTTPClient(mock.server.Client())
	g.UserInfoURL = mock.userInfoEndpoint
	return g
}

func TestGoogleWebSignIn(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()
	ctx := context.Background()

	t.Run("exchanges code and caches the user", func(t *testing.T) {
		g := newGoogle(mock)
		anchor := &fakeAnchor{}

		tokens, err := g.PresentSignIn(ctx, anchor)
		require.NoError(t, err)
		assert.Equal(t, "mock_id_token", tokens.IDToken)
		assert.Equal(t, "mock_access_token", tokens.AccessToken)

		authURL := anchor.lastAuthURL(t)
		assert.True(t, strings.HasPrefix(authURL.String(), mock.server.URL+"/auth"))
		q := authURL.Query()
		assert.Equal(t, "test-client-id", q.Get("client_id"))
		assert.Equal(t, "http://127.0.0.1:8080/callback", q.Get("redirect_uri"))
		assert.Contains(t, q.Get("scope"), "openid")
		assert.NotEmpty(t, q.Get("state"))

		form := mock.lastTokenForm()
		assert.Equal(t, "mock_code", form.Get("code"))
		assert.Equal(t, "test-client-secret", form.Get("client_secret"))

		user := g.CurrentUser()
		require.NotNil(t, user)
		assert.Equal(t, "12345", user.Subject)
		assert.Equal(t, "Test", user.GivenName)
		assert.Equal(t, "https://lh3.googleusercontent.com/a/abc=s500-c", user.AvatarURL)

		g.SignOut()
		assert.Nil(t, g.CurrentUser())
	})

	t.Run("state mismatch", func(t *testing.T) {
		g := newGoogle(mock)
		anchor := &fakeAnchor{reply: func(u *url.URL) (url.Values, error) {
			return url.Values{"code": {"mock_code"}, "state": {"forged"}}, nil
		}}
		_, err := g.PresentSignIn(ctx, anchor)
		assert.ErrorIs(t, err, oauth2.ErrStateMismatch)
	})

	t.Run("user cancels", func(t *testing.T) {
		g := newGoogle(mock)
		anchor := &fakeAnchor{reply: func(u *url.URL) (url.Values, error) {
			return url.Values{"error": {"access_denied"}, "state": {u.Query().Get("state")}}, nil
		}}
		_, err := g.PresentSignIn(ctx, anchor)
		assert.ErrorIs(t, err, oauth2.ErrCanceled)
	})

	t.Run("anchor failure", func(t *testing.T) {
		g := newGoogle(mock)
		boom := errors.New("window closed")
		anchor := &fakeAnchor{reply: func(u *url.URL) (url.Values, error) { return nil, boom }}
		_, err := g.PresentSignIn(ctx, anchor)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("user info failure still returns tokens", func(t *testing.T) {
		mock.mu.Lock()
		mock.userInfoError = true
		mock.mu.Unlock()
		defer func() {
			mock.mu.Lock()
			mock.userInfoError = false
			mock.mu.Unlock()
		}()

		g := newGoogle(mock)
		tokens, err := g.PresentSignIn(ctx, &fakeAnchor{})
		require.NoError(t, err)
		assert.Equal(t, "mock_id_token", tokens.IDToken)
		assert.Nil(t, g.CurrentUser())
	})

	t.Run("token exchange failure", func(t *testing.T) {
		mock.mu.Lock()
		mock.tokenError = true
		mock.mu.Unlock()
		defer func() {
			mock.mu.Lock()
			mock.tokenError = false
			mock.mu.Unlock()
		}()

		g := newGoogle(mock)
		_, err := g.PresentSignIn(ctx, &fakeAnchor{})
		assert.Error(t, err)
	})
}

func TestHighResAvatarURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://lh3.googleusercontent.com/a/abc=s96-c", "https://lh3.googleusercontent.com/a/abc=s500-c"},
		{"https://lh3.googleusercontent.com/a/abc=s96", "https://lh3.googleusercontent.com/a/abc=s500-c"},
		{"https://lh3.googleusercontent.com/a/abc", "https://lh3.googleusercontent.com/a/abc=s500-c"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, oauth2.HighResAvatarURL(tt.in, oauth2.AvatarSize))
	}
}

func TestEnvironmentVariableDefaults(t *testing.T) {
	t.Setenv("OAUTH2_GOOGLE_CLIENT_ID", "env-client-id")
	t.Setenv("OAUTH2_GOOGLE_CLIENT_SECRET", "env-client-secret")
	t.Setenv("OAUTH2_GOOGLE_CALLBACK_URL", "http://127.0.0.1:9999/callback")

	g := oauth2.NewGoogleWebSignIn("", "", "")
	assert.Equal(t, "env-client-id", g.ClientId)
	assert.Equal(t, "env-client-secret", g.ClientSecret)
	assert.Equal(t, "http://127.0.0.1:9999/callback", g.CallbackURL)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/auth", g.Config().Endpoint.AuthURL)
}

func appleKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func appleIdentityToken(t *testing.T, sub, email, nonce string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "https://appleid.apple.com",
		"sub":   sub,
		"email": email,
		"nonce": nonce,
	})
	signed, err := token.SignedString([]byte("apple"))
	require.NoError(t, err)
	return signed
}

func TestAppleWebSignIn(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()
	ctx := context.Background()
	key, keyPEM := appleKey(t)

	nonceHash := multiauth.HashNonce("raw")
	mock.tokenResponse = map[string]any{
		"access_token": "mock_access_token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     appleIdentityToken(t, "apple-001", "relay@privaterelay.appleid.com", nonceHash),
	}

	anchor := &fakeAnchor{reply: func(u *url.URL) (url.Values, error) {
		return url.Values{
			"code":  {"mock_code"},
			"state": {u.Query().Get("state")},
			"user":  {`{"name":{"firstName":"Jane","lastName":"Appleseed"},"email":"jane@example.com"}`},
		}, nil
	}}

	apple, err := oauth2.NewAppleWebSignIn("com.example.app", "TEAM123", "KEY123", keyPEM, "http://127.0.0.1:8080/apple/callback", anchor)
	require.NoError(t, err)
	apple.SetEndpoint(mock.endpoint())
	apple.SetHTTPClient(mock.server.Client())

	auth, err := apple.PresentRequest(ctx, multiauth.AppleRequest{
		Scopes:    []multiauth.AppleScope{multiauth.AppleScopeFullName, multiauth.AppleScopeEmail},
		NonceHash: nonceHash,
	})
	require.NoError(t, err)
	assert.Equal(t, "apple-001", auth.User)
	assert.Equal(t, "jane@example.com", auth.Email)
	require.NotNil(t, auth.FullName)
	assert.Equal(t, "Jane", auth.FullName.GivenName)
	assert.Equal(t, "Appleseed", auth.FullName.FamilyName)
	assert.NotEmpty(t, auth.IdentityToken)

	q := anchor.lastAuthURL(t).Query()
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, nonceHash, q.Get("nonce"))
	assert.Equal(t, "name email", q.Get("scope"))

	// the client secret is an ES256 JWT signed with the team key
	secret := mock.lastTokenForm().Get("client_secret")
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(secret, &claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithAudience("https://appleid.apple.com"))
	require.NoError(t, err)
	assert.Equal(t, "KEY123", parsed.Header["kid"])
	assert.Equal(t, "TEAM123", claims.Issuer)
	assert.Equal(t, "com.example.app", claims.Subject)
}

func TestAppleWebSignInSubsequentAuthorization(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()
	_, keyPEM := appleKey(t)
	mock.tokenResponse["id_token"] = appleIdentityToken(t, "apple-001", "", "")

	apple, err := oauth2.NewAppleWebSignIn("com.example.app", "TEAM123", "KEY123", keyPEM, "http://127.0.0.1:8080/apple/callback", &fakeAnchor{})
	require.NoError(t, err)
	apple.SetEndpoint(mock.endpoint())
	apple.SetHTTPClient(mock.server.Client())

	auth, err := apple.PresentRequest(context.Background(), multiauth.AppleRequest{})
	require.NoError(t, err)
	assert.Nil(t, auth.FullName, "apple only shares the name once")
	assert.Equal(t, "apple-001", auth.User)
}

func TestAppleInvalidKey(t *testing.T) {
	_, err := oauth2.NewAppleWebSignIn("id", "team", "key", []byte("not a key"), "http://127.0.0.1/cb", nil)
	assert.Error(t, err)
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestLoopbackAnchor(t *testing.T) {
	addr := freeLoopbackAddr(t)
	callback := "http://" + addr + "/callback"

	t.Run("receives query redirect", func(t *testing.T) {
		anchor := oauth2.NewLoopbackAnchor(callback)
		anchor.OpenBrowser = func(authURL string) error {
			go func() {
				resp, err := http.Get(callback + "?code=abc&state=xyz")
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		}
		params, err := anchor.Present(context.Background(), "https://provider.example.com/auth")
		require.NoError(t, err)
		assert.Equal(t, "abc", params.Get("code"))
		assert.Equal(t, "xyz", params.Get("state"))
	})

	t.Run("receives form post", func(t *testing.T) {
		anchor := oauth2.NewLoopbackAnchor(callback)
		anchor.OpenBrowser = func(authURL string) error {
			go func() {
				resp, err := http.PostForm(callback, url.Values{"code": {"def"}, "state": {"uvw"}, "user": {`{"email":"a@b.com"}`}})
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		}
		params, err := anchor.Present(context.Background(), "https://appleid.apple.com/auth/authorize")
		require.NoError(t, err)
		assert.Equal(t, "def", params.Get("code"))
		assert.Equal(t, `{"email":"a@b.com"}`, params.Get("user"))
	})

	t.Run("times out", func(t *testing.T) {
		anchor := oauth2.NewLoopbackAnchor(callback)
		anchor.Timeout = 50 * time.Millisecond
		anchor.OpenBrowser = func(string) error { return nil }
		_, err := anchor.Present(context.Background(), "https://provider.example.com/auth")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("nil anchor", func(t *testing.T) {
		var anchor *oauth2.LoopbackAnchor
		_, err := anchor.Present(context.Background(), "https://provider.example.com/auth")
		assert.ErrorIs(t, err, oauth2.ErrNilAnchor)
	})

	t.Run("invalid callback", func(t *testing.T) {
		anchor := oauth2.NewLoopbackAnchor("not a url")
		_, err := anchor.Present(context.Background(), "https://provider.example.com/auth")
		assert.Error(t, err)
	})
}
