package multiauth_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panyam/multiauth"
	"github.com/panyam/multiauth/backend/memory"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newBackend(t *testing.T) *memory.Backend {
	t.Helper()
	b, err := memory.New(memory.Config{
		SessionSecret:     []byte("test-secret"),
		MinPasswordLength: 3,
		BcryptCost:        bcrypt.MinCost,
	})
	require.NoError(t, err)
	return b
}

type event struct {
	Kind    string
	State   multiauth.AuthState
	Profile multiauth.Profile
	Err     error
	Message string
}

// recordingDelegate keeps every callback in arrival order
type recordingDelegate struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingDelegate) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingDelegate) StateChanged(src multiauth.Authenticator, state multiauth.AuthState) {
	r.add(event{Kind: "state", State: state})
}

func (r *recordingDelegate) UserUpdated(src multiauth.Authenticator, user multiauth.Profile) {
	r.add(event{Kind: "user", Profile: user})
}

func (r *recordingDelegate) Failed(src multiauth.Authenticator, err error) {
	r.add(event{Kind: "error", Err: err})
}

func (r *recordingDelegate) FailedWithMessage(src multiauth.Authenticator, message string) {
	r.add(event{Kind: "message", Message: message})
}

func (r *recordingDelegate) Noticed(src multiauth.Authenticator, message string) {
	r.add(event{Kind: "notice", Message: message})
}

func (r *recordingDelegate) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recordingDelegate) states() []multiauth.AuthState {
	var out []multiauth.AuthState
	for _, e := range r.all() {
		if e.Kind == "state" {
			out = append(out, e.State)
		}
	}
	return out
}

func (r *recordingDelegate) lastState() multiauth.AuthState {
	states := r.states()
	if len(states) == 0 {
		return multiauth.Unauthenticated
	}
	return states[len(states)-1]
}

func (r *recordingDelegate) ofKind(kind string) []event {
	var out []event
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// failures returns the error and message callbacks
func (r *recordingDelegate) failures() []event {
	var out []event
	for _, e := range r.all() {
		if e.Kind == "error" || e.Kind == "message" {
			out = append(out, e)
		}
	}
	return out
}

// lastUser returns the most recent profile reported
func (r *recordingDelegate) lastUser() multiauth.Profile {
	users := r.ofKind("user")
	if len(users) == 0 {
		return multiauth.Profile{}
	}
	return users[len(users)-1].Profile
}

type waiter interface{ Wait() }

// fakeFetcher serves the same picture for every url
type fakeFetcher struct {
	mu   sync.Mutex
	data []byte
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, rawURL)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

// fakeGoogle returns canned tokens and profile
type fakeGoogle struct {
	mu       sync.Mutex
	tokens   *multiauth.TokenPair
	err      error
	user     *multiauth.GoogleUser
	signedIn *multiauth.GoogleUser
	signOuts int
}

func (g *fakeGoogle) PresentSignIn(ctx context.Context, anchor multiauth.Anchor) (*multiauth.TokenPair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.signedIn = g.user
	return g.tokens, nil
}

func (g *fakeGoogle) CurrentUser() *multiauth.GoogleUser {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signedIn
}

func (g *fakeGoogle) SignOut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signedIn = nil
	g.signOuts++
}

// fakeApple answers requests with an identity token carrying the request's nonce hash
type fakeApple struct {
	t *testing.T

	mu       sync.Mutex
	requests []multiauth.AppleRequest
	err      error
	name     *multiauth.PersonName
	// nonceOverride replaces the nonce claim when set
	nonceOverride string
	token         []byte
}

func (a *fakeApple) PresentRequest(ctx context.Context, req multiauth.AppleRequest) (*multiauth.AppleAuthorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	token := a.token
	if token == nil {
		nonce := req.NonceHash
		if a.nonceOverride != "" {
			nonce = a.nonceOverride
		}
		token = []byte(identityToken(a.t, "apple-001", "jane@privaterelay.appleid.com", nonce))
	}
	return &multiauth.AppleAuthorization{
		User:          "apple-001",
		IdentityToken: token,
		FullName:      a.name,
		Email:         "jane@privaterelay.appleid.com",
	}, nil
}

func (a *fakeApple) lastRequest() multiauth.AppleRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return multiauth.AppleRequest{}
	}
	return a.requests[len(a.requests)-1]
}

func identityToken(t *testing.T, sub, email, nonce string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "email": email}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("provider"))
	require.NoError(t, err)
	return signed
}

// nopAnchor is never presented on by the fakes
type nopAnchor struct{}

func (nopAnchor) Present(ctx context.Context, authURL string) (url.Values, error) {
	return nil, errors.New("not presentable")
}
