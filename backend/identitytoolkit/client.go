// Package identitytoolkit implements multiauth.Backend on top of the Google
// Identity Toolkit v1 REST API (the API behind Firebase Authentication).
//
// Failures are reported as *multiauth.ProviderError carrying the numeric code
// the facade maps to an AuthError. Sign out is local: the session is dropped
// and listeners are told.
package identitytoolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/panyam/multiauth"
)

const DefaultEndpoint = "https://identitytoolkit.googleapis.com"

// Config configures a Client
type Config struct {
	APIKey string

	// Endpoint defaults to DefaultEndpoint
	Endpoint string

	// RequestURI is sent as requestUri with IdP sign ins. Defaults to http://localhost.
	RequestURI string

	HTTPClient *http.Client

	// Store persists the current session. Optional.
	Store multiauth.SessionStore

	Logger *slog.Logger
}

// Client is a multiauth.Backend talking to the Identity Toolkit REST API
type Client struct {
	cfg Config

	mu           sync.Mutex
	current      *multiauth.Session
	listeners    map[int]func(*multiauth.Session)
	nextListener int
}

// New creates a client. A session persisted in cfg.Store is restored.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("identitytoolkit: API key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.RequestURI == "" {
		cfg.RequestURI = "http://localhost"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:       cfg,
		listeners: make(map[int]func(*multiauth.Session)),
	}
	if cfg.Store != nil {
		session, err := cfg.Store.LoadSession()
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		c.current = session
	}
	return c, nil
}

// API error reasons and the provider codes they map to
var reasonCodes = map[string]int{
	"EMAIL_EXISTS":                multiauth.CodeEmailAlreadyInUse,
	"INVALID_EMAIL":               multiauth.CodeInvalidEmail,
	"INVALID_PASSWORD":            multiauth.CodeWrongPassword,
	"INVALID_LOGIN_CREDENTIALS":   multiauth.CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":        multiauth.CodeInvalidCredential,
	"TOO_MANY_ATTEMPTS_TRY_LATER": multiauth.CodeTooManyRequests,
	"EMAIL_NOT_FOUND":             multiauth.CodeUserNotFound,
	"USER_NOT_FOUND":              multiauth.CodeUserNotFound,
	"WEAK_PASSWORD":               multiauth.CodeWeakPassword,
	"MISSING_EMAIL":               multiauth.CodeMissingEmail,
	"OPERATION_NOT_ALLOWED":       multiauth.CodeOperationForbidden,
	"PASSWORD_LOGIN_DISABLED":     multiauth.CodeOperationForbidden,
}

// CodeForReason maps an API error message to a provider code. The API may
// append details after the reason, e.g. "WEAK_PASSWORD : Password should be
// at least 6 characters".
func CodeForReason(message string) int {
	reason, _, _ := strings.Cut(message, " ")
	reason = strings.TrimSpace(reason)
	if code, ok := reasonCodes[reason]; ok {
		return code
	}
	return multiauth.CodeInternalError
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// accountResponse is the subset of the signUp / signIn* / update responses used
type accountResponse struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
	IDToken     string `json:"idToken"`
	ProviderID  string `json:"providerId"`
	FirstName   string `json:"firstName"`
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/v1/accounts:%s?key=%s", c.cfg.Endpoint, method, url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		// transport failures, including timeouts, surface as connectivity errors
		return &multiauth.ProviderError{Code: multiauth.CodeNetworkError, Reason: "NETWORK_ERROR", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &multiauth.ProviderError{Code: multiauth.CodeNetworkError, Reason: "NETWORK_ERROR", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Message == "" {
			return &multiauth.ProviderError{
				Code:   multiauth.CodeInternalError,
				Reason: fmt.Sprintf("HTTP %d", resp.StatusCode),
			}
		}
		return multiauth.NewProviderError(CodeForReason(apiErr.Error.Message), apiErr.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", method, err)
		}
	}
	return nil
}

// CreateUser implements multiauth.Backend
func (c *Client) CreateUser(ctx context.Context, email, password string) (*multiauth.Session, error) {
	var resp accountResponse
	err := c.call(ctx, "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.signedIn(&resp, multiauth.ProviderPassword), nil
}

// SignIn implements multiauth.Backend
func (c *Client) SignIn(ctx context.Context, cred *multiauth.Credential) (*multiauth.Session, error) {
	if cred == nil {
		return nil, multiauth.NewProviderError(multiauth.CodeInvalidCredential, "INVALID_CREDENTIAL")
	}

	var resp accountResponse
	var err error
	switch cred.ProviderID {
	case multiauth.ProviderPassword:
		err = c.call(ctx, "signInWithPassword", map[string]any{
			"email":             cred.Email,
			"password":          cred.Password,
			"returnSecureToken": true,
		}, &resp)
	case multiauth.ProviderGoogle, multiauth.ProviderApple:
		err = c.call(ctx, "signInWithIdp", map[string]any{
			"postBody":            idpPostBody(cred),
			"requestUri":          c.cfg.RequestURI,
			"returnSecureToken":   true,
			"returnIdpCredential": true,
		}, &resp)
	default:
		return nil, multiauth.NewProviderError(multiauth.CodeOperationForbidden, "OPERATION_NOT_ALLOWED")
	}
	if err != nil {
		return nil, err
	}
	if resp.DisplayName == "" {
		resp.DisplayName = resp.FirstName
	}
	return c.signedIn(&resp, cred.ProviderID), nil
}

// idpPostBody encodes a federated credential the way signInWithIdp expects
func idpPostBody(cred *multiauth.Credential) string {
	v := url.Values{}
	v.Set("id_token", cred.IDToken)
	v.Set("providerId", string(cred.ProviderID))
	if cred.AccessToken != "" {
		v.Set("access_token", cred.AccessToken)
	}
	if cred.RawNonce != "" {
		v.Set("nonce", cred.RawNonce)
	}
	return v.Encode()
}

func (c *Client) signedIn(resp *accountResponse, provider multiauth.ProviderID) *multiauth.Session {
	session := &multiauth.Session{
		UserID:      resp.LocalID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoURL,
		ProviderID:  provider,
		IDToken:     resp.IDToken,
	}
	c.setSession(session)
	c.cfg.Logger.Info("signed in", "user_id", session.UserID, "provider", string(provider))
	return session.Clone()
}

func (c *Client) setSession(s *multiauth.Session) {
	c.mu.Lock()
	c.current = s.Clone()
	if c.cfg.Store != nil {
		var err error
		if s == nil {
			err = c.cfg.Store.ClearSession()
		} else {
			err = c.cfg.Store.SaveSession(s)
		}
		if err != nil {
			c.cfg.Logger.Warn("failed to persist session", "error", err)
		}
	}
	listeners := make([]func(*multiauth.Session), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(s.Clone())
	}
}

// SignOut implements multiauth.Backend
func (c *Client) SignOut(ctx context.Context) error {
	c.setSession(nil)
	return nil
}

// SendPasswordReset implements multiauth.Backend
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.call(ctx, "sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// CurrentSession implements multiauth.Backend
func (c *Client) CurrentSession() *multiauth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// UpdateProfile implements multiauth.Backend
func (c *Client) UpdateProfile(ctx context.Context, change multiauth.ProfileChange) error {
	current := c.CurrentSession()
	if current == nil {
		return multiauth.ErrNoSession
	}

	body := map[string]any{
		"idToken":           current.IDToken,
		"returnSecureToken": false,
	}
	if change.DisplayName != nil {
		body["displayName"] = *change.DisplayName
	}
	if change.PhotoURL != nil {
		body["photoUrl"] = *change.PhotoURL
	}
	var resp accountResponse
	if err := c.call(ctx, "update", body, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.UserID != current.UserID {
		return nil
	}
	if change.DisplayName != nil {
		c.current.DisplayName = *change.DisplayName
	}
	if change.PhotoURL != nil {
		c.current.PhotoURL = *change.PhotoURL
	}
	if c.cfg.Store != nil {
		if err := c.cfg.Store.SaveSession(c.current); err != nil {
			c.cfg.Logger.Warn("failed to persist session", "error", err)
		}
	}
	return nil
}

// Subscribe implements multiauth.Backend
func (c *Client) Subscribe(fn func(*multiauth.Session)) (cancel func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}
