// Package memory provides an in-process identity backend for multiauth.
//
// It keeps accounts in memory, hashes passwords with bcrypt and issues
// HS256 session tokens. It is meant for development, demos and tests. Apple
// identity tokens are decoded without checking their signatures; the nonce
// claim must equal the SHA-256 of the raw nonce presented with the
// credential. Google identity tokens are validated against Google's keys
// only when Config.GoogleAudience is set.
package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/panyam/multiauth"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

// Op names a backend operation, used for failure injection and call counts
type Op string

const (
	OpSignIn            Op = "sign_in"
	OpSignOut           Op = "sign_out"
	OpCreateUser        Op = "create_user"
	OpSendPasswordReset Op = "send_password_reset"
	OpUpdateProfile     Op = "update_profile"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Config configures a Backend
type Config struct {
	// SessionSecret signs session tokens. A random secret is used when empty.
	SessionSecret []byte

	// SessionTTL is the lifetime of issued session tokens (defaults to 1 hour)
	SessionTTL time.Duration

	// MinPasswordLength defaults to 6
	MinPasswordLength int

	// Store persists the current session. Optional.
	Store multiauth.SessionStore

	// Accounts persists accounts across runs. Optional.
	Accounts AccountStore

	// BcryptCost defaults to bcrypt.DefaultCost
	BcryptCost int

	Logger *slog.Logger

	// GoogleAudience is the OAuth client id Google identity tokens must be
	// issued for. Empty skips validation.
	GoogleAudience string

	// GoogleValidator defaults to idtoken.Validate
	GoogleValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

// Account is a user record held by the backend
type Account struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	PasswordHash []byte `json:"password_hash,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
	// Subjects are the provider:subject keys of linked federated identities
	Subjects  []string  `json:"subjects,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountStore persists accounts
type AccountStore interface {
	LoadAccounts() ([]*Account, error)
	SaveAccount(acct *Account) error
}

// Backend is an in-memory multiauth.Backend
type Backend struct {
	cfg Config

	mu           sync.Mutex
	accounts     map[string]*Account // by user id
	byEmail      map[string]string
	bySubject    map[string]string // provider:subject -> user id
	current      *multiauth.Session
	listeners    map[int]func(*multiauth.Session)
	nextListener int
	failures     map[Op][]error
	calls        map[Op]int
	resets       []string
}

// New creates a backend. A session persisted in cfg.Store is restored.
func New(cfg Config) (*Backend, error) {
	if len(cfg.SessionSecret) == 0 {
		cfg.SessionSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.SessionSecret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.MinPasswordLength == 0 {
		cfg.MinPasswordLength = 6
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GoogleValidator == nil {
		cfg.GoogleValidator = idtoken.Validate
	}

	b := &Backend{
		cfg:       cfg,
		accounts:  make(map[string]*Account),
		byEmail:   make(map[string]string),
		bySubject: make(map[string]string),
		listeners: make(map[int]func(*multiauth.Session)),
		failures:  make(map[Op][]error),
		calls:     make(map[Op]int),
	}

	if cfg.Accounts != nil {
		accounts, err := cfg.Accounts.LoadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		for _, acct := range accounts {
			b.indexLocked(acct)
		}
		cfg.Logger.Debug("loaded accounts", "count", len(accounts))
	}

	if cfg.Store != nil {
		session, err := cfg.Store.LoadSession()
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if session != nil {
			b.restoreLocked(session)
		}
	}
	return b, nil
}

// Restore installs session as the current one without notifying listeners,
// as if it had been persisted by a previous run
func (b *Backend) Restore(session *multiauth.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restoreLocked(session)
}

func (b *Backend) restoreLocked(session *multiauth.Session) {
	s := session.Clone()
	if _, ok := b.accounts[s.UserID]; !ok {
		b.accounts[s.UserID] = &Account{
			UserID:      s.UserID,
			Email:       s.Email,
			DisplayName: s.DisplayName,
			PhotoURL:    s.PhotoURL,
		}
		if s.Email != "" {
			b.byEmail[strings.ToLower(s.Email)] = s.UserID
		}
	}
	b.current = s
}

func (b *Backend) indexLocked(acct *Account) {
	b.accounts[acct.UserID] = acct
	if len(acct.PasswordHash) > 0 && acct.Email != "" {
		b.byEmail[strings.ToLower(acct.Email)] = acct.UserID
	}
	for _, key := range acct.Subjects {
		b.bySubject[key] = acct.UserID
	}
}

// saveLocked writes acct through to the account store. Caller must hold b.mu.
func (b *Backend) saveLocked(acct *Account) {
	acct.UpdatedAt = time.Now()
	if b.cfg.Accounts == nil {
		return
	}
	if err := b.cfg.Accounts.SaveAccount(acct); err != nil {
		b.cfg.Logger.Warn("failed to persist account", "user_id", acct.UserID, "error", err)
	}
}

// AddUser creates a password account without signing it in
func (b *Backend) AddUser(email, password, displayName string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.ToLower(email)
	if _, exists := b.byEmail[key]; exists {
		return "", multiauth.NewProviderError(multiauth.CodeEmailAlreadyInUse, "EMAIL_EXISTS")
	}
	acct := &Account{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		CreatedAt:    time.Now(),
	}
	b.indexLocked(acct)
	b.saveLocked(acct)
	return acct.UserID, nil
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (b *Backend) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// Calls returns how many times op has been invoked
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// PasswordResets returns the emails a reset was sent to
func (b *Backend) PasswordResets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.resets...)
}

// begin counts the call and pops an injected failure. Caller must hold b.mu.
func (b *Backend) beginLocked(op Op) error {
	b.calls[op]++
	if queue := b.failures[op]; len(queue) > 0 {
		err := queue[0]
		b.failures[op] = queue[1:]
		return err
	}
	return nil
}

// CurrentSession implements multiauth.Backend
func (b *Backend) CurrentSession() *multiauth.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Clone()
}

// Subscribe implements multiauth.Backend
func (b *Backend) Subscribe(fn func(*multiauth.Session)) (cancel func()) {
	b.mu.Lock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// setSessionLocked installs the new session and returns the listeners to
// notify once the lock is released
func (b *Backend) setSessionLocked(s *multiauth.Session) []func(*multiauth.Session) {
	b.current = s
	if b.cfg.Store != nil {
		var err error
		if s == nil {
			err = b.cfg.Store.ClearSession()
		} else {
			err = b.cfg.Store.SaveSession(s)
		}
		if err != nil {
			b.cfg.Logger.Warn("failed to persist session", "error", err)
		}
	}
	out := make([]func(*multiauth.Session), 0, len(b.listeners))
	for _, l := range b.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []func(*multiauth.Session), s *multiauth.Session) {
	for _, l := range listeners {
		l(s.Clone())
	}
}

// CreateUser implements multiauth.Backend. The new user is signed in.
func (b *Backend) CreateUser(ctx context.Context, email, password string) (*multiauth.Session, error) {
	b.mu.Lock()
	if err := b.beginLocked(OpCreateUser); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	switch {
	case email == "":
		return nil, multiauth.NewProviderError(multiauth.CodeMissingEmail, "MISSING_EMAIL")
	case !emailRegex.MatchString(email):
		return nil, multiauth.NewProviderError(multiauth.CodeInvalidEmail, "INVALID_EMAIL")
	case len(password) < b.cfg.MinPasswordLength:
		return nil, multiauth.NewProviderError(multiauth.CodeWeakPassword, "WEAK_PASSWORD")
	}

	userID, err := b.AddUser(email, password, "")
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	session, err := b.sessionForLocked(b.accounts[userID], multiauth.ProviderPassword)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	listeners := b.setSessionLocked(session)
	b.mu.Unlock()

	b.cfg.Logger.Info("created user", "user_id", userID)
	notify(listeners, session)
	return session.Clone(), nil
}

// SignIn implements multiauth.Backend
func (b *Backend) SignIn(ctx context.Context, cred *multiauth.Credential) (*multiauth.Session, error) {
	if cred == nil {
		return nil, multiauth.NewProviderError(multiauth.CodeInvalidCredential, "INVALID_CREDENTIAL")
	}

	b.mu.Lock()
	if err := b.beginLocked(OpSignIn); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	var acct *Account
	var err error
	switch cred.ProviderID {
	case multiauth.ProviderPassword:
		acct, err = b.passwordAccount(cred.Email, cred.Password)
	case multiauth.ProviderGoogle:
		if err = b.validateGoogleToken(ctx, cred.IDToken); err == nil {
			acct, err = b.federatedAccount(cred, "")
		}
	case multiauth.ProviderApple:
		if cred.RawNonce == "" {
			return nil, multiauth.NewProviderError(multiauth.CodeInvalidCredential, "MISSING_NONCE")
		}
		acct, err = b.federatedAccount(cred, multiauth.HashNonce(cred.RawNonce))
	default:
		return nil, multiauth.NewProviderError(multiauth.CodeOperationForbidden, "OPERATION_NOT_ALLOWED")
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	session, err := b.sessionForLocked(acct, cred.ProviderID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	listeners := b.setSessionLocked(session)
	b.mu.Unlock()

	b.cfg.Logger.Info("signed in", "user_id", acct.UserID, "provider", string(cred.ProviderID))
	notify(listeners, session)
	return session.Clone(), nil
}

func (b *Backend) passwordAccount(email, password string) (*Account, error) {
	if email == "" {
		return nil, multiauth.NewProviderError(multiauth.CodeMissingEmail, "MISSING_EMAIL")
	}
	b.mu.Lock()
	userID, ok := b.byEmail[strings.ToLower(email)]
	var acct *Account
	if ok {
		acct = b.accounts[userID]
	}
	b.mu.Unlock()

	if acct == nil {
		return nil, multiauth.NewProviderError(multiauth.CodeUserNotFound, "EMAIL_NOT_FOUND")
	}
	if len(acct.PasswordHash) == 0 {
		return nil, multiauth.NewProviderError(multiauth.CodeWrongPassword, "INVALID_PASSWORD")
	}
	if err := bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)); err != nil {
		return nil, multiauth.NewProviderError(multiauth.CodeWrongPassword, "INVALID_PASSWORD")
	}
	return acct, nil
}

func (b *Backend) validateGoogleToken(ctx context.Context, token string) error {
	if b.cfg.GoogleAudience == "" {
		return nil
	}
	payload, err := b.cfg.GoogleValidator(ctx, token, b.cfg.GoogleAudience)
	if err != nil {
		return &multiauth.ProviderError{Code: multiauth.CodeInvalidCredential, Reason: "INVALID_IDP_RESPONSE", Err: err}
	}
	b.cfg.Logger.Debug("validated google identity token", "subject", payload.Subject)
	return nil
}

// identityClaims are the claims read from Google and Apple identity tokens
type identityClaims struct {
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	Picture    string `json:"picture,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// federatedAccount finds or creates the account for an identity token. When
// nonceHash is set the token's nonce claim must match it.
func (b *Backend) federatedAccount(cred *multiauth.Credential, nonceHash string) (*Account, error) {
	var claims identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(cred.IDToken, &claims); err != nil {
		return nil, &multiauth.ProviderError{Code: multiauth.CodeInvalidCredential, Reason: "INVALID_IDP_RESPONSE", Err: err}
	}
	if claims.Subject == "" {
		return nil, multiauth.NewProviderError(multiauth.CodeInvalidCredential, "INVALID_IDP_RESPONSE")
	}
	if nonceHash != "" && claims.Nonce != nonceHash {
		return nil, multiauth.NewProviderError(multiauth.CodeInvalidCredential, "INVALID_NONCE")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := string(cred.ProviderID) + ":" + claims.Subject
	if userID, ok := b.bySubject[key]; ok {
		return b.accounts[userID], nil
	}

	acct := &Account{
		UserID:    uuid.NewString(),
		Email:     claims.Email,
		PhotoURL:  claims.Picture,
		Subjects:  []string{key},
		CreatedAt: time.Now(),
	}
	acct.DisplayName = claims.Name
	if acct.DisplayName == "" {
		acct.DisplayName = claims.GivenName
	}
	b.indexLocked(acct)
	b.saveLocked(acct)
	return acct, nil
}

type sessionClaims struct {
	Email    string `json:"email,omitempty"`
	Provider string `json:"firebase_sign_in_provider"`
	jwt.RegisteredClaims
}

// sessionForLocked mints a session token for acct. Caller must hold b.mu.
func (b *Backend) sessionForLocked(acct *Account, provider multiauth.ProviderID) (*multiauth.Session, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Email:    acct.Email,
		Provider: string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.cfg.SessionTTL)),
		},
	})
	signed, err := token.SignedString(b.cfg.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return &multiauth.Session{
		UserID:      acct.UserID,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		PhotoURL:    acct.PhotoURL,
		ProviderID:  provider,
		IDToken:     signed,
	}, nil
}

// VerifySession checks a session token issued by this backend and returns its user id
func (b *Backend) VerifySession(idToken string) (string, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(idToken, &claims, func(t *jwt.Token) (any, error) {
		return b.cfg.SessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	return claims.Subject, nil
}

// SignOut implements multiauth.Backend
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	if err := b.beginLocked(OpSignOut); err != nil {
		b.mu.Unlock()
		return err
	}
	listeners := b.setSessionLocked(nil)
	b.mu.Unlock()

	notify(listeners, nil)
	return nil
}

// SendPasswordReset implements multiauth.Backend
func (b *Backend) SendPasswordReset(ctx context.Context, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.beginLocked(OpSendPasswordReset); err != nil {
		return err
	}
	switch {
	case email == "":
		return multiauth.NewProviderError(multiauth.CodeMissingEmail, "MISSING_EMAIL")
	case !emailRegex.MatchString(email):
		return multiauth.NewProviderError(multiauth.CodeInvalidEmail, "INVALID_EMAIL")
	}
	if _, ok := b.byEmail[strings.ToLower(email)]; !ok {
		return multiauth.NewProviderError(multiauth.CodeUserNotFound, "EMAIL_NOT_FOUND")
	}
	b.resets = append(b.resets, email)
	b.cfg.Logger.Info("password reset requested", "email", email)
	return nil
}

// UpdateProfile implements multiauth.Backend. Listeners are not notified.
func (b *Backend) UpdateProfile(ctx context.Context, change multiauth.ProfileChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.beginLocked(OpUpdateProfile); err != nil {
		return err
	}
	if b.current == nil {
		return multiauth.ErrNoSession
	}
	acct := b.accounts[b.current.UserID]
	if change.DisplayName != nil {
		b.current.DisplayName = *change.DisplayName
		if acct != nil {
			acct.DisplayName = *change.DisplayName
		}
	}
	if change.PhotoURL != nil {
		b.current.PhotoURL = *change.PhotoURL
		if acct != nil {
			acct.PhotoURL = *change.PhotoURL
		}
	}
	if acct != nil {
		b.saveLocked(acct)
	}
	if b.cfg.Store != nil {
		if err := b.cfg.Store.SaveSession(b.current); err != nil {
			b.cfg.Logger.Warn("failed to persist session", "error", err)
		}
	}
	return nil
}
