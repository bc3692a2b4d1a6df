package multiauth

import (
	"context"
	"fmt"
	"net/url"
)

// Authenticator is the contract every provider specific controller implements.
// The facade only talks to controllers through this interface, so adding a
// provider means implementing it and registering a constructor.
type Authenticator interface {
	// Provider returns the id of the identity provider this controller drives
	Provider() ProviderID

	// StartSignIn begins the provider's sign in flow. Returns ErrParamsMismatch
	// if params belong to a different provider.
	StartSignIn(ctx context.Context, params SignInParams) error

	// SignIn exchanges the credential held by the controller for a session
	SignIn(ctx context.Context)

	// SignOut ends the current session
	SignOut(ctx context.Context)

	// Configure reconciles the controller with a backend session (nil when signed out)
	Configure(ctx context.Context, session *Session)

	ChangeDisplayName(ctx context.Context, name string)
	ChangeProfilePictureURL(ctx context.Context, rawURL string)
	ChangeProfilePictureData(data []byte)

	SetDelegate(d Delegate)
	Delegate() Delegate

	// User returns the profile owned by this controller
	User() *UserProfile

	// Close detaches the controller from backend notifications
	Close()
}

// Delegate receives everything a controller reports. These callbacks are the
// only way a controller communicates upward. On a failed sign in the
// StateChanged(Unauthenticated) call always comes before the error.
type Delegate interface {
	StateChanged(src Authenticator, state AuthState)
	UserUpdated(src Authenticator, user Profile)
	// Failed reports a structured error, usually wrapping a *ProviderError
	Failed(src Authenticator, err error)
	FailedWithMessage(src Authenticator, message string)
	// Noticed reports informational messages such as a sent password reset
	Noticed(src Authenticator, message string)
}

// SignInParams are the provider specific inputs to StartSignIn
type SignInParams interface {
	Provider() ProviderID
}

// EmailSignIn starts an email/password flow
type EmailSignIn struct {
	Email       string
	Password    string
	DisplayName string
	IsNewUser   bool
}

func (EmailSignIn) Provider() ProviderID { return ProviderPassword }

// GoogleSignInParams starts a Google flow presented on Anchor
type GoogleSignInParams struct {
	Anchor Anchor
}

func (GoogleSignInParams) Provider() ProviderID { return ProviderGoogle }

// AppleSignInParams starts a Sign in with Apple flow
type AppleSignInParams struct{}

func (AppleSignInParams) Provider() ProviderID { return ProviderApple }

// Credential is the token bundle a controller exchanges with the backend.
// Only the fields relevant to ProviderID are set.
type Credential struct {
	ProviderID  ProviderID
	IDToken     string
	AccessToken string
	RawNonce    string
	Email       string
	Password    string
}

// EmailCredential wraps an email and password
func EmailCredential(email, password string) *Credential {
	return &Credential{ProviderID: ProviderPassword, Email: email, Password: password}
}

// GoogleCredential wraps the token pair returned by Google sign in
func GoogleCredential(idToken, accessToken string) *Credential {
	return &Credential{ProviderID: ProviderGoogle, IDToken: idToken, AccessToken: accessToken}
}

// AppleCredential wraps an Apple identity token and the unhashed nonce
// whose hash was sent with the authorization request
func AppleCredential(idToken, rawNonce string) *Credential {
	return &Credential{ProviderID: ProviderApple, IDToken: idToken, RawNonce: rawNonce}
}

// String never includes secrets
func (c *Credential) String() string {
	return fmt.Sprintf("Credential{provider=%s, id_token=%t, access_token=%t, nonce=%t, email=%q}",
		c.ProviderID, c.IDToken != "", c.AccessToken != "", c.RawNonce != "", c.Email)
}

// Session is the identity backend's view of the signed in principal
type Session struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	ProviderID  ProviderID `json:"provider_id"`
	IDToken     string     `json:"id_token,omitempty"`
}

// Clone returns a copy so callers can't mutate backend state
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// ProfileChange describes a profile update. Nil fields are left untouched.
type ProfileChange struct {
	DisplayName *string
	PhotoURL    *string
}

// Backend is the identity service sessions are established with
type Backend interface {
	SignIn(ctx context.Context, cred *Credential) (*Session, error)
	SignOut(ctx context.Context) error
	CreateUser(ctx context.Context, email, password string) (*Session, error)
	SendPasswordReset(ctx context.Context, email string) error

	// CurrentSession returns the signed in session or nil
	CurrentSession() *Session

	// UpdateProfile changes the current session's profile. Returns ErrNoSession when signed out.
	UpdateProfile(ctx context.Context, change ProfileChange) error

	// Subscribe registers fn to be called whenever the session signs in or out.
	// The returned func removes the listener.
	Subscribe(fn func(*Session)) (cancel func())
}

// Fetcher downloads profile pictures
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Anchor presents an authorization URL to the user and returns the
// parameters the provider redirected back with
type Anchor interface {
	Present(ctx context.Context, authURL string) (url.Values, error)
}

// TokenPair is what a successful Google sign in yields
type TokenPair struct {
	IDToken     string
	AccessToken string
}

// GoogleUser is the profile Google reports for the signed in account
type GoogleUser struct {
	Subject   string
	Email     string
	GivenName string
	// AvatarURL points at a high resolution rendition of the profile image
	AvatarURL string
}

// GoogleSignIn is the Google OAuth collaborator
type GoogleSignIn interface {
	PresentSignIn(ctx context.Context, anchor Anchor) (*TokenPair, error)
	// CurrentUser returns the profile of the last signed in Google account or nil
	CurrentUser() *GoogleUser
	SignOut()
}

// AppleScope is a piece of user data requested from Apple
type AppleScope string

const (
	AppleScopeFullName AppleScope = "name"
	AppleScopeEmail    AppleScope = "email"
)

// AppleRequest is an authorization request. NonceHash is HashNonce of the
// raw nonce the controller keeps for the credential exchange.
type AppleRequest struct {
	Scopes    []AppleScope
	NonceHash string
}

// PersonName is the name Apple shares on the first authorization only
type PersonName struct {
	GivenName  string `json:"firstName,omitempty"`
	FamilyName string `json:"lastName,omitempty"`
}

// AppleAuthorization is the result of a completed Apple request
type AppleAuthorization struct {
	User          string
	IdentityToken []byte
	FullName      *PersonName
	Email         string
}

// AppleSignIn is the Sign in with Apple collaborator
type AppleSignIn interface {
	PresentRequest(ctx context.Context, req AppleRequest) (*AppleAuthorization, error)
}
