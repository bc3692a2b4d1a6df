package multiauth

import (
	"errors"
	"fmt"
	"net"
)

// AuthError is the closed set of failures shown to the user
type AuthError int

const (
	GenericAuthError AuthError = iota
	EmailInUse
	InvalidEmail
	InvalidPassword
	TooManyRequests
	UserNotFound
	Connectivity
	WeakPassword
	EmailRequired
	MissingDetails
	PasswordRequired
	SignOutError
	PasswordReset
	ProtocolViolation
)

var authErrorMessages = map[AuthError]string{
	GenericAuthError:  "Error signing in",
	EmailInUse:        "The email address you provided is already in use",
	InvalidEmail:      "Invalid email address",
	InvalidPassword:   "Incorrect password",
	TooManyRequests:   "Too many failed sign in requests. Please try again in 15 minutes",
	UserNotFound:      "User not found",
	Connectivity:      "Network connection error",
	WeakPassword:      "Password doesn't match current policy. Please try a stronger password",
	EmailRequired:     "An email address is required",
	MissingDetails:    "Please input your email address and password",
	PasswordRequired:  "A password is required",
	SignOutError:      "Error signing out",
	PasswordReset:     "Check your email for a link to reset your password",
	ProtocolViolation: "Sign in with Apple failed. If this problem persists, please contact us.",
}

var authErrorNames = map[AuthError]string{
	GenericAuthError:  "auth_error",
	EmailInUse:        "email_in_use",
	InvalidEmail:      "invalid_email",
	InvalidPassword:   "invalid_password",
	TooManyRequests:   "too_many_requests",
	UserNotFound:      "user_not_found",
	Connectivity:      "connectivity",
	WeakPassword:      "weak_password",
	EmailRequired:     "email_required",
	MissingDetails:    "missing_details",
	PasswordRequired:  "password_required",
	SignOutError:      "sign_out_error",
	PasswordReset:     "password_reset",
	ProtocolViolation: "protocol_violation",
}

// Message returns the user facing text for the error
func (e AuthError) Message() string {
	if msg, ok := authErrorMessages[e]; ok {
		return msg
	}
	return authErrorMessages[GenericAuthError]
}

// Name returns a stable snake_case identifier, used for logs and metric labels
func (e AuthError) Name() string {
	if name, ok := authErrorNames[e]; ok {
		return name
	}
	return authErrorNames[GenericAuthError]
}

func (e AuthError) Error() string {
	return e.Message()
}

func (e AuthError) String() string {
	return e.Name()
}

// Provider error codes reported by the identity backend
const (
	CodeEmailAlreadyInUse  = 17007
	CodeInvalidEmail       = 17008
	CodeWrongPassword      = 17009
	CodeTooManyRequests    = 17010
	CodeUserNotFound       = 17011
	CodeNetworkError       = 17020
	CodeWeakPassword       = 17026
	CodeMissingEmail       = 17034
	CodeInternalError      = 17999
	CodeInvalidCredential  = 17004
	CodeOperationForbidden = 17006
)

var providerCodes = map[int]AuthError{
	CodeEmailAlreadyInUse: EmailInUse,
	CodeInvalidEmail:      InvalidEmail,
	CodeWrongPassword:     InvalidPassword,
	CodeTooManyRequests:   TooManyRequests,
	CodeUserNotFound:      UserNotFound,
	CodeNetworkError:      Connectivity,
	CodeWeakPassword:      WeakPassword,
	CodeMissingEmail:      EmailRequired,
}

// MapProviderCode translates a backend error code. Unmapped codes become GenericAuthError.
func MapProviderCode(code int) AuthError {
	if err, ok := providerCodes[code]; ok {
		return err
	}
	return GenericAuthError
}

// ProviderError is an error reported by an identity backend or provider,
// carrying the backend's numeric code
type ProviderError struct {
	Code   int
	Reason string
	Err    error
}

// NewProviderError creates a ProviderError with a code and the backend's reason text
func NewProviderError(code int, reason string) *ProviderError {
	return &ProviderError{Code: code, Reason: reason}
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider error %d (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider error %d (%s)", e.Code, e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyError maps any error reported by a controller into the AuthError taxonomy
func ClassifyError(err error) AuthError {
	if err == nil {
		return GenericAuthError
	}
	var authErr AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return MapProviderCode(providerErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Connectivity
	}
	return GenericAuthError
}

var (
	ErrNoController    = errors.New("no authenticator selected")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrParamsMismatch  = errors.New("sign in parameters do not match provider")
	ErrNoSession       = errors.New("no signed in session")
)
