package multiauth

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapProviderCode(t *testing.T) {
	tests := []struct {
		code    int
		want    AuthError
		message string
	}{
		{17007, EmailInUse, "The email address you provided is already in use"},
		{17008, InvalidEmail, "Invalid email address"},
		{17009, InvalidPassword, "Incorrect password"},
		{17010, TooManyRequests, "Too many failed sign in requests. Please try again in 15 minutes"},
		{17011, UserNotFound, "User not found"},
		{17020, Connectivity, "Network connection error"},
		{17026, WeakPassword, "Password doesn't match current policy. Please try a stronger password"},
		{17034, EmailRequired, "An email address is required"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			got := MapProviderCode(tt.code)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.message, got.Message())
		})
	}
}

func TestMapProviderCodeUnmapped(t *testing.T) {
	for _, code := range []int{0, -1, 17004, 17006, 17999, 99999} {
		assert.Equal(t, GenericAuthError, MapProviderCode(code), "code %d", code)
	}
	assert.Equal(t, "Error signing in", GenericAuthError.Message())
}

func TestAuthErrorMessages(t *testing.T) {
	assert.Equal(t, "Please input your email address and password", MissingDetails.Message())
	assert.Equal(t, "A password is required", PasswordRequired.Message())
	assert.Equal(t, "Error signing out", SignOutError.Message())
	assert.Equal(t, "Check your email for a link to reset your password", PasswordReset.Message())
	assert.Equal(t, "Error signing in", AuthError(1000).Message())
	assert.Equal(t, "weak_password", WeakPassword.Name())
	assert.Equal(t, WeakPassword.Message(), WeakPassword.Error())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want AuthError
	}{
		{"nil", nil, GenericAuthError},
		{"auth error", EmailRequired, EmailRequired},
		{"wrapped auth error", fmt.Errorf("validate: %w", PasswordRequired), PasswordRequired},
		{"provider error", NewProviderError(CodeWrongPassword, "INVALID_PASSWORD"), InvalidPassword},
		{"wrapped provider error", fmt.Errorf("sign in: %w", NewProviderError(CodeEmailAlreadyInUse, "EMAIL_EXISTS")), EmailInUse},
		{"unmapped provider error", NewProviderError(CodeInvalidCredential, "INVALID_LOGIN_CREDENTIALS"), GenericAuthError},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, Connectivity},
		{"joined", errors.Join(GenericAuthError, errors.New("no token")), GenericAuthError},
		{"plain", errors.New("boom"), GenericAuthError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ProviderError{Code: CodeNetworkError, Reason: "NETWORK_ERROR", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "17020")
	assert.Contains(t, NewProviderError(CodeUserNotFound, "EMAIL_NOT_FOUND").Error(), "EMAIL_NOT_FOUND")
}
