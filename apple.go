package multiauth

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"unicode/utf8"
)

const (
	appleFailedMessage      = "Sign in with Apple failed. If this problem persists, please contact us."
	appleUnavailableMessage = "Sign In with Apple unavailable. Please contact us if this issue persists."
)

// AppleController signs users in with Sign in with Apple.
//
// Every request carries the SHA-256 of a fresh random nonce while the raw
// nonce stays in the controller. The raw value is only revealed in the
// credential exchange, where the backend hashes it and compares the result
// with the nonce claim of Apple's identity token. A nonce is used once.
type AppleController struct {
	controller
	apple AppleSignIn

	nonceMu      sync.Mutex
	currentNonce string
}

// NewAppleController creates a controller for the "apple.com" provider
func NewAppleController(backend Backend, apple AppleSignIn, opts ...Option) *AppleController {
	out := &AppleController{apple: apple}
	out.random = rand.Reader
	out.init(out, ProviderApple, backend, opts)
	return out
}

// StartSignIn implements Authenticator
func (a *AppleController) StartSignIn(ctx context.Context, params SignInParams) error {
	switch params.(type) {
	case AppleSignInParams, *AppleSignInParams:
		a.StartSignInFlow(ctx)
		return nil
	}
	return ErrParamsMismatch
}

// StartSignInFlow requests the user's name and email from Apple
func (a *AppleController) StartSignInFlow(ctx context.Context) {
	a.metrics.signInStarted(a.provider)
	a.emitState(Authenticating)

	nonce, err := RandomNonce(a.random, DefaultNonceLength)
	if err != nil {
		a.failWithMessage(err, appleUnavailableMessage)
		return
	}
	a.setNonce(nonce)

	req := AppleRequest{
		Scopes:    []AppleScope{AppleScopeFullName, AppleScopeEmail},
		NonceHash: HashNonce(nonce),
	}
	a.goFlow(ctx, func(ctx context.Context) {
		auth, err := a.apple.PresentRequest(ctx, req)
		if err != nil {
			a.takeNonce()
			a.failWithMessage(err, appleFailedMessage)
			return
		}
		a.CompleteAuthorization(ctx, auth)
	})
}

// CompleteAuthorization finishes a flow once Apple has answered. A response
// that arrives without an outstanding request is a protocol violation.
func (a *AppleController) CompleteAuthorization(ctx context.Context, auth *AppleAuthorization) {
	nonce := a.takeNonce()
	if nonce == "" {
		a.logger.Error("received an apple authorization but no request was sent")
		a.fail(ProtocolViolation)
		return
	}
	if auth == nil || len(auth.IdentityToken) == 0 {
		a.fail(errors.Join(GenericAuthError, errors.New("unable to fetch identity token")))
		return
	}
	if !utf8.Valid(auth.IdentityToken) {
		a.fail(errors.Join(GenericAuthError, errors.New("unable to serialize identity token")))
		return
	}
	idToken := string(auth.IdentityToken)

	if auth.FullName != nil && auth.FullName.GivenName != "" {
		a.ChangeDisplayName(ctx, auth.FullName.GivenName)
	}

	a.setCredential(AppleCredential(idToken, nonce))
	a.SignIn(ctx)
}

func (a *AppleController) setNonce(nonce string) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	a.currentNonce = nonce
}

func (a *AppleController) takeNonce() string {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	nonce := a.currentNonce
	a.currentNonce = ""
	return nonce
}
