package multiauth

import (
	"context"
	"strings"
	"sync"
)

// EmailController signs users in with an email address and password
type EmailController struct {
	controller

	pendingMu   sync.Mutex
	pendingName string
}

// NewEmailController creates a controller for the "password" provider
func NewEmailController(backend Backend, opts ...Option) *EmailController {
	out := &EmailController{}
	out.init(out, ProviderPassword, backend, opts)
	return out
}

// StartSignIn implements Authenticator
func (e *EmailController) StartSignIn(ctx context.Context, params SignInParams) error {
	p, ok := params.(EmailSignIn)
	if !ok {
		if pp, isPtr := params.(*EmailSignIn); isPtr && pp != nil {
			p, ok = *pp, true
		}
	}
	if !ok {
		return ErrParamsMismatch
	}
	e.StartSignInFlow(ctx, p.Email, p.Password, p.DisplayName, p.IsNewUser)
	return nil
}

// StartSignInFlow creates an account when isNewUser is set, otherwise signs in.
// Missing input is reported without contacting the backend.
func (e *EmailController) StartSignInFlow(ctx context.Context, email, password, displayName string, isNewUser bool) {
	e.metrics.signInStarted(e.provider)
	e.emitState(Authenticating)

	email = strings.TrimSpace(email)
	if err := validateEmailInput(email, password); err != nil {
		e.fail(err)
		return
	}

	e.setCredential(EmailCredential(email, password))
	if isNewUser {
		e.createUser(ctx, email, password, displayName)
		return
	}
	e.SignIn(ctx)
}

func validateEmailInput(email, password string) error {
	switch {
	case email == "" && password == "":
		return MissingDetails
	case email == "":
		return EmailRequired
	case password == "":
		return PasswordRequired
	}
	return nil
}

// createUser registers the account. The backend signs the new user in and its
// listener configures the controller; the display name is applied afterwards.
func (e *EmailController) createUser(ctx context.Context, email, password, displayName string) {
	e.setPendingName(displayName)
	e.goFlow(ctx, func(ctx context.Context) {
		if _, err := e.backend.CreateUser(ctx, email, password); err != nil {
			e.setPendingName("")
			e.fail(err)
			return
		}
		if name := e.takePendingName(); name != "" {
			e.ChangeDisplayName(ctx, name)
		}
	})
}

func (e *EmailController) setPendingName(name string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pendingName = name
}

func (e *EmailController) takePendingName() string {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	name := e.pendingName
	e.pendingName = ""
	return name
}

// ResetPassword asks the backend to email a reset link. The outcome is
// reported through the delegate: a notice on success, an error otherwise.
func (e *EmailController) ResetPassword(ctx context.Context, email string) {
	email = strings.TrimSpace(email)
	if email == "" {
		e.emitError(EmailRequired)
		return
	}
	e.goFlow(ctx, func(ctx context.Context) {
		if err := e.backend.SendPasswordReset(ctx, email); err != nil {
			e.logger.Warn("password reset failed", "error", err)
			e.emitError(err)
			return
		}
		e.logger.Info("password reset sent")
		e.emitNotice(PasswordReset.Message())
	})
}
