package multiauth

import (
	"context"
	"errors"
)

// GoogleController signs users in with a Google account
type GoogleController struct {
	controller
	google GoogleSignIn
}

// NewGoogleController creates a controller for the "google.com" provider
func NewGoogleController(backend Backend, google GoogleSignIn, opts ...Option) *GoogleController {
	out := &GoogleController{google: google}
	out.init(out, ProviderGoogle, backend, opts)
	return out
}

// StartSignIn implements Authenticator
func (g *GoogleController) StartSignIn(ctx context.Context, params SignInParams) error {
	switch p := params.(type) {
	case GoogleSignInParams:
		g.StartSignInFlow(ctx, p.Anchor)
	case *GoogleSignInParams:
		if p == nil {
			return ErrParamsMismatch
		}
		g.StartSignInFlow(ctx, p.Anchor)
	default:
		return ErrParamsMismatch
	}
	return nil
}

// StartSignInFlow presents Google sign in on anchor. Without an anchor there
// is nothing to present on and the call does nothing. A typed nil anchor is
// not detected here; it fails when presented and is reported like any other
// presentation error.
func (g *GoogleController) StartSignInFlow(ctx context.Context, anchor Anchor) {
	if anchor == nil {
		g.logger.Debug("google sign in skipped, no presentation anchor")
		return
	}
	g.metrics.signInStarted(g.provider)
	g.emitState(Authenticating)

	g.goFlow(ctx, func(ctx context.Context) {
		tokens, err := g.google.PresentSignIn(ctx, anchor)
		if err != nil {
			g.failWithMessage(err, err.Error())
			return
		}
		if tokens == nil || tokens.IDToken == "" {
			g.fail(errors.Join(GenericAuthError, errors.New("google sign in returned no id token")))
			return
		}
		g.setCredential(GoogleCredential(tokens.IDToken, tokens.AccessToken))
		g.SignIn(ctx)
	})
}

// SignOut ends the session. The cached Google account is forgotten once the
// backend reports the session gone (see Configure).
func (g *GoogleController) SignOut(ctx context.Context) {
	g.controller.SignOut(ctx)
}

// Configure prefers the Google profile's given name and high resolution avatar
// over the generic session values. A nil session also clears the cached
// Google account.
func (g *GoogleController) Configure(ctx context.Context, session *Session) {
	if session == nil {
		g.google.SignOut()
		g.configureWith(ctx, nil, "", "")
		return
	}
	displayName, photoURL := g.profileFor(session)
	g.configureWith(ctx, session, displayName, photoURL)
}

// Restore seeds the profile like Configure does, without backend writes
func (g *GoogleController) Restore(ctx context.Context, session *Session) {
	if session == nil {
		g.Configure(ctx, nil)
		return
	}
	displayName, photoURL := g.profileFor(session)
	g.restoreWith(ctx, session, displayName, photoURL)
}

func (g *GoogleController) profileFor(session *Session) (displayName, photoURL string) {
	displayName, photoURL = session.DisplayName, session.PhotoURL
	if gu := g.google.CurrentUser(); gu != nil {
		if gu.GivenName != "" {
			displayName = gu.GivenName
		}
		if gu.AvatarURL != "" {
			photoURL = gu.AvatarURL
		}
	}
	return displayName, photoURL
}
