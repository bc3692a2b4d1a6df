package multiauth

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Option configures a controller
type Option func(*controller)

// WithLogger sets the logger used by the controller
func WithLogger(logger *slog.Logger) Option {
	return func(c *controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFetcher sets the profile picture downloader
func WithFetcher(f Fetcher) Option {
	return func(c *controller) {
		if f != nil {
			c.fetcher = f
		}
	}
}

// WithMetrics records controller activity on m
func WithMetrics(m *Metrics) Option {
	return func(c *controller) {
		c.metrics = m
	}
}

// WithRandom sets the secure random source used for nonces
func WithRandom(r io.Reader) Option {
	return func(c *controller) {
		if r != nil {
			c.random = r
		}
	}
}

// controller holds what the three provider controllers share: the delegate,
// the owned profile, the backend listener and the profile sync routines.
// Provider controllers embed it and set self to themselves so callbacks
// identify the outer controller.
type controller struct {
	self     Authenticator
	provider ProviderID
	backend  Backend
	fetcher  Fetcher
	logger   *slog.Logger
	metrics  *Metrics
	random   io.Reader

	mu         sync.RWMutex
	delegate   Delegate
	credential *Credential
	user       *UserProfile

	closeOnce sync.Once
	cancelSub func()
	flows     sync.WaitGroup
}

func (c *controller) init(self Authenticator, provider ProviderID, backend Backend, opts []Option) {
	c.self = self
	c.provider = provider
	c.backend = backend
	c.user = NewUserProfile()
	c.logger = slog.Default()
	c.fetcher = NewHTTPFetcher(nil)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("provider", string(provider))
	c.cancelSub = backend.Subscribe(func(session *Session) {
		c.self.Configure(context.Background(), session)
	})
}

func (c *controller) Provider() ProviderID {
	return c.provider
}

func (c *controller) SetDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

func (c *controller) Delegate() Delegate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delegate
}

func (c *controller) User() *UserProfile {
	return c.user
}

// Close detaches the backend listener. Flows already running still finish.
func (c *controller) Close() {
	c.closeOnce.Do(func() {
		if c.cancelSub != nil {
			c.cancelSub()
		}
	})
}

// Wait blocks until every flow and download started by the controller has finished
func (c *controller) Wait() {
	c.flows.Wait()
}

func (c *controller) setCredential(cred *Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = cred
}

func (c *controller) currentCredential() *Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// goFlow runs fn on its own goroutine. Flows can't be cancelled by the caller.
func (c *controller) goFlow(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.flows.Add(1)
	go func() {
		defer c.flows.Done()
		fn(ctx)
	}()
}

func (c *controller) emitState(state AuthState) {
	c.metrics.stateChanged(c.provider, state)
	c.logger.Debug("auth state changed", "state", state.String())
	if d := c.Delegate(); d != nil {
		d.StateChanged(c.self, state)
	}
}

func (c *controller) emitUser() {
	if d := c.Delegate(); d != nil {
		d.UserUpdated(c.self, c.user.Snapshot())
	}
}

func (c *controller) emitError(err error) {
	if d := c.Delegate(); d != nil {
		d.Failed(c.self, err)
	}
}

func (c *controller) emitMessage(message string) {
	if d := c.Delegate(); d != nil {
		d.FailedWithMessage(c.self, message)
	}
}

func (c *controller) emitNotice(message string) {
	if d := c.Delegate(); d != nil {
		d.Noticed(c.self, message)
	}
}

// fail reports a failed sign in: the state change always goes out before the error
func (c *controller) fail(err error) {
	c.metrics.signInFailed(c.provider, err)
	c.logger.Warn("sign in failed", "error", err)
	c.emitState(Unauthenticated)
	c.emitError(err)
}

func (c *controller) failWithMessage(err error, message string) {
	c.metrics.signInFailed(c.provider, err)
	c.logger.Warn("sign in failed", "error", err)
	c.emitState(Unauthenticated)
	c.emitMessage(message)
}

// SignIn exchanges the held credential with the backend. Success is reported
// through the backend's session listener, which calls Configure.
func (c *controller) SignIn(ctx context.Context) {
	cred := c.currentCredential()
	if cred == nil {
		c.logger.Debug("sign in skipped, no credential")
		return
	}
	c.goFlow(ctx, func(ctx context.Context) {
		if _, err := c.backend.SignIn(ctx, cred); err != nil {
			c.fail(err)
		}
	})
}

// SignOut ends the session. The backend listener reports Unauthenticated.
// A failed sign out leaves the session in place, so the state goes back to
// Authenticated before SignOutError is reported.
func (c *controller) SignOut(ctx context.Context) {
	c.emitState(Unauthenticating)
	c.goFlow(ctx, func(ctx context.Context) {
		if err := c.backend.SignOut(ctx); err != nil {
			c.logger.Error("sign out failed", "error", err)
			c.emitState(Authenticated)
			c.emitMessage(SignOutError.Message())
		}
	})
}

// Configure reconciles the profile with a backend session
func (c *controller) Configure(ctx context.Context, session *Session) {
	c.configureWith(ctx, session, session.displayName(), session.photoURL())
}

func (c *controller) configureWith(ctx context.Context, session *Session, displayName, photoURL string) {
	if session == nil {
		c.user.Reset()
		c.emitState(Unauthenticated)
		return
	}
	c.user.SetUserID(session.UserID)
	switch {
	case displayName != "":
		c.ChangeDisplayName(ctx, displayName)
	case c.user.HasDisplayName():
		// a name captured before the session existed (Apple shares it only once)
		c.ChangeDisplayName(ctx, c.user.DisplayName())
	}
	if photoURL != "" {
		c.ChangeProfilePictureURL(ctx, photoURL)
	}
	c.emitState(Authenticated)
}

// Restore seeds the profile from a persisted session. Nothing is written
// back to the backend; only the picture download runs, in the background.
func (c *controller) Restore(ctx context.Context, session *Session) {
	c.restoreWith(ctx, session, session.displayName(), session.photoURL())
}

func (c *controller) restoreWith(ctx context.Context, session *Session, displayName, photoURL string) {
	if session == nil {
		c.configureWith(ctx, nil, "", "")
		return
	}
	c.user.SetUserID(session.UserID)
	if fields := strings.Fields(displayName); len(fields) > 0 {
		c.user.SetDisplayName(fields[0])
		c.emitUser()
	}
	if photoURL != "" {
		c.downloadProfilePicture(ctx, photoURL)
	}
	c.emitState(Authenticated)
}

// ChangeDisplayName keeps the first word of name as the given name. The
// backend is only updated when its value differs or no local name is set.
func (c *controller) ChangeDisplayName(ctx context.Context, name string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return
	}
	givenName := fields[0]

	if session := c.backend.CurrentSession(); session != nil {
		if session.DisplayName != givenName || !c.user.HasDisplayName() {
			if err := c.backend.UpdateProfile(ctx, ProfileChange{DisplayName: &givenName}); err != nil {
				c.logger.Warn("failed to update display name", "user_id", session.UserID, "error", err)
			} else {
				c.logger.Info("updated display name", "user_id", session.UserID, "display_name", givenName)
			}
		}
	}

	c.user.SetDisplayName(givenName)
	c.emitUser()
}

// ChangeProfilePictureURL points the backend at rawURL when it changed and
// downloads the picture. The download happens even when nothing changed so
// the local copy stays fresh.
func (c *controller) ChangeProfilePictureURL(ctx context.Context, rawURL string) {
	if rawURL == "" {
		return
	}
	session := c.backend.CurrentSession()
	if session == nil {
		return
	}
	if session.PhotoURL != rawURL || !c.user.HasProfilePicture() {
		if err := c.backend.UpdateProfile(ctx, ProfileChange{PhotoURL: &rawURL}); err != nil {
			c.logger.Warn("failed to update profile picture url", "user_id", session.UserID, "error", err)
		} else {
			c.logger.Info("updated profile picture url", "user_id", session.UserID, "url", rawURL)
		}
	}
	c.downloadProfilePicture(ctx, rawURL)
}

// downloads are not deduplicated; the last one to finish wins
func (c *controller) downloadProfilePicture(ctx context.Context, rawURL string) {
	c.goFlow(ctx, func(ctx context.Context) {
		data, err := c.fetcher.Fetch(ctx, rawURL)
		c.metrics.avatarDownloaded(c.provider, err)
		if err != nil {
			c.logger.Warn("failed to download profile picture", "url", rawURL, "error", err)
			return
		}
		c.user.SetProfilePicture(data)
		c.emitUser()
	})
}

// ChangeProfilePictureData stores avatar bytes directly
func (c *controller) ChangeProfilePictureData(data []byte) {
	c.user.SetProfilePicture(data)
	c.emitUser()
}

func (s *Session) displayName() string {
	if s == nil {
		return ""
	}
	return s.DisplayName
}

func (s *Session) photoURL() string {
	if s == nil {
		return ""
	}
	return s.PhotoURL
}
