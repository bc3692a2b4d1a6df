package multiauth

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// State is what the facade publishes to the host application
type State struct {
	Status         AuthState
	Provider       ProviderID
	DisplayName    string
	ProfilePicture []byte
	// Error is the user facing message of the last failure
	Error string
	// Notice is the last informational message (e.g. password reset sent)
	Notice string
	// ShowAlert is raised once for every new error or notice until DismissAlert
	ShowAlert bool
}

func (s State) clone() State {
	s.ProfilePicture = bytes.Clone(s.ProfilePicture)
	return s
}

// AuthOption configures an Authentication
type AuthOption func(*Authentication)

// WithExecutor sets where delegate callbacks are applied and observers run.
// Defaults to a MainQueue owned by the facade.
func WithExecutor(e Executor) AuthOption {
	return func(a *Authentication) {
		if e != nil {
			a.executor = e
			a.ownsExecutor = false
		}
	}
}

// WithAuthLogger sets the facade logger
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(a *Authentication) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Authentication is the facade the host application talks to. It owns one
// active controller at a time, acts as that controller's delegate and turns
// its callbacks into published State.
//
// Callbacks arrive on arbitrary goroutines and are applied on the executor,
// so observers never see a half updated State. Callbacks from a controller
// that is no longer active are dropped.
type Authentication struct {
	backend      Backend
	registry     *Registry
	executor     Executor
	ownsExecutor bool
	logger       *slog.Logger

	mu           sync.RWMutex
	controller   Authenticator
	state        State
	observers    map[int]func(State)
	nextObserver int

	flows sync.WaitGroup
}

// NewAuthentication creates the facade. If the backend already has a
// session the controller registered for its provider is installed and the
// state starts as Authenticated; no sign in is performed.
func NewAuthentication(ctx context.Context, backend Backend, registry *Registry, opts ...AuthOption) *Authentication {
	a := &Authentication{
		backend:   backend,
		registry:  registry,
		logger:    slog.Default(),
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.executor == nil {
		a.executor = NewMainQueue()
		a.ownsExecutor = true
	}
	a.reconcile(ctx)
	return a
}

// restorer is implemented by controllers that can adopt a persisted session
// without writing to the backend
type restorer interface {
	Restore(ctx context.Context, session *Session)
}

func (a *Authentication) reconcile(ctx context.Context) {
	session := a.backend.CurrentSession()
	if session == nil {
		return
	}

	ctrl, err := a.registry.New(session.ProviderID)
	if err != nil {
		a.logger.Warn("no controller for persisted session", "provider", string(session.ProviderID), "error", err)
		ctrl = nil
	}

	a.mu.Lock()
	a.controller = ctrl
	a.state.Status = Authenticated
	a.state.Provider = session.ProviderID
	a.mu.Unlock()

	if ctrl != nil {
		ctrl.SetDelegate(a)
		if r, ok := ctrl.(restorer); ok {
			r.Restore(ctx, session)
		} else {
			ctrl.Configure(ctx, session)
		}
	}
	a.logger.Info("restored session", "provider", string(session.ProviderID), "user_id", session.UserID)
}

// Active returns the active controller or nil
func (a *Authentication) Active() Authenticator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controller
}

func (a *Authentication) isActive(src Authenticator) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controller != nil && a.controller == src
}

// SelectProvider makes the controller for id the active one. The previous
// controller is closed and dropped; if it was already for id it is kept.
func (a *Authentication) SelectProvider(id ProviderID) (Authenticator, error) {
	a.mu.RLock()
	current := a.controller
	a.mu.RUnlock()
	if current != nil && current.Provider() == id {
		return current, nil
	}

	ctrl, err := a.registry.New(id)
	if err != nil {
		return nil, err
	}
	ctrl.SetDelegate(a)

	a.mu.Lock()
	old := a.controller
	a.controller = ctrl
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	a.logger.Debug("selected provider", "provider", string(id))
	return ctrl, nil
}

// StartSignIn selects the provider params belong to and starts its flow
func (a *Authentication) StartSignIn(ctx context.Context, params SignInParams) error {
	ctrl, err := a.SelectProvider(params.Provider())
	if err != nil {
		return err
	}
	return ctrl.StartSignIn(ctx, params)
}

// SignOut signs the active controller out
func (a *Authentication) SignOut(ctx context.Context) error {
	ctrl := a.Active()
	if ctrl == nil {
		return ErrNoController
	}
	ctrl.SignOut(ctx)
	return nil
}

type passwordResetter interface {
	ResetPassword(ctx context.Context, email string)
}

// ResetPassword sends a password reset email through the email controller.
// With no controller active the email controller is selected. While another
// provider is signed in the reset goes through a detached email controller
// and the active one stays installed.
func (a *Authentication) ResetPassword(ctx context.Context, email string) error {
	if active := a.Active(); active != nil && active.Provider() != ProviderPassword {
		return a.detachedReset(ctx, email)
	}
	ctrl, err := a.SelectProvider(ProviderPassword)
	if err != nil {
		return err
	}
	resetter, ok := ctrl.(passwordResetter)
	if !ok {
		return ErrParamsMismatch
	}
	resetter.ResetPassword(ctx, email)
	return nil
}

func (a *Authentication) detachedReset(ctx context.Context, email string) error {
	ctrl, err := a.registry.New(ProviderPassword)
	if err != nil {
		return err
	}
	// only the listener is detached; the reset flow still runs
	ctrl.Close()
	resetter, ok := ctrl.(passwordResetter)
	if !ok {
		return ErrParamsMismatch
	}
	ctrl.SetDelegate(detachedDelegate{a})
	resetter.ResetPassword(ctx, email)
	if w, ok := ctrl.(interface{ Wait() }); ok {
		a.flows.Add(1)
		go func() {
			defer a.flows.Done()
			w.Wait()
		}()
	}
	return nil
}

// detachedDelegate publishes the messages of a controller that is not
// installed. Its state and profile callbacks are ignored.
type detachedDelegate struct {
	a *Authentication
}

func (detachedDelegate) StateChanged(Authenticator, AuthState) {}

func (detachedDelegate) UserUpdated(Authenticator, Profile) {}

func (d detachedDelegate) Failed(src Authenticator, err error) {
	d.a.apply(errorUpdate(d.a.HandleError(err).Message()))
}

func (d detachedDelegate) FailedWithMessage(src Authenticator, message string) {
	d.a.apply(errorUpdate(message))
}

func (d detachedDelegate) Noticed(src Authenticator, message string) {
	d.a.apply(noticeUpdate(message))
}

// ChangeDisplayName updates the name through the active controller without blocking
func (a *Authentication) ChangeDisplayName(ctx context.Context, name string) error {
	return a.withController(ctx, func(ctx context.Context, ctrl Authenticator) {
		ctrl.ChangeDisplayName(ctx, name)
	})
}

// ChangeProfilePictureURL updates the picture url through the active controller without blocking
func (a *Authentication) ChangeProfilePictureURL(ctx context.Context, rawURL string) error {
	return a.withController(ctx, func(ctx context.Context, ctrl Authenticator) {
		ctrl.ChangeProfilePictureURL(ctx, rawURL)
	})
}

// ChangeProfilePictureData sets the picture bytes on the active controller
func (a *Authentication) ChangeProfilePictureData(data []byte) error {
	ctrl := a.Active()
	if ctrl == nil {
		return ErrNoController
	}
	ctrl.ChangeProfilePictureData(data)
	return nil
}

func (a *Authentication) withController(ctx context.Context, fn func(context.Context, Authenticator)) error {
	ctrl := a.Active()
	if ctrl == nil {
		return ErrNoController
	}
	ctx = context.WithoutCancel(ctx)
	a.flows.Add(1)
	go func() {
		defer a.flows.Done()
		fn(ctx, ctrl)
	}()
	return nil
}

// HandleError maps a controller error into the AuthError taxonomy
func (a *Authentication) HandleError(err error) AuthError {
	return ClassifyError(err)
}

// Snapshot returns the current published state
func (a *Authentication) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.clone()
}

// Observe registers fn to receive every published State. fn runs on the
// executor. The returned func unregisters it.
func (a *Authentication) Observe(fn func(State)) (cancel func()) {
	a.mu.Lock()
	id := a.nextObserver
	a.nextObserver++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// DismissAlert clears the alert flag along with the error and notice it was raised for
func (a *Authentication) DismissAlert() {
	a.executor.Dispatch(func() {
		a.publish(func(s *State) {
			s.ShowAlert = false
			s.Error = ""
			s.Notice = ""
		})
	})
}

// Close closes the active controller and waits for pending work
func (a *Authentication) Close() {
	if ctrl := a.Active(); ctrl != nil {
		ctrl.Close()
	}
	a.flows.Wait()
	if q, ok := a.executor.(*MainQueue); ok && a.ownsExecutor {
		q.Close()
	}
}

// publish applies fn to the state and notifies observers. Only called on the executor.
func (a *Authentication) publish(fn func(*State)) {
	a.mu.Lock()
	fn(&a.state)
	snap := a.state.clone()
	observers := make([]func(State), 0, len(a.observers))
	for _, o := range a.observers {
		observers = append(observers, o)
	}
	a.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

// apply runs fn on the executor unconditionally
func (a *Authentication) apply(fn func(*State)) {
	a.executor.Dispatch(func() {
		a.publish(fn)
	})
}

// dispatch runs fn on the executor if src is still the active controller
func (a *Authentication) dispatch(src Authenticator, what string, fn func(*State)) {
	a.executor.Dispatch(func() {
		if !a.isActive(src) {
			a.logger.Debug("dropping callback from inactive controller", "callback", what, "provider", string(src.Provider()))
			return
		}
		a.publish(fn)
	})
}

// StateChanged implements Delegate
func (a *Authentication) StateChanged(src Authenticator, state AuthState) {
	a.dispatch(src, "state", func(s *State) {
		if state == Unauthenticated && s.Status == Unauthenticating {
			s.DisplayName = ""
			s.ProfilePicture = nil
		}
		s.Status = state
		s.Provider = src.Provider()
	})
}

// UserUpdated implements Delegate
func (a *Authentication) UserUpdated(src Authenticator, user Profile) {
	a.dispatch(src, "user", func(s *State) {
		s.DisplayName = user.DisplayName
		s.ProfilePicture = user.ProfilePicture
	})
}

// Failed implements Delegate
func (a *Authentication) Failed(src Authenticator, err error) {
	authErr := a.HandleError(err)
	a.logger.Info("authentication error", "provider", string(src.Provider()), "kind", authErr.Name(), "error", err)
	a.setError(src, authErr.Message())
}

// FailedWithMessage implements Delegate
func (a *Authentication) FailedWithMessage(src Authenticator, message string) {
	a.setError(src, message)
}

// Noticed implements Delegate
func (a *Authentication) Noticed(src Authenticator, message string) {
	a.dispatch(src, "notice", noticeUpdate(message))
}

func (a *Authentication) setError(src Authenticator, message string) {
	a.dispatch(src, "error", errorUpdate(message))
}

func errorUpdate(message string) func(*State) {
	return func(s *State) {
		s.Error = message
		if message != "" {
			s.ShowAlert = true
		}
	}
}

func noticeUpdate(message string) func(*State) {
	return func(s *State) {
		s.Notice = message
		if message != "" {
			s.ShowAlert = true
		}
	}
}
