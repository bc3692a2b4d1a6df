package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/panyam/multiauth"
	"github.com/panyam/multiauth/backend/identitytoolkit"
	"github.com/panyam/multiauth/backend/memory"
	"github.com/panyam/multiauth/config"
	"github.com/panyam/multiauth/oauth2"
	"github.com/panyam/multiauth/stores/fs"
	"github.com/prometheus/client_golang/prometheus"
)

// app wires the configured backend, provider collaborators and facade
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *fs.FSSessionStore
	backend  multiauth.Backend
	google   *oauth2.GoogleWebSignIn
	anchors  map[multiauth.ProviderID]*oauth2.LoopbackAnchor
	registry *multiauth.Registry
	metrics  *prometheus.Registry
	queue    *multiauth.MainQueue
	auth     *multiauth.Authentication
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := fs.NewFSSessionStore(cfg.SessionPath, cfg.AppName)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		anchors: make(map[multiauth.ProviderID]*oauth2.LoopbackAnchor),
		metrics: prometheus.NewRegistry(),
		queue:   multiauth.NewMainQueue(),
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	switch cfg.Backend {
	case config.BackendIdentityToolkit:
		b, err := identitytoolkit.New(identitytoolkit.Config{
			APIKey:     cfg.IdentityToolkit.APIKey,
			Endpoint:   cfg.IdentityToolkit.Endpoint,
			HTTPClient: httpClient,
			Store:      a.store,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		a.backend = b
	default:
		mcfg := memory.Config{
			SessionSecret: []byte(cfg.SessionSecret),
			Store:         a.store,
			Accounts:      fs.NewFSAccountStore(filepath.Dir(store.Path())),
			Logger:        logger,
		}
		if cfg.Google.Enabled() && cfg.Google.VerifyTokens {
			mcfg.GoogleAudience = cfg.Google.ClientID
		}
		b, err := memory.New(mcfg)
		if err != nil {
			return nil, err
		}
		a.backend = b
	}

	var google multiauth.GoogleSignIn
	if cfg.Google.Enabled() {
		a.google = oauth2.NewGoogleWebSignIn(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CallbackURL)
		a.google.SetHTTPClient(httpClient)
		a.google.Logger = logger
		a.anchors[multiauth.ProviderGoogle] = a.newAnchor(cfg.Google.CallbackURL)
		google = a.google
	}

	var apple multiauth.AppleSignIn
	if cfg.Apple.Enabled() {
		keyPEM, err := os.ReadFile(cfg.Apple.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read apple private key: %w", err)
		}
		anchor := a.newAnchor(cfg.Apple.CallbackURL)
		s, err := oauth2.NewAppleWebSignIn(cfg.Apple.ClientID, cfg.Apple.TeamID, cfg.Apple.KeyID, keyPEM, cfg.Apple.CallbackURL, anchor)
		if err != nil {
			return nil, err
		}
		s.SetHTTPClient(httpClient)
		s.Logger = logger
		a.anchors[multiauth.ProviderApple] = anchor
		apple = s
	}

	a.registry = multiauth.NewDefaultRegistry(a.backend, google, apple,
		multiauth.WithLogger(logger),
		multiauth.WithFetcher(multiauth.NewHTTPFetcher(httpClient)),
		multiauth.WithMetrics(multiauth.NewMetrics(a.metrics)),
	)
	a.auth = multiauth.NewAuthentication(ctx, a.backend, a.registry, multiauth.WithAuthLogger(logger), multiauth.WithExecutor(a.queue))
	return a, nil
}

func (a *app) newAnchor(callbackURL string) *oauth2.LoopbackAnchor {
	anchor := oauth2.NewLoopbackAnchor(callbackURL)
	anchor.Logger = a.logger
	anchor.OpenBrowser = func(authURL string) error {
		fmt.Fprintf(os.Stderr, "Opening your browser to sign in. If it does not open, visit:\n\n  %s\n\n", authURL)
		return oauth2.OpenBrowser(authURL)
	}
	return anchor
}

func (a *app) Close() {
	a.auth.Close()
	a.queue.Close()
}

var errTimeout = errors.New("timed out waiting for authentication")

// await starts fn and blocks until done reports true for a published state,
// or an alert is raised
func (a *app) await(timeout time.Duration, fn func() error, done func(multiauth.State) bool) (multiauth.State, error) {
	states := make(chan multiauth.State, 32)
	cancel := a.auth.Observe(func(s multiauth.State) {
		select {
		case states <- s:
		default:
		}
	})
	defer cancel()

	if err := fn(); err != nil {
		return a.auth.Snapshot(), err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case s := <-states:
			if s.ShowAlert || done(s) {
				return s, nil
			}
		case <-timer.C:
			return a.auth.Snapshot(), errTimeout
		}
	}
}

// settle waits for in flight profile work so the final state includes it
func (a *app) settle() {
	if w, ok := a.auth.Active().(interface{ Wait() }); ok {
		w.Wait()
	}
	a.queue.Sync()
}
