package oauth2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/gorilla/mux"
)

// LoopbackAnchor implements multiauth.Anchor for terminal and desktop hosts.
// It opens the authorization page in the system browser and serves the
// redirect (query or form post) on the callback url's host and path.
type LoopbackAnchor struct {
	CallbackURL string

	// Timeout bounds how long to wait for the redirect (defaults to 5 minutes)
	Timeout time.Duration

	// OpenBrowser shows authURL to the user. Defaults to the platform's opener.
	OpenBrowser func(authURL string) error

	Logger *slog.Logger
}

func NewLoopbackAnchor(callbackURL string) *LoopbackAnchor {
	return &LoopbackAnchor{
		CallbackURL: callbackURL,
		Timeout:     5 * time.Minute,
		OpenBrowser: OpenBrowser,
		Logger:      slog.Default(),
	}
}

const callbackPage = `<html><body><p>Sign in complete. You can close this window and return to the application.</p></body></html>`

// Present implements multiauth.Anchor
func (l *LoopbackAnchor) Present(ctx context.Context, authURL string) (url.Values, error) {
	if l == nil {
		return nil, ErrNilAnchor
	}
	callback, err := url.Parse(l.CallbackURL)
	if err != nil || callback.Host == "" {
		return nil, fmt.Errorf("invalid callback url %q", l.CallbackURL)
	}
	path := callback.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", callback.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", callback.Host, err)
	}

	results := make(chan url.Values, 1)
	router := mux.NewRouter()
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid callback", http.StatusBadRequest)
			return
		}
		select {
		case results <- r.Form:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, callbackPage)
	}).Methods(http.MethodGet, http.MethodPost)

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger().Error("loopback server failed", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	open := l.OpenBrowser
	if open == nil {
		open = OpenBrowser
	}
	if err := open(authURL); err != nil {
		l.logger().Warn("could not open browser, visit the url manually", "url", authURL, "err", err)
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params := <-results:
		return params, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for authorization: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LoopbackAnchor) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// OpenBrowser opens authURL with the platform's default handler
func OpenBrowser(authURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", authURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		cmd = exec.Command("xdg-open", authURL)
	}
	return cmd.Start()
}
