package multiauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxProfilePictureSize bounds how much of a profile picture response is read
const MaxProfilePictureSize = 5 << 20

// HTTPFetcher downloads profile pictures over HTTP
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client gets a 30 second timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{Client: client}
}

// Fetch returns the body at rawURL
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid profile picture url: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed getting profile picture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed getting profile picture: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxProfilePictureSize))
	if err != nil {
		return nil, fmt.Errorf("failed read response: %w", err)
	}
	return data, nil
}
