package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultExpiryMargin is how long before expiry a cached token is renewed.
const DefaultExpiryMargin = 30 * time.Second

// HTTPSource fetches tokens from an HTTP endpoint answering
// {"token": "..."} and caches them until shortly before they expire.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Clock  clock.Clock
	// Margin renews tokens this long before their exp claim.
	Margin time.Duration

	mu    sync.Mutex
	token string
}

// NewHTTPSource creates an HTTPSource for url with default settings.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Clock:  clock.New(),
		Margin: DefaultExpiryMargin,
	}
}

func (s *HTTPSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !s.expiring(s.token) {
		return s.token, nil
	}
	return s.fetchLocked(ctx)
}

func (s *HTTPSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	return s.fetchLocked(ctx)
}

func (s *HTTPSource) expiring(token string) bool {
	exp, ok := Expiry(token)
	if !ok {
		return false
	}
	return !s.now().Add(s.Margin).Before(exp)
}

func (s *HTTPSource) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *HTTPSource) fetchLocked(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", fmt.Errorf("auth: build token request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("auth: token endpoint returned %s", resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("auth: decode token response: %w", err)
	}
	if body.Token == "" {
		return "", ErrNoCredential
	}
	s.token = body.Token
	return s.token, nil
}
