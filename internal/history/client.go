// Package history fetches the authoritative message timeline of a campaign.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/auth"
	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/metrics"
)

// ErrNotFound is returned when the server has no history for the campaign.
var ErrNotFound = errors.New("history: campaign not found")

// Fetcher loads the confirmed timeline of a session.
type Fetcher interface {
	Fetch(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// wireMessage is one history entry as served by the backend.
type wireMessage struct {
	ID                string          `json:"message_id"`
	Content           string          `json:"content"`
	Sender            string          `json:"sender"`
	Timestamp         string          `json:"timestamp"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	HasAudio          bool            `json:"has_audio"`
	CharacterName     string          `json:"character_name,omitempty"`
}

type response struct {
	Messages []wireMessage `json:"messages"`
}

// Client fetches history over HTTP. URL may contain a "{campaign_id}"
// placeholder; otherwise the id is appended as a path segment.
type Client struct {
	URL    string
	HTTP   *http.Client
	Creds  auth.Source
	Logger *zap.Logger
}

// NewClient creates a Client. creds may be nil.
func NewClient(base string, creds auth.Source, logger *zap.Logger) *Client {
	if creds == nil {
		creds = auth.None
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		URL:    base,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
		Creds:  creds,
		Logger: logger,
	}
}

func (c *Client) endpoint(sessionID string) string {
	if strings.Contains(c.URL, "{campaign_id}") {
		return strings.ReplaceAll(c.URL, "{campaign_id}", url.PathEscape(sessionID))
	}
	return strings.TrimRight(c.URL, "/") + "/" + url.PathEscape(sessionID)
}

// Fetch returns the session's confirmed messages in server order. Every
// returned message has IsLocal false.
func (c *Client) Fetch(ctx context.Context, sessionID string) ([]chat.Message, error) {
	start := time.Now()
	defer func() {
		metrics.HistoryReloadDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.Creds.Token(ctx)
	if err != nil && !errors.Is(err, auth.ErrNoCredential) {
		c.Logger.Warn("history fetch without credential",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("history: server returned %s", resp.Status)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("history: decode response: %w", err)
	}

	out := make([]chat.Message, 0, len(body.Messages))
	for _, w := range body.Messages {
		out = append(out, chat.Message{
			ServerMessageID:   w.ID,
			Text:              w.Content,
			Sender:            senderOf(w.Sender),
			Timestamp:         w.Timestamp,
			StructuredContent: w.StructuredContent,
			HasAudio:          w.HasAudio,
			CharacterName:     w.CharacterName,
		})
	}
	c.Logger.Debug("history fetched",
		zap.String("session_id", sessionID), zap.Int("messages", len(out)))
	return out, nil
}

func senderOf(s string) chat.Sender {
	switch strings.ToLower(s) {
	case "dm", "assistant", "narrator":
		return chat.SenderDM
	case "system":
		return chat.SenderSystem
	default:
		return chat.SenderUser
	}
}
