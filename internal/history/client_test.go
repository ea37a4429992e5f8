package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/whisper/campaign-sync/internal/auth"
	"github.com/whisper/campaign-sync/internal/chat"
)

func TestFetchDecodesHistory(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[
			{"message_id":"m1","content":"I look around","sender":"user","timestamp":"2024-05-01T10:00:00Z"},
			{"message_id":"m2","content":"Fog rolls in","sender":"assistant","timestamp":"2024-05-01T10:00:05Z","has_audio":true,"character_name":"DM"},
			{"message_id":"m3","content":"Session saved","sender":"system","timestamp":"2024-05-01T10:00:06Z"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/campaigns/{campaign_id}/messages", auth.Static("tok"), nil)
	msgs, err := c.Fetch(context.Background(), "camp 1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotPath != "/campaigns/camp 1/messages" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("unexpected authorization %q", gotAuth)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Sender != chat.SenderDM || !msgs[1].HasAudio || msgs[1].ServerMessageID != "m2" {
		t.Errorf("unexpected dm message %+v", msgs[1])
	}
	if msgs[2].Sender != chat.SenderSystem {
		t.Errorf("expected system sender, got %q", msgs[2].Sender)
	}
	for _, m := range msgs {
		if m.IsLocal {
			t.Errorf("history message %s marked local", m.ServerMessageID)
		}
	}
}

func TestFetchWithoutCredentialSendsNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("unexpected authorization header %q", h)
		}
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv.Close()

	msgs, err := NewClient(srv.URL, nil, nil).Fetch(context.Background(), "camp")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestFetchStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	if _, err := c.Fetch(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Fetch(context.Background(), "other"); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestFetchHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(srv.URL, nil, nil).Fetch(ctx, "camp"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
