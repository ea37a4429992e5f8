package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var testSecret = []byte("test-secret")

func TestRequiredFor(t *testing.T) {
	cases := map[string]bool{
		"":            false,
		"development": false,
		"Local":       false,
		"test":        false,
		"staging":     true,
		"production":  true,
	}
	for env, want := range cases {
		if got := RequiredFor(env); got != want {
			t.Errorf("RequiredFor(%q) = %v, want %v", env, got, want)
		}
	}
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Fatalf("unexpected token %q err %v", tok, err)
	}
	if _, err := Static("abc").Refresh(context.Background()); !errors.Is(err, ErrRefreshUnsupported) {
		t.Fatalf("expected ErrRefreshUnsupported, got %v", err)
	}
	if tok, _ := None.Token(context.Background()); tok != "" {
		t.Errorf("expected no credential, got %q", tok)
	}
}

func TestSignValidateExpiry(t *testing.T) {
	now := time.Now()
	tok, err := Sign(testSecret, "user-1", now, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := Validate(testSecret, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", claims.UserID)
	}

	if _, err := Validate([]byte("other"), tok); err == nil {
		t.Error("expected signature mismatch to fail")
	}

	exp, ok := Expiry(tok)
	if !ok {
		t.Fatal("expected expiry to be readable")
	}
	if d := exp.Sub(now); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("unexpected expiry %v", exp)
	}

	if _, ok := Expiry("opaque-token"); ok {
		t.Error("expected opaque token to have no expiry")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	tok, err := Sign(testSecret, "user-1", time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Validate(testSecret, tok); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func tokenServer(t *testing.T, mint func(n int32) string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		tok := mint(n)
		if tok == "" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"` + tok + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPSourceCachesUntilExpiry(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())

	srv, calls := tokenServer(t, func(int32) string {
		tok, _ := Sign(testSecret, "u", mock.Now(), 10*time.Minute)
		return tok
	})

	src := NewHTTPSource(srv.URL)
	src.Clock = mock
	ctx := context.Background()

	first, err := src.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	second, _ := src.Token(ctx)
	if first != second || atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected cached token, calls=%d", atomic.LoadInt32(calls))
	}

	mock.Add(10*time.Minute - DefaultExpiryMargin)
	if _, err := src.Token(ctx); err != nil {
		t.Fatalf("token: %v", err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("expected renewal near expiry, calls=%d", atomic.LoadInt32(calls))
	}
}

func TestHTTPSourceRefresh(t *testing.T) {
	srv, calls := tokenServer(t, func(n int32) string {
		if n > 1 {
			return ""
		}
		return "opaque"
	})

	src := NewHTTPSource(srv.URL)
	ctx := context.Background()

	if tok, err := src.Token(ctx); err != nil || tok != "opaque" {
		t.Fatalf("unexpected token %q err %v", tok, err)
	}
	if _, err := src.Refresh(ctx); err == nil {
		t.Fatal("expected refresh to fail when endpoint denies")
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Errorf("expected exactly one refresh request, calls=%d", atomic.LoadInt32(calls))
	}
}
