package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"meetai/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

func newTestStream(url string) *Stream {
	return NewStream(StreamConfig{
		APIKey:       "key-123",
		APISecret:    "secret-xyz",
		BaseURL:      url,
		Timeout:      2 * time.Second,
		Retries:      1,
		RetryBackoff: time.Millisecond,
		Logger:       testLogger(),
	})
}

func TestVerifyWebhook_Valid(t *testing.T) {
	s := newTestStream("http://unused")
	body := []byte(`{"type":"call.session_started"}`)
	if err := s.VerifyWebhook(body, s.Sign(body), "key-123"); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyWebhook_MissingHeaders(t *testing.T) {
	s := newTestStream("http://unused")
	body := []byte(`{}`)
	for _, tc := range []struct{ sig, key string }{{"", "key-123"}, {s.Sign(body), ""}, {"", ""}} {
		err := s.VerifyWebhook(body, tc.sig, tc.key)
		if domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("expected validation error for sig=%q key=%q, got %v", tc.sig, tc.key, err)
		}
	}
}

func TestVerifyWebhook_TamperedBody(t *testing.T) {
	s := newTestStream("http://unused")
	sig := s.Sign([]byte(`{"type":"call.session_started"}`))
	err := s.VerifyWebhook([]byte(`{"type":"call.session_ended"}`), sig, "key-123")
	if domain.KindOf(err) != domain.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

// Re-serializing the body changes the bytes and must fail verification.
func TestVerifyWebhook_WhitespaceMatters(t *testing.T) {
	s := newTestStream("http://unused")
	sig := s.Sign([]byte(`{"a": 1}`))
	if err := s.VerifyWebhook([]byte(`{"a":1}`), sig, "key-123"); err == nil {
		t.Fatal("expected failure for re-serialized body")
	}
}

func TestVerifyWebhook_APIKeyMismatch(t *testing.T) {
	s := newTestStream("http://unused")
	body := []byte(`{}`)
	err := s.VerifyWebhook(body, s.Sign(body), "someone-else")
	if domain.KindOf(err) != domain.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestVerifyWebhook_NoSecretConfigured(t *testing.T) {
	s := NewStream(StreamConfig{APIKey: "k", Logger: testLogger()})
	body := []byte(`{}`)
	if err := s.VerifyWebhook(body, "deadbeef", "k"); domain.KindOf(err) != domain.KindAuthentication {
		t.Fatalf("expected authentication error without a secret, got %v", err)
	}
}

func TestServerToken_SignedWithSecret(t *testing.T) {
	s := newTestStream("http://unused")
	tok, err := s.ServerToken()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return []byte("secret-xyz"), nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not validate: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["server"] != true {
		t.Fatalf("expected server claim, got %v", claims)
	}
}

func TestEndCall_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/video/call/default/m1/mark_ended" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("api_key") != "key-123" {
			t.Errorf("missing api_key query parameter")
		}
		if r.Header.Get("Stream-Auth-Type") != "jwt" || r.Header.Get("Authorization") == "" {
			t.Errorf("missing auth headers")
		}
		w.Write([]byte(`{"duration":"1ms"}`))
	}))
	defer srv.Close()

	if err := newTestStream(srv.URL).EndCall(context.Background(), "default", "m1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
}

func TestEndCall_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestStream(srv.URL).EndCall(context.Background(), "default", "m1")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 StatusError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 1 retry (2 calls), got %d", calls.Load())
	}
}
