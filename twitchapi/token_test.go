package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAppTokenSource_Cached(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("client_id") != "test-client" || r.Form.Get("client_secret") != "test-secret" {
			t.Errorf("credentials not sent in params: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token-123",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := NewAppTokenSource(context.Background(), "test-client", "test-secret", server.URL)

	tok1, err := ts.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok1.AccessToken != "test-token-123" {
		t.Errorf("Token() = %s, want test-token-123", tok1.AccessToken)
	}
	tok2, err := ts.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok2.AccessToken != tok1.AccessToken {
		t.Errorf("cached token = %s, want %s", tok2.AccessToken, tok1.AccessToken)
	}
	if callCount != 1 {
		t.Errorf("expected 1 token request, got %d", callCount)
	}
}

func TestAppTokenSource_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":400,"message":"invalid client secret"}`))
	}))
	defer server.Close()

	ts := NewAppTokenSource(context.Background(), "test-client", "wrong", server.URL)
	if _, err := ts.Token(); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}
