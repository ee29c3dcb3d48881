package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// FakeHelix serves the parts of the Twitch API the relay uses: the client credentials
// token endpoint at /oauth2/token and user lookups at /helix/users. User lookups must
// carry the issued bearer token and the Client-Id header.
type FakeHelix struct {
	*httptest.Server

	ClientID string
	Token    string

	mu     sync.Mutex
	users  map[string]string // id -> login
	issued atomic.Int32
}

// NewFakeHelix starts a fake closed with the test.
func NewFakeHelix(t *testing.T, clientID, token string) *FakeHelix {
	t.Helper()
	f := &FakeHelix{ClientID: clientID, Token: token, users: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", f.serveToken)
	mux.HandleFunc("/helix/users", f.serveUsers)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// AddUser registers a broadcaster.
func (f *FakeHelix) AddUser(id, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = login
}

// TokensIssued reports how many app tokens were handed out.
func (f *FakeHelix) TokensIssued() int { return int(f.issued.Load()) }

func (f *FakeHelix) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}
	f.issued.Add(1)
	writeJSON(w, map[string]any{"access_token": f.Token, "expires_in": 3600, "token_type": "bearer"})
}

func (f *FakeHelix) serveUsers(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.Token || r.Header.Get("Client-Id") != f.ClientID {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	f.mu.Lock()
	defer f.mu.Unlock()
	data := []map[string]string{}
	for id, login := range f.users {
		if q.Get("id") == id || q.Get("login") == login {
			data = append(data, map[string]string{"id": id, "login": login})
		}
	}
	writeJSON(w, map[string]any{"data": data})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test fake
}
