package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/token"
	"go-chat-sync/internal/wire"
)

// testBackend is a minimal chatd stand-in: /refresh hands out whatever
// refreshYields holds, everything under /api 401s unless apiAccepts is
// presented as the bearer token.
type testBackend struct {
	srv *httptest.Server

	apiAccepts    atomic.Value // string
	refreshYields atomic.Value // string
	refreshCalls  int32
	refreshDelay  time.Duration
	refreshFails  bool
	apiCalls      int32
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.apiAccepts.Store("good")
	b.refreshYields.Store("good")

	r := chi.NewRouter()
	r.Post("/refresh", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&b.refreshCalls, 1)
		time.Sleep(b.refreshDelay)
		if b.refreshFails {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": b.refreshYields.Load().(string)})
	})
	r.Get("/api/messages", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&b.apiCalls, 1)
		if req.Header.Get("Authorization") != "Bearer "+b.apiAccepts.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]wire.Message{
			{ID: "m_1", ChatID: 1, Content: "hi", Author: wire.Author{ID: 9, Username: "bob"}},
		})
	})

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) client(t *testing.T, accessToken string, onLogout func()) (*Client, *token.Store) {
	t.Helper()
	tokens := token.NewStore(token.Config{RefreshURL: b.srv.URL + "/refresh"})
	tokens.Set(token.Credential{AccessToken: accessToken, RefreshToken: "r"}, token.TierSession)
	return NewClient(Config{
		BaseURL:  b.srv.URL,
		Tokens:   tokens,
		OnLogout: onLogout,
	}), tokens
}

func TestRequestWithValidCredential(t *testing.T) {
	b := newTestBackend(t)
	c, _ := b.client(t, "good", nil)

	msgs, err := c.Messages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m_1", msgs[0].ID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&b.refreshCalls))
}

func TestUnauthorizedTriggersRefreshThenRetry(t *testing.T) {
	b := newTestBackend(t)
	c, tokens := b.client(t, "stale", nil)

	msgs, err := c.Messages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, int32(1), atomic.LoadInt32(&b.refreshCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.apiCalls), "one failed attempt, one retry")

	cred, ok := tokens.Get()
	require.True(t, ok)
	assert.Equal(t, "good", cred.AccessToken)
}

func TestRetryHappensExactlyOnce(t *testing.T) {
	b := newTestBackend(t)
	// Refresh "succeeds" but hands back a token the API still rejects;
	// the client must surface Unauthorized after one retry, not loop.
	b.refreshYields.Store("still-stale")
	c, _ := b.client(t, "stale", nil)

	_, err := c.Messages(context.Background(), 1)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.refreshCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.apiCalls))
}

func TestRefreshFailureIsSessionExpired(t *testing.T) {
	b := newTestBackend(t)
	b.refreshFails = true

	loggedOut := false
	c, _ := b.client(t, "stale", func() { loggedOut = true })

	_, err := c.Messages(context.Background(), 1)
	require.ErrorIs(t, err, token.ErrSessionExpired)
	assert.True(t, loggedOut, "session expiry must invoke the logout hook")
}

func TestConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	b := newTestBackend(t)
	b.refreshDelay = 100 * time.Millisecond
	c, _ := b.client(t, "stale", nil)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Messages(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&b.refreshCalls),
		"a burst of 401s must coalesce into a single refresh")
}

func TestLoginSeedsTokenStore(t *testing.T) {
	var gotRemember bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Remember bool `json:"remember"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotRemember = req.Remember
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "a",
			"refresh_token": "r",
			"id":            7,
			"username":      "alice",
		})
	}))
	defer srv.Close()

	tokens := token.NewStore(token.Config{})
	c := NewClient(Config{BaseURL: srv.URL, Tokens: tokens})

	res, err := c.Login(context.Background(), "alice", "pw", true)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ID)
	assert.True(t, gotRemember)

	cred, ok := tokens.Get()
	require.True(t, ok)
	assert.Equal(t, "a", cred.AccessToken)
	assert.Equal(t, token.TierDurable, tokens.Tier())
}
