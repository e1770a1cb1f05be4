package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func mintServer(t *testing.T, status int, token string, expiresAtMs int64, mints *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mints.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer boot" {
			t.Errorf("Authorization = %q", got)
		}
		var body struct {
			NodeID string `json:"nodeId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID != "node-1" {
			t.Errorf("bad mint body: %v %+v", err, body)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"token": token, "expiresAtMs": expiresAtMs})
		}
	}))
}

func newTokenSource(url string, refreshBuffer time.Duration) *TokenSource {
	return NewTokenSource(zerolog.Nop(), TokenConfig{
		URL:            url,
		BootstrapToken: "boot",
		NodeID:         "node-1",
		RequestTimeout: 2 * time.Second,
		RefreshBuffer:  refreshBuffer,
	})
}

func TestTokenWithoutMintURLUsesBootstrap(t *testing.T) {
	ts := newTokenSource("", time.Minute)
	token, err := ts.Token(context.Background())
	if err != nil || token != "boot" {
		t.Fatalf("token = %q, err = %v", token, err)
	}
}

func TestTokenMintsAndCaches(t *testing.T) {
	var mints atomic.Int64
	srv := mintServer(t, http.StatusOK, "session-abc", time.Now().Add(time.Hour).UnixMilli(), &mints)
	defer srv.Close()

	ts := newTokenSource(srv.URL, time.Minute)
	for i := 0; i < 3; i++ {
		token, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if token != "session-abc" {
			t.Fatalf("token = %q", token)
		}
	}
	if mints.Load() != 1 {
		t.Errorf("mints = %d, want 1 (cached reuse)", mints.Load())
	}
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	var mints atomic.Int64
	// Token expires within the refresh buffer, so every call re-mints.
	srv := mintServer(t, http.StatusOK, "short-lived", time.Now().Add(10*time.Second).UnixMilli(), &mints)
	defer srv.Close()

	ts := newTokenSource(srv.URL, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := ts.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if mints.Load() != 2 {
		t.Errorf("mints = %d, want 2 (expiry within buffer)", mints.Load())
	}
}

func TestTokenInvalidateForcesRemint(t *testing.T) {
	var mints atomic.Int64
	srv := mintServer(t, http.StatusOK, "session-abc", time.Now().Add(time.Hour).UnixMilli(), &mints)
	defer srv.Close()

	ts := newTokenSource(srv.URL, time.Minute)
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	ts.Invalidate()
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token after invalidate: %v", err)
	}
	if mints.Load() != 2 {
		t.Errorf("mints = %d, want 2", mints.Load())
	}
}

func TestTokenMintRejections(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthExpired},
		{http.StatusForbidden, ErrAuthRevoked},
		{http.StatusInternalServerError, ErrAuthUnavailable},
	}
	for _, tc := range cases {
		var mints atomic.Int64
		srv := mintServer(t, tc.status, "", 0, &mints)
		ts := newTokenSource(srv.URL, time.Minute)
		_, err := ts.Token(context.Background())
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestTokenNetworkFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	ts := newTokenSource(srv.URL, time.Minute)
	if _, err := ts.Token(context.Background()); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("err = %v, want ErrAuthUnavailable", err)
	}
}

func TestTokenMalformedMintResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token": ""}`))
	}))
	defer srv.Close()

	ts := newTokenSource(srv.URL, time.Minute)
	if _, err := ts.Token(context.Background()); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("err = %v, want ErrAuthUnavailable", err)
	}
}
