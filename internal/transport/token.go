// Package transport maintains the framed duplex connection between the
// node and the C&C service.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Auth error kinds the token source surfaces.
var (
	// ErrAuthExpired: the mint endpoint rejected the bootstrap token (401).
	ErrAuthExpired = errors.New("auth expired")
	// ErrAuthRevoked: credentials revoked (403). Operator intervention.
	ErrAuthRevoked = errors.New("auth revoked")
	// ErrAuthUnavailable: the mint endpoint could not be reached.
	ErrAuthUnavailable = errors.New("auth endpoint unavailable")
)

// TokenConfig configures the session-token lifecycle.
type TokenConfig struct {
	// URL of the session-token mint endpoint. Empty means the bootstrap
	// token is used directly on the socket.
	URL            string
	BootstrapToken string
	NodeID         string
	RequestTimeout time.Duration
	// RefreshBuffer is how long before expiry a cached token stops being
	// reused.
	RefreshBuffer time.Duration
}

// TokenSource mints and caches session tokens. Tokens live in memory
// only and are invalidated on auth-expired/revoked close frames.
type TokenSource struct {
	log    zerolog.Logger
	cfg    TokenConfig
	client *http.Client

	mu        sync.Mutex
	cached    string
	expiresAt time.Time // zero means no expiry
}

// NewTokenSource creates a TokenSource.
func NewTokenSource(log zerolog.Logger, cfg TokenConfig) *TokenSource {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenSource{
		log:    log.With().Str("component", "token-source").Logger(),
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type mintRequest struct {
	NodeID string `json:"nodeId"`
}

type mintResponse struct {
	Token       string `json:"token"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
}

// Token returns a bearer token for the next connect attempt. The cached
// session token is reused while more than RefreshBuffer remains before
// its expiry; otherwise a fresh one is minted.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if t.cfg.URL == "" {
		return t.cfg.BootstrapToken, nil
	}

	t.mu.Lock()
	if t.cached != "" && (t.expiresAt.IsZero() || time.Until(t.expiresAt) > t.cfg.RefreshBuffer) {
		token := t.cached
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	return t.mint(ctx)
}

func (t *TokenSource) mint(ctx context.Context) (string, error) {
	body, err := json.Marshal(mintRequest{NodeID: t.cfg.NodeID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.BootstrapToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		t.Invalidate()
		return "", fmt.Errorf("%w: mint endpoint returned 401", ErrAuthExpired)
	case resp.StatusCode == http.StatusForbidden:
		t.Invalidate()
		return "", fmt.Errorf("%w: mint endpoint returned 403", ErrAuthRevoked)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: mint endpoint returned %d", ErrAuthUnavailable, resp.StatusCode)
	}

	var minted mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return "", fmt.Errorf("%w: malformed mint response: %v", ErrAuthUnavailable, err)
	}
	if minted.Token == "" {
		return "", fmt.Errorf("%w: mint response missing token", ErrAuthUnavailable)
	}

	t.mu.Lock()
	t.cached = minted.Token
	if minted.ExpiresAtMs > 0 {
		t.expiresAt = time.UnixMilli(minted.ExpiresAtMs)
	} else {
		t.expiresAt = time.Time{}
	}
	t.mu.Unlock()

	t.log.Debug().Msg("session token minted")
	return minted.Token, nil
}

// Invalidate drops the cached session token.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.cached = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}
