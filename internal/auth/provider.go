// Package auth supplies the bearer token and identity the realtime layer
// authenticates with. The layer itself never logs in; it only consumes a
// Provider.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agora-collab/realtime/internal/domain"
)

type Provider interface {
	GetToken(ctx context.Context) (string, error)
	GetCurrentUser() domain.User
}

// Static carries a fixed token and identity, for tests and CLI use.
type Static struct {
	Token string
	User  domain.User
}

func (s Static) GetToken(_ context.Context) (string, error) { return s.Token, nil }
func (s Static) GetCurrentUser() domain.User                { return s.User }

// RESTLogin authenticates against the backend's /api/auth routes and caches
// the access token and resolved identity.
type RESTLogin struct {
	Base     string
	Username string
	Password string
	Client   *http.Client

	mu    sync.Mutex
	token string
	user  domain.User
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (r *RESTLogin) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *RESTLogin) GetToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" {
		return r.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"username": r.Username,
		"password": r.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Base+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("login: decode: %w", err)
	}
	r.token = tok.AccessToken

	if err := r.fetchIdentity(ctx); err != nil {
		return "", err
	}
	return r.token, nil
}

// fetchIdentity resolves the logged-in user via /api/auth/me. Caller holds r.mu.
func (r *RESTLogin) fetchIdentity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Base+"/api/auth/me", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whoami: unexpected status %d", resp.StatusCode)
	}
	var u userResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return fmt.Errorf("whoami: decode: %w", err)
	}
	r.user = domain.User{ID: domain.UserID(u.ID), DisplayName: u.DisplayName}
	return nil
}

func (r *RESTLogin) GetCurrentUser() domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user
}
