// Package rest holds the synchronous request/response collaborator consumed
// by the streaming core. Only the session-credential surface is implemented;
// market discovery and order placement stay behind the interfaces.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	appconfig "betstream/config"
	"betstream/internal/ratelimit"
	"betstream/internal/retry"
	"betstream/logger"
)

// SessionProvider yields the session credential required by the streaming
// authentication handshake.
type SessionProvider interface {
	SessionToken(ctx context.Context) (string, error)
}

// StaticSession is a SessionProvider for a credential obtained out of band,
// mainly used by tests.
type StaticSession string

func (s StaticSession) SessionToken(context.Context) (string, error) {
	return string(s), nil
}

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
	LoginStatus  string `json:"loginStatus"`
	Error        string `json:"error,omitempty"`
}

// Client performs the interactive login call and caches the resulting
// session token until the keep-alive window lapses. Calls go through the
// transaction rate bucket and the shared retry policy.
type Client struct {
	config  *appconfig.Config
	http    *http.Client
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     *logger.Log

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

func NewClient(cfg *appconfig.Config, limiter *ratelimit.Limiter) *Client {
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Rest.Timeout},
		limiter: limiter,
		policy: retry.Policy{
			MaxAttempts:  cfg.Rest.Retry.MaxAttempts,
			InitialDelay: cfg.Rest.Retry.BaseDelay,
			MaxDelay:     cfg.Rest.Retry.MaxDelay,
			Multiplier:   cfg.Rest.Retry.BackoffMultiplier,
			Jitter:       true,
		},
		log: logger.GetLogger(),
	}
}

// SessionToken returns a cached token while it is fresh, otherwise performs
// an interactive login.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	keepAlive := c.config.Rest.KeepAlive
	if c.token != "" && (keepAlive <= 0 || time.Since(c.fetchedAt) < keepAlive) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	var token string
	err := c.policy.Do(ctx, func() error {
		var err error
		token, err = c.login(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token, forcing a fresh login on the next call.
// The stream session calls this after an authentication rejection.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) login(ctx context.Context) (string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.Transaction, 1); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("username", c.config.Auth.Username)
	form.Set("password", c.config.Auth.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Rest.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application", c.config.Auth.AppKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if body.LoginStatus != "SUCCESS" || body.SessionToken == "" {
		return "", fmt.Errorf("login rejected: %s", body.LoginStatus)
	}

	c.log.WithComponent("rest").Debug("obtained session token")
	return body.SessionToken, nil
}
