// Package accounts is the REST client for the accounts service: login,
// registration, profile, password and token lifecycle. Every endpoint
// answers a normalized success/data/error envelope; an unauthorized response
// triggers one token refresh-and-retry before the failure surfaces as
// ErrAuthExpired.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"
)

// ErrAuthExpired means both the access token and the refresh attempt were
// rejected; the caller must re-authenticate.
var ErrAuthExpired = errors.New("accounts: session expired")

// refreshLeeway refreshes the access token proactively when it is about to
// expire, saving the 401 round trip.
const refreshLeeway = 30 * time.Second

// Envelope is the normalized response wrapper every endpoint returns.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Tokens is the access/refresh pair issued on login and refresh.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Profile is the account's user record.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// LoginResult is the data payload of login and register.
type LoginResult struct {
	User   Profile `json:"user"`
	Tokens Tokens  `json:"tokens"`
}

// ProfileUpdate is a partial profile patch; nil fields are left unchanged.
type ProfileUpdate struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Username  *string `json:"username,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// Client talks to the accounts service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu       sync.RWMutex
	access   string
	refresh  string
	onTokens func(access, refresh string)
}

// NewClient creates an accounts client rooted at baseURL (e.g.
// "https://api.example.com/accounts").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			// gzip is negotiated and decoded by hand below.
			Transport: &http.Transport{DisableCompression: true},
		},
		logger: slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (c *Client) SetLogger(l *slog.Logger) { c.logger = l }

// SetTokens installs a token pair, e.g. one restored from storage.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	c.access = access
	c.refresh = refresh
	fn := c.onTokens
	c.mu.Unlock()
	if fn != nil {
		fn(access, refresh)
	}
}

// Tokens returns the current token pair.
func (c *Client) Tokens() (access, refresh string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access, c.refresh
}

// OnTokenRefresh registers a callback fired whenever the token pair changes,
// so sibling clients (socket dialer, file transfer) can pick up the new
// access token.
func (c *Client) OnTokenRefresh(fn func(access, refresh string)) {
	c.mu.Lock()
	c.onTokens = fn
	c.mu.Unlock()
}

func (c *Client) clearTokens() {
	c.SetTokens("", "")
}

// accessExpiringSoon inspects the unverified JWT claims of the access token.
// Verification is the server's job; the client only reads exp.
func (c *Client) accessExpiringSoon() bool {
	c.mu.RLock()
	access := c.access
	c.mu.RUnlock()
	if access == "" {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < refreshLeeway
}

// --- Operations ---

// Login authenticates with email and password and installs the returned
// token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	env, err := c.do(ctx, http.MethodPost, "/login/", map[string]string{
		"email":    email,
		"password": password,
	}, false)
	if err != nil {
		c.clearTokens()
		return nil, err
	}
	var result LoginResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("login: decode result: %w", err)
	}
	c.SetTokens(result.Tokens.Access, result.Tokens.Refresh)
	return &result, nil
}

// Register creates an account and installs the returned token pair.
func (c *Client) Register(ctx context.Context, email, username, password string) (*LoginResult, error) {
	env, err := c.do(ctx, http.MethodPost, "/register/", map[string]string{
		"email":    email,
		"username": username,
		"password": password,
	}, false)
	if err != nil {
		c.clearTokens()
		return nil, err
	}
	var result LoginResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("register: decode result: %w", err)
	}
	c.SetTokens(result.Tokens.Access, result.Tokens.Refresh)
	return &result, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token. On
// failure the stored pair is cleared and ErrAuthExpired returned.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	_, refresh := c.Tokens()
	if refresh == "" {
		return ErrAuthExpired
	}
	env, err := c.do(ctx, http.MethodPost, "/token/refresh/", map[string]string{
		"refresh": refresh,
	}, false)
	if err != nil {
		c.clearTokens()
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	var tokens Tokens
	if err := json.Unmarshal(env.Data, &tokens); err != nil {
		c.clearTokens()
		return fmt.Errorf("%w: decode refresh result: %v", ErrAuthExpired, err)
	}
	if tokens.Refresh == "" {
		tokens.Refresh = refresh
	}
	c.SetTokens(tokens.Access, tokens.Refresh)
	return nil
}

// Logout revokes the refresh token server-side (best effort) and clears the
// stored pair.
func (c *Client) Logout(ctx context.Context) error {
	_, refresh := c.Tokens()
	var err error
	if refresh != "" {
		_, err = c.do(ctx, http.MethodPost, "/logout/", map[string]string{
			"refresh_token": refresh,
		}, true)
		if err != nil {
			c.logger.Warn("logout request failed", "error", err)
		}
	}
	c.clearTokens()
	return err
}

// GetProfile fetches the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	env, err := c.do(ctx, http.MethodGet, "/profile/", nil, true)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode result: %w", err)
	}
	return &p, nil
}

// UpdateProfile applies a partial profile patch and returns the updated
// record.
func (c *Client) UpdateProfile(ctx context.Context, patch ProfileUpdate) (*Profile, error) {
	env, err := c.do(ctx, http.MethodPatch, "/profile/", patch, true)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode result: %w", err)
	}
	return &p, nil
}

// ChangePassword swaps the account password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	_, err := c.do(ctx, http.MethodPost, "/change-password/", map[string]string{
		"old_password": oldPassword,
		"new_password": newPassword,
	}, true)
	return err
}

// CheckAuth reports whether the current session is still valid.
func (c *Client) CheckAuth(ctx context.Context) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/check-auth/", nil, true)
	if errors.Is(err, ErrAuthExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- HTTP plumbing ---

// do sends one request and decodes the envelope. Authed requests refresh
// proactively near expiry and retry exactly once after a 401.
func (c *Client) do(ctx context.Context, method, path string, body any, authed bool) (*Envelope, error) {
	if authed && c.accessExpiringSoon() {
		if _, refresh := c.Tokens(); refresh != "" {
			if err := c.RefreshAccessToken(ctx); err != nil {
				c.logger.Warn("proactive token refresh failed", "error", err)
			}
		}
	}

	env, status, err := c.roundTrip(ctx, method, path, body, authed)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && authed {
		if _, refresh := c.Tokens(); refresh == "" {
			return nil, ErrAuthExpired
		}
		if err := c.RefreshAccessToken(ctx); err != nil {
			return nil, err
		}
		env, status, err = c.roundTrip(ctx, method, path, body, authed)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.clearTokens()
			return nil, ErrAuthExpired
		}
	}

	if status < 200 || status >= 300 {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return nil, fmt.Errorf("accounts: %s %s: %d %s", method, path, status, msg)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return nil, fmt.Errorf("accounts: %s %s: %s", method, path, msg)
	}
	return env, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, authed bool) (*Envelope, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if authed {
		access, _ := c.Tokens()
		if access != "" {
			req.Header.Set("Authorization", "Bearer "+access)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return nil, 0, err
	}

	env := &Envelope{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, env); err != nil {
			// Non-envelope bodies (proxies, HTML error pages) still surface
			// their status code.
			env = &Envelope{Error: strings.TrimSpace(string(raw))}
		}
	}
	return env, resp.StatusCode, nil
}

// readBody drains the response, transparently decoding gzip.
func readBody(resp *http.Response) ([]byte, error) {
	body := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		defer zr.Close()
		body = zr
	}
	return io.ReadAll(body)
}
