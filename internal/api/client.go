package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go-chat-sync/internal/token"
	"go-chat-sync/internal/wire"
)

// ErrUnauthorized means the server still rejected the request after one
// refresh-and-retry cycle. The credential was fresh and it was not
// enough; this is an authorization problem, not an expiry problem.
var ErrUnauthorized = errors.New("api: unauthorized")

// Client issues REST calls with the current credential attached. On a
// 401 it refreshes the credential (single flight, shared with every
// other caller via the token store) and retries exactly once. A failed
// refresh surfaces token.ErrSessionExpired and fires the logout hook.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *token.Store
	onLogout   func()
}

type Config struct {
	BaseURL    string
	Tokens     *token.Store
	HTTPClient *http.Client
	// OnLogout runs when a refresh is rejected and the session is dead.
	OnLogout func()
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	onLogout := cfg.OnLogout
	if onLogout == nil {
		onLogout = func() {}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		onLogout:   onLogout,
	}
}

// Do runs one logical request. body (if non-nil) is JSON-encoded; out
// (if non-nil) is filled from a 2xx response body.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if _, err := c.tokens.Refresh(ctx); err != nil {
			if errors.Is(err, token.ErrSessionExpired) || errors.Is(err, token.ErrNoCredential) {
				c.onLogout()
				return token.ErrSessionExpired
			}
			return err
		}

		// Exactly one retry per logical request.
		resp, err = c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return ErrUnauthorized
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api: %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred, ok := c.tokens.Get(); ok {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// Messages fetches the full history for a chat, oldest first.
func (c *Client) Messages(ctx context.Context, chatID int) ([]wire.Message, error) {
	var msgs []wire.Message
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/api/messages?chat_id=%d", chatID), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// LoginResponse mirrors the server's login payload.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ID           int    `json:"id"`
	Username     string `json:"username"`
}

// Login authenticates and seeds the token store. remember selects the
// durable tier, so the credential survives a restart.
func (c *Client) Login(ctx context.Context, username, password string, remember bool) (*LoginResponse, error) {
	var out LoginResponse
	body := map[string]interface{}{"username": username, "password": password, "remember": remember}
	if err := c.Do(ctx, http.MethodPost, "/login", body, &out); err != nil {
		return nil, err
	}
	tier := token.TierSession
	if remember {
		tier = token.TierDurable
	}
	c.tokens.Set(token.Credential{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
	}, tier)
	return &out, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.Do(ctx, http.MethodPost, "/register", body, nil)
}
