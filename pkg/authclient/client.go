package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the credential API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authclient: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the EMR API with the held access token. A 401 carrying
// token_expired or token_invalid triggers one coordinated refresh and a
// single replay of the request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	coord      *RefreshCoordinator
	coordOpts  []CoordinatorOption
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCoordinatorOptions passes options through to the RefreshCoordinator.
func WithCoordinatorOptions(opts ...CoordinatorOption) Option {
	return func(c *Client) { c.coordOpts = append(c.coordOpts, opts...) }
}

// New returns a Client for the API rooted at baseURL, e.g.
// "https://emr.example.org/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	c.coord = NewRefreshCoordinator(c.refresh, c.coordOpts...)
	return c
}

// Coordinator exposes the token state.
func (c *Client) Coordinator() *RefreshCoordinator { return c.coord }

// Login exchanges credentials for a token pair and holds it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var t Tokens
	if err := c.postJSON(ctx, "/auth/login", map[string]string{"email": email, "password": password}, &t); err != nil {
		return err
	}
	c.coord.SetTokens(t)
	return nil
}

// Logout ends the server session and drops the held tokens. Tokens are
// dropped even when the call fails.
func (c *Client) Logout(ctx context.Context) error {
	rt := c.coord.RefreshToken()
	c.coord.Clear()
	if rt == "" {
		return nil
	}
	return c.postJSON(ctx, "/auth/logout", map[string]string{"refresh_token": rt}, nil)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var t Tokens
	err := c.postJSON(ctx, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, &t)
	return t, err
}

// NewRequest builds a request against the API root.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}

// Do sends req with the current bearer token. The body is buffered so the
// request can be replayed after a refresh. Refresh failures are returned
// as ErrReauthRequired.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		buf, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
		req.Body, _ = req.GetBody()
	}

	token := c.coord.Token()
	resp, err := c.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read 401 body: %w", err)
	}
	var apiErr APIError
	_ = json.Unmarshal(raw, &apiErr)
	if apiErr.Code != "token_expired" && apiErr.Code != "token_invalid" {
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp, nil
	}

	fresh, err := c.coord.Refresh(req.Context(), token)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
	}
	return c.send(retry, fresh)
}

func (c *Client) send(req *http.Request, token string) (*http.Response, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	return c.httpClient.Do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.NewRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
