package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-chat-sync/internal/session"
)

// Recoverer turns an authorization failure into a fresh access token.
// An error means the session could not be recovered.
type Recoverer interface {
	Recover(ctx context.Context) (string, error)
}

// maxAttempts bounds sends per request: the original plus one retry.
const maxAttempts = 2

// Client sends requests against a single base URL.
type Client struct {
	baseURL string
	http    *http.Client
	store   *session.Store
	log     *slog.Logger

	mu        sync.RWMutex
	recoverer Recoverer
}

// NewClient creates a pipeline bound to store. A zero timeout falls back to
// 30s; httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client, store *session.Store, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
		log:     log.With("component", "api"),
	}
}

// UseRecoverer installs the recovery hook consulted on 401. Without one every
// 401 is terminal.
func (c *Client) UseRecoverer(r Recoverer) {
	c.mu.Lock()
	c.recoverer = r
	c.mu.Unlock()
}

// Do sends req and decodes a successful body into out (which may be nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	return c.send(ctx, req, 0, out)
}

// Get is a shorthand for a body-less GET.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, _ := NewRequest(http.MethodGet, path, nil)
	return c.Do(ctx, req, out)
}

// Post is a shorthand for a JSON POST.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	req, err := NewRequest(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.Do(ctx, req, out)
}

func (c *Client) send(ctx context.Context, req Request, attempt int, out any) error {
	httpReq, err := c.decorate(ctx, req)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", req.Method, req.Path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", req.Method, req.Path, err)
		}
		return nil
	}

	apiErr := newError(req, resp.StatusCode, body)
	rec := c.recovererFor(req, resp.StatusCode, attempt)
	if rec == nil {
		return apiErr
	}

	c.log.Debug("unauthorized, attempting recovery", "path", req.Path, "request_id", req.ID)
	token, err := rec.Recover(ctx)
	if err != nil || token == "" {
		c.log.Info("recovery failed", "path", req.Path, "request_id", req.ID, "error", err)
		return apiErr
	}
	return c.send(ctx, req, attempt+1, out)
}

// recovererFor returns the recoverer when a response is eligible for the
// refresh-and-retry path, nil when it is terminal.
func (c *Client) recovererFor(req Request, status, attempt int) Recoverer {
	if status != http.StatusUnauthorized || IsAuthEndpoint(req.Path) || attempt+1 >= maxAttempts {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recoverer
}

// decorate builds the wire request. The token is read from the store at
// send time so a retry picks up the refreshed credential.
func (c *Client) decorate(ctx context.Context, req Request) (*http.Request, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	if IsAuthEndpoint(req.Path) {
		httpReq.Header.Del("Authorization")
	} else if token := c.store.AccessToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}
