package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/watzon/tracery/internal/credentials"
)

// refreshMargin is how close to expiry a credential is refreshed.
const refreshMargin = 30 * time.Second

// Refresher renews an execution credential.
type Refresher func(ctx context.Context, ec credentials.ExecutionContext) (credentials.ExecutionContext, error)

// CallbackClient is the authenticated channel from user code back into the
// platform API.
type CallbackClient struct {
	mu      sync.Mutex
	ec      credentials.ExecutionContext
	refresh Refresher
	client  *http.Client
}

// NewCallbackClient creates a client for ec. A nil refresh uses the
// platform's refresh endpoint.
func NewCallbackClient(ec credentials.ExecutionContext, refresh Refresher) *CallbackClient {
	c := &CallbackClient{
		ec:     ec,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if refresh == nil {
		refresh = c.refreshRemote
	}
	c.refresh = refresh
	return c
}

// Context returns the current execution context.
func (c *CallbackClient) Context() credentials.ExecutionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ec
}

func (c *CallbackClient) credential(ctx context.Context) (credentials.ExecutionContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ec.NeedsRefresh(refreshMargin) {
		fresh, err := c.refresh(ctx, c.ec)
		if err != nil {
			return c.ec, fmt.Errorf("refreshing credential: %w", err)
		}
		if fresh.ExecutionID != c.ec.ExecutionID {
			return c.ec, fmt.Errorf("refreshed credential is for a different execution")
		}
		c.ec = fresh
	}
	return c.ec, nil
}

// Do sends a request to path on the platform API and decodes the JSON
// response. Non-object responses are returned under "data".
func (c *CallbackClient) Do(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	ec, err := c.credential(ctx)
	if err != nil {
		return nil, err
	}
	if ec.CallbackURL == "" {
		return nil, fmt.Errorf("callback API is not available")
	}
	return c.send(ctx, ec, method, path, body)
}

func (c *CallbackClient) send(ctx context.Context, ec credentials.ExecutionContext, method, path string, body map[string]any) (map[string]any, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding callback body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(ec.CallbackURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating callback request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ec.Credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("callback %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading callback response: %w", err)
	}

	var decoded any
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("callback %s %s: invalid JSON response", method, path)
		}
	}

	obj, isObj := decoded.(map[string]any)
	if resp.StatusCode >= 400 {
		msg := http.StatusText(resp.StatusCode)
		if isObj {
			if m, ok := obj["error"].(string); ok {
				msg = m
			}
		}
		return nil, fmt.Errorf("callback %s %s: %d: %s", method, path, resp.StatusCode, msg)
	}
	if !isObj {
		return map[string]any{"data": decoded}, nil
	}
	return obj, nil
}

// refreshRemote renews the credential through the platform's refresh
// endpoint, authenticating with the current credential.
func (c *CallbackClient) refreshRemote(ctx context.Context, ec credentials.ExecutionContext) (credentials.ExecutionContext, error) {
	if ec.CallbackURL == "" {
		return ec, fmt.Errorf("callback API is not available")
	}
	out, err := c.send(ctx, ec, http.MethodPost, "/api/internal/refresh", nil)
	if err != nil {
		return ec, err
	}
	cred, _ := out["credential"].(string)
	if cred == "" {
		return ec, fmt.Errorf("refresh response has no credential")
	}
	ec.Credential = cred
	if exp, ok := out["expires_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			ec.ExpiresAt = t
		}
	}
	return ec, nil
}
