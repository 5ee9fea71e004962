package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentoven/agentoven/playground/pkg/models"
)

// ErrNotFound is returned when the backend reports 404.
var ErrNotFound = errors.New("not found")

// Client talks to a configuration backend over HTTP JSON.
//
//	POST   {base}/variants/query          FetchRequest → FetchResponse
//	GET    {base}/schema?uri=...          → Schema
//	POST   {base}/variants/{id}/commit    Variant → Variant
//	DELETE {base}/variants/{id}
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient creates a client for base. token is sent as a bearer token when
// set.
func NewClient(base, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	var resp FetchResponse
	if err := c.do(ctx, http.MethodPost, "/variants/query", req, &resp); err != nil {
		return nil, fmt.Errorf("fetch variants: %w", err)
	}
	return &resp, nil
}

// FetchSchema implements SchemaFetcher.
func (c *Client) FetchSchema(ctx context.Context, uri string) (*models.Schema, error) {
	var sc models.Schema
	if err := c.do(ctx, http.MethodGet, "/schema?uri="+url.QueryEscape(uri), nil, &sc); err != nil {
		return nil, fmt.Errorf("fetch schema: %w", err)
	}
	return &sc, nil
}

// Commit implements Mutator.
func (c *Client) Commit(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	var saved models.Variant
	if err := c.do(ctx, http.MethodPost, "/variants/"+url.PathEscape(v.ID)+"/commit", v, &saved); err != nil {
		return nil, fmt.Errorf("commit variant %s: %w", v.ID, err)
	}
	return &saved, nil
}

// Delete implements Mutator.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/variants/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete variant %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
