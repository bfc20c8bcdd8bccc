// Package identity resolves bearer tokens against the auth service profile endpoint.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/domain"
)

// Client implements core.IdentityResolver. Failures are never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout bounds each profile request. Zero, the default, means no bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Resolve calls GET <base>/profile with the token as bearer credential.
func (c *Client) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile", nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: build request: %v", domain.ErrUnauthorized, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.identity").Msg("profile request failed")
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Identity{}, fmt.Errorf("%w: profile returned %s", domain.ErrUnauthorized, resp.Status)
	}

	var id domain.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: decode profile: %v", domain.ErrUnauthorized, err)
	}
	if id.ID == "" {
		return domain.Identity{}, fmt.Errorf("%w: profile without _id", domain.ErrUnauthorized)
	}
	return id, nil
}
