package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"oreocam/native/internal/domain"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// Client fetches STUN/TURN servers from an ICE credentials endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates an API client for url. An empty url disables discovery.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// ICEServers returns the configured STUN servers followed by any TURN servers
// returned by the credentials endpoint. A failed fetch falls back to STUN only.
func (c *Client) ICEServers(ctx context.Context, stunURLs []string) []domain.ICEServer {
	var servers []domain.ICEServer
	if len(stunURLs) > 0 {
		servers = append(servers, domain.ICEServer{URLs: stunURLs})
	}
	if c.url == "" {
		return servers
	}

	creds, err := c.FetchTURNCredentials(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "api").Msg("TURN credentials unavailable, using STUN only")
		return servers
	}
	log.Info().Str("module", "api").Int("ttl", creds.TTL).Int("uris", len(creds.URIs)).Msg("TURN credentials fetched")
	return append(servers, domain.ICEServer{
		URLs:       creds.URIs,
		Username:   creds.Username,
		Credential: creds.Password,
	})
}

// FetchTURNCredentials calls the credentials endpoint.
func (c *Client) FetchTURNCredentials(ctx context.Context) (*domain.TURNCredentials, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var creds domain.TURNCredentials
	if err := json.Unmarshal(respBody, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(creds.URIs) == 0 {
		return nil, fmt.Errorf("credentials response has no uris")
	}
	return &creds, nil
}
