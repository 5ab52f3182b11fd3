package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ChangeSource fetches recent deployment records from a change feed so the
// correlation layer can tie a failure to a rollout.
type ChangeSource struct {
	feedURL    string
	window     time.Duration
	httpClient *http.Client
}

// NewChangeSource creates a change-feed source looking back over window.
func NewChangeSource(feedURL string, window time.Duration) *ChangeSource {
	return &ChangeSource{
		feedURL:    feedURL,
		window:     window,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ChangeSource) Name() string { return "changes" }

// Collect asks the feed for deployments touching the service within the
// window. The feed's JSON body is passed through under "deployments".
func (c *ChangeSource) Collect(ctx context.Context, req Request) (json.RawMessage, error) {
	u, err := url.Parse(c.feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("service", req.Endpoint)
	q.Set("since", time.Now().UTC().Add(-c.window).Format(time.RFC3339))
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("change feed query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("change feed returned %d: %s", resp.StatusCode, string(body))
	}

	var deployments []json.RawMessage
	if err := json.Unmarshal(body, &deployments); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	output := map[string]any{
		"service":      req.Endpoint,
		"window_hours": c.window.Hours(),
		"deploy_count": len(deployments),
		"deployments":  deployments,
	}
	return json.Marshal(output)
}
