// Package adlibrary implements the HTTP client for the hosted ad-library
// scraper. Only the request/response contract is consumed here; the
// scraper's internals are its own business.
package adlibrary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"adscout/internal/scout"
)

// Run statuses reported by the scraper API.
const (
	statusRunning   = "RUNNING"
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// Config captures the connection parameters for the scraper API.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the scraper's REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scraper base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type startRequest struct {
	TargetURL string `json:"target_url"`
}

type startResponse struct {
	Data struct {
		RunID string `json:"run_id"`
	} `json:"data"`
}

// Start launches a scrape of targetURL and returns the opaque run id the
// scraper issued for it.
func (c *Client) Start(ctx context.Context, targetURL string) (string, error) {
	body, err := json.Marshal(startRequest{TargetURL: targetURL})
	if err != nil {
		return "", fmt.Errorf("marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("start run: status %d: %s", resp.StatusCode, string(snippet))
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode start response: %w", err)
	}
	if out.Data.RunID == "" {
		return "", fmt.Errorf("start run: response carried no run id")
	}
	return out.Data.RunID, nil
}

type pollResponse struct {
	Data struct {
		Status string            `json:"status"`
		Items  []json.RawMessage `json:"items"`
	} `json:"data"`
}

// Poll fetches the run's current items. While the scraper is still running
// it returns an empty slice and no error; a terminal scraper-side failure
// is returned as an error.
func (c *Client) Poll(ctx context.Context, runID string) ([]scout.AdItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/runs/%s/items", c.baseURL, runID), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll run %s: %w", runID, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("poll run %s: status %d: %s", runID, resp.StatusCode, string(snippet))
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	switch out.Data.Status {
	case statusRunning, "":
		return nil, nil
	case statusSucceeded:
		return decodeItems(out.Data.Items)
	case statusFailed, statusAborted, statusTimedOut:
		return nil, fmt.Errorf("run %s ended with scraper status %s", runID, out.Data.Status)
	default:
		return nil, fmt.Errorf("run %s: unexpected scraper status %q", runID, out.Data.Status)
	}
}

// decodeItems unmarshals each item and keeps its raw bytes for the audit
// trail. An undecodable item is skipped rather than failing the poll.
func decodeItems(raw []json.RawMessage) ([]scout.AdItem, error) {
	items := make([]scout.AdItem, 0, len(raw))
	for _, data := range raw {
		var item scout.AdItem
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		item.Raw = append(json.RawMessage(nil), data...)
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
