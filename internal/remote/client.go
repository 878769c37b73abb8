package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coppermind/shoebox/internal/ops"
)

// Config holds remote client settings.
type Config struct {
	// BaseURL is the root of the remote API, e.g. https://sync.example.com
	BaseURL string

	// AuthToken is sent as a bearer token on every request.
	AuthToken string

	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration
}

// Client performs the sync RPCs over HTTP JSON.
type Client struct {
	cfg Config
	hc  *http.Client
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg Config) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: to},
	}
}

var _ API = (*Client)(nil)

// GetAll implements API.GetAll.
func (c *Client) GetAll(ctx context.Context, partitionID, collection, cursor string) (Page, error) {
	endpoint := fmt.Sprintf("%s/v1/partitions/%s/collections/%s/records",
		c.cfg.BaseURL, url.PathEscape(partitionID), url.PathEscape(collection))
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	var page Page
	if err := c.getJSON(ctx, endpoint, &page); err != nil {
		return Page{}, fmt.Errorf("failed to fetch %s/%s page: %w", partitionID, collection, err)
	}
	return page, nil
}

// GetJournal implements API.GetJournal.
func (c *Client) GetJournal(ctx context.Context, partitionID string, sinceMS int64) (Journal, error) {
	endpoint := fmt.Sprintf("%s/v1/partitions/%s/journal?since=%s",
		c.cfg.BaseURL, url.PathEscape(partitionID), strconv.FormatInt(sinceMS, 10))

	var journal Journal
	if err := c.getJSON(ctx, endpoint, &journal); err != nil {
		return Journal{}, fmt.Errorf("failed to fetch journal for %s: %w", partitionID, err)
	}
	return journal, nil
}

// UploadAsset implements API.UploadAsset.
// The asset bytes are the request body; metadata travels in the path
// and headers.
func (c *Client) UploadAsset(ctx context.Context, partitionID, recordID, kind, contentType string, data []byte) error {
	endpoint := fmt.Sprintf("%s/v1/partitions/%s/records/%s/assets/%s",
		c.cfg.BaseURL, url.PathEscape(partitionID), url.PathEscape(recordID), url.PathEscape(kind))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload asset %s/%s: %w", recordID, kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload of %s/%s failed: %s", recordID, kind, resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SubmitOperations implements API.SubmitOperations.
func (c *Client) SubmitOperations(ctx context.Context, dbOps []ops.DatabaseOp) error {
	body, err := json.Marshal(struct {
		Ops []ops.DatabaseOp `json:"ops"`
	}{Ops: dbOps})
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit operations: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("operation submission failed: %s", resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
