// Package ingest reports detected changes to the central ingest API.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/watchguard/retry"
)

// Change is the payload posted for each meaningful change. The API
// dedups on content, so both full texts travel with the diff.
type Change struct {
	SourceID      string  `json:"source_id"`
	SourceName    string  `json:"source_name"`
	SourceCountry string  `json:"source_country,omitempty"`
	URL           string  `json:"url"`
	Title         string  `json:"title,omitempty"`
	Summary       string  `json:"summary"`
	PreviousText  string  `json:"previous_text"`
	CurrentText   string  `json:"current_text"`
	DiffText      string  `json:"diff_text"`
	ContentHash   string  `json:"content_hash"`
	ChangeRatio   float64 `json:"change_ratio"`
	FetchMode     string  `json:"fetch_mode"`
	FetchedAt     string  `json:"fetched_at"`
}

// Receipt is the API's acknowledgement of a posted change.
type Receipt struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate"`
	ChangeID  int  `json:"change_id"`
}

// Client posts changes to the ingest API.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
		logger:  logger,
	}
}

// PostChange sends one change report. Transport failures are retried;
// an HTTP error status is returned to the caller verbatim so that a
// rejecting API is visible in the logs, not hammered. A 409 means the
// API already holds this change and is reported as a duplicate receipt,
// not an error.
func (c *Client) PostChange(ctx context.Context, ch *Change) (*Receipt, error) {
	body, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal change: %w", err)
	}
	endpoint := c.baseURL + "/ingest/changes"

	var status int
	var respBody []byte
	err = c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("ingest: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("ingest: post: %w", err)
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil
	})
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{}
	if len(respBody) > 0 {
		// Body decode is best effort: the receipt fields are advisory.
		json.Unmarshal(respBody, receipt)
	}

	switch {
	case status == http.StatusConflict || receipt.Duplicate:
		receipt.OK = true
		receipt.Duplicate = true
		c.logger.Info("change already known", "source_id", ch.SourceID, "url", ch.URL)
		return receipt, nil
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("ingest: api returned %d: %s", status, bytes.TrimSpace(respBody))
	}
	receipt.OK = true

	c.logger.Info("change reported",
		"source_id", ch.SourceID, "url", ch.URL, "status", status, "change_id", receipt.ChangeID)
	return receipt, nil
}
