package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// State is the desired scheduling state served by the control API.
type State struct {
	Enabled        bool `json:"enabled"`
	IntervalHours  int  `json:"interval_hours"`
	StartHour      int  `json:"start_hour"`
	EndHour        int  `json:"end_hour"`
	TriggerPending bool `json:"trigger_pending"`
}

// Interval converts the configured hours into a duration, falling back
// to the default when unset.
func (s *State) Interval() time.Duration {
	if s.IntervalHours <= 0 {
		return DefaultInterval
	}
	return time.Duration(s.IntervalHours) * time.Hour
}

// StateClient talks to the scheduler endpoints of the control API.
type StateClient struct {
	baseURL string
	http    *http.Client
}

func NewStateClient(baseURL string) *StateClient {
	return &StateClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch retrieves the current desired state.
func (c *StateClient) Fetch(ctx context.Context) (*State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/watchguard/scheduler/status", nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler: fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scheduler: status endpoint returned %d", resp.StatusCode)
	}
	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("scheduler: decode status: %w", err)
	}
	return &state, nil
}

// MarkRun records a completed run, clearing any pending trigger.
func (c *StateClient) MarkRun(ctx context.Context) error {
	return c.post(ctx, "/watchguard/scheduler/mark-run")
}

// Trigger requests an immediate run on the next config check.
func (c *StateClient) Trigger(ctx context.Context) error {
	return c.post(ctx, "/watchguard/scheduler/trigger")
}

func (c *StateClient) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("scheduler: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("scheduler: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
