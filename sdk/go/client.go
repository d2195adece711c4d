package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID          string  `json:"id"`
	Reference   string  `json:"reference"`
	ClientName  string  `json:"client_name"`
	Status      string  `json:"status"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	ScheduledAt *string `json:"scheduled_at,omitempty"`
	Version     int64   `json:"version"`
}

// TransitionResult is a transition response; Cached means the idempotency
// cache replayed an earlier outcome.
type TransitionResult struct {
	Mission Mission `json:"mission"`
	Cached  bool    `json:"cached"`
}

// LogEntry is one workflow log row.
type LogEntry struct {
	ID         int64  `json:"id"`
	MissionID  string `json:"mission_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts"`
}

// TransitionRule is one edge of the status graph.
type TransitionRule struct {
	FromStatus    string   `json:"from_status"`
	ToStatus      string   `json:"to_status"`
	AllowedRoles  []string `json:"allowed_roles"`
	Description   string   `json:"description"`
	BusinessHours bool     `json:"business_hours,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMissions wraps list responses with cursors.
type PaginatedMissions struct {
	Items      []Mission `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateMission creates a mission in the initial status.
func (c *Client) CreateMission(ctx context.Context, clientName, description, scheduledAt string) (Mission, error) {
	body := map[string]any{
		"client_name": clientName,
	}
	if description != "" {
		body["description"] = description
	}
	if scheduledAt != "" {
		body["scheduled_at"] = scheduledAt
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Missions returns a paginated mission listing.
func (c *Client) Missions(ctx context.Context, status string, limit int, cursor string) (PaginatedMissions, error) {
	endpoint := "missions"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedMissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyTransition requests a status change. Retrying the same call is safe:
// the server caches and replays the first outcome.
func (c *Client) ApplyTransition(ctx context.Context, missionID, targetStatus, reason string) (TransitionResult, error) {
	body := map[string]any{
		"target_status": targetStatus,
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp TransitionResult
	endpoint := fmt.Sprintf("missions/%s/transitions", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AvailableTransitions lists the transitions the caller's role may apply.
func (c *Client) AvailableTransitions(ctx context.Context, missionID string) ([]TransitionRule, error) {
	var resp []TransitionRule
	endpoint := fmt.Sprintf("missions/%s/transitions", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Timeline returns the mission's workflow log, oldest first.
func (c *Client) Timeline(ctx context.Context, missionID string, limit int) ([]LogEntry, error) {
	endpoint := fmt.Sprintf("missions/%s/timeline", url.PathEscape(missionID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
