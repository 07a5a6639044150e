// Package proplinesdk is a small client for the Propline HTTP API.
package proplinesdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client is a minimal Propline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type State struct {
	LifecyclePhase string  `json:"lifecycle_phase"`
	ActivityStatus string  `json:"activity_status"`
	ApprovalState  string  `json:"approval_state"`
	RiskScore      float64 `json:"risk_score"`
}

type Output struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Process struct {
	ID            string     `json:"id"`
	PropertyID    string     `json:"property_id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Assignee      string     `json:"assignee,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	Outputs       []Output   `json:"outputs,omitempty"`
}

type StateChange struct {
	ID               string    `json:"id"`
	Seq              int64     `json:"seq"`
	Dimension        string    `json:"dimension"`
	PreviousValue    string    `json:"previous_value"`
	NewValue         string    `json:"new_value"`
	ChangedAt        time.Time `json:"changed_at"`
	ChangedBy        string    `json:"changed_by"`
	CausingProcessID string    `json:"causing_process_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Trigger          string    `json:"trigger"`
}

type Property struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Subtype         string        `json:"subtype"`
	State           State         `json:"state"`
	ActiveProcesses []Process     `json:"active_processes"`
	ProcessHistory  []Process     `json:"process_history"`
	StateHistory    []StateChange `json:"state_history"`
}

type Completion struct {
	Process        Process       `json:"process"`
	Changes        []StateChange `json:"changes"`
	MissingOutputs []string      `json:"missing_outputs,omitempty"`
}

type Action struct {
	Type                  string   `json:"type"`
	Name                  string   `json:"name"`
	EstimatedDurationDays int      `json:"estimated_duration_days"`
	MissingPrerequisites  []string `json:"missing_prerequisites,omitempty"`
}

type Actions struct {
	Ready   []Action `json:"ready"`
	Blocked []Action `json:"blocked"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PropertyID string         `json:"property_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateProperty registers a property.
func (c *Client) CreateProperty(ctx context.Context, name, subtype string) (Property, error) {
	var resp Property
	err := c.do(ctx, http.MethodPost, "properties", map[string]any{"name": name, "subtype": subtype}, &resp)
	return resp, err
}

func (c *Client) GetProperty(ctx context.Context, id string) (Property, error) {
	var resp Property
	err := c.do(ctx, http.MethodGet, "properties/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartProcess starts a process of the given type on a property.
func (c *Client) StartProcess(ctx context.Context, propertyID, processType, assignee string) (Process, error) {
	body := map[string]any{"type": processType}
	if assignee != "" {
		body["assignee"] = assignee
	}
	var resp Process
	err := c.do(ctx, http.MethodPost, c.propertyPath(propertyID, "processes"), body, &resp)
	return resp, err
}

// CompleteProcess finishes a process; the response lists the state changes
// it triggered.
func (c *Client) CompleteProcess(ctx context.Context, propertyID, processID string, outputs map[string]string) (Completion, error) {
	items := make([]Output, 0, len(outputs))
	for k, v := range outputs {
		items = append(items, Output{Key: k, Value: v})
	}
	var resp Completion
	endpoint := c.propertyPath(propertyID, "processes/"+url.PathEscape(processID)+"/complete")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"outputs": items}, &resp)
	return resp, err
}

func (c *Client) BlockProcess(ctx context.Context, propertyID, processID, reason string) (Process, error) {
	var resp Process
	endpoint := c.propertyPath(propertyID, "processes/"+url.PathEscape(processID)+"/block")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) ResumeProcess(ctx context.Context, propertyID, processID string) (Process, error) {
	var resp Process
	endpoint := c.propertyPath(propertyID, "processes/"+url.PathEscape(processID)+"/resume")
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestTransition asks for a manual dimension change.
func (c *Client) RequestTransition(ctx context.Context, propertyID, dimension, to, reason string) (StateChange, error) {
	var resp StateChange
	body := map[string]any{"dimension": dimension, "to": to, "reason": reason}
	err := c.do(ctx, http.MethodPost, c.propertyPath(propertyID, "transitions"), body, &resp)
	return resp, err
}

func (c *Client) AvailableActions(ctx context.Context, propertyID string) (Actions, error) {
	var resp Actions
	err := c.do(ctx, http.MethodGet, c.propertyPath(propertyID, "actions"), nil, &resp)
	return resp, err
}

// History returns the audit trail, optionally for one dimension.
func (c *Client) History(ctx context.Context, propertyID, dimension string) ([]StateChange, error) {
	endpoint := c.propertyPath(propertyID, "history")
	if dimension != "" {
		endpoint += "?dimension=" + url.QueryEscape(dimension)
	}
	var resp struct {
		Items []StateChange `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing across all properties.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) propertyPath(propertyID, p string) string {
	return fmt.Sprintf("properties/%s/%s", url.PathEscape(propertyID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
