package server

import (
	"time"

	"github.com/goccy/go-json"

	"propline/internal/domain"
)

// Request payloads

type CreatePropertyRequest struct {
	ID      string        `json:"id,omitempty"`
	Name    string        `json:"name" minLength:"1"`
	Subtype string        `json:"subtype" minLength:"1"`
	Initial *domain.State `json:"initial,omitempty"`
}

type StartProcessRequest struct {
	Type     string     `json:"type" minLength:"1"`
	Assignee string     `json:"assignee,omitempty"`
	DueDate  *time.Time `json:"due_date,omitempty"`
}

type OutputInput struct {
	Key   string `json:"key" minLength:"1"`
	Value string `json:"value"`
}

type CompleteProcessRequest struct {
	Outputs []OutputInput `json:"outputs,omitempty"`
	Notes   string        `json:"notes,omitempty"`
}

type BlockProcessRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type TransitionRequest struct {
	Dimension string `json:"dimension" enum:"lifecyclePhase,activityStatus,approvalState,riskScore"`
	To        string `json:"to" minLength:"1"`
	Reason    string `json:"reason,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	RoleID  string `json:"role_id" minLength:"1"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type APIKeyResponse struct {
	domain.APIKey
	// Key is the plaintext credential, returned only on creation.
	Key string `json:"key,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	PropertyID string         `json:"property_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PropertyID: e.PropertyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func outputs(in []OutputInput) []domain.ProcessOutput {
	out := make([]domain.ProcessOutput, 0, len(in))
	for _, o := range in {
		out = append(out, domain.ProcessOutput{Key: o.Key, Value: o.Value})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
