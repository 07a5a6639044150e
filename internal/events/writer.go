package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Event types written to the events table.
const (
	PropertyCreated  = "property.created"
	ProcessStarted   = "process.started"
	ProcessCompleted = "process.completed"
	ProcessBlocked   = "process.blocked"
	ProcessResumed   = "process.resumed"
	StateChanged     = "state.changed"
	RoleGranted      = "rbac.role_granted"
	RoleRevoked      = "rbac.role_revoked"
	APIKeyCreated    = "rbac.api_key_created"
	APIKeyDeleted    = "rbac.api_key_deleted"
)

// Entity kinds.
const (
	KindProperty = "property"
	KindProcess  = "process"
	KindChange   = "state_change"
	KindActor    = "actor"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, propertyID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,property_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(propertyID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
