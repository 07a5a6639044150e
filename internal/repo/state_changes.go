package repo

import (
	"context"
	"database/sql"
	"fmt"

	"propline/internal/domain"
)

// InsertStateChanges appends audit entries. The table rejects updates, and
// the (property_id, seq) key rejects a second writer that raced on the same
// history.
func (r Repo) InsertStateChanges(ctx context.Context, tx *sql.Tx, changes []domain.StateChange) error {
	for _, c := range changes {
		_, err := r.q(tx).ExecContext(ctx, `INSERT INTO state_changes(id,property_id,seq,dimension,previous_value,new_value,changed_at,changed_by,causing_process_id,reason,trigger_kind)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.PropertyID, c.Seq, string(c.Dimension), c.PreviousValue, c.NewValue, formatTime(c.ChangedAt),
			c.ChangedBy, nullable(c.CausingProcessID), nullable(c.Reason), c.Trigger)
		if isUnique(err, "state_changes") {
			return fmt.Errorf("state change %d on %s: %w", c.Seq, c.PropertyID, domain.ErrConflict)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// listStateChanges returns a property's audit trail in sequence order.
func (r Repo) listStateChanges(ctx context.Context, q querier, propertyID string) ([]domain.StateChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,property_id,seq,dimension,previous_value,new_value,changed_at,changed_by,COALESCE(causing_process_id,''),COALESCE(reason,''),trigger_kind
FROM state_changes WHERE property_id=? ORDER BY seq`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StateChange{}
	for rows.Next() {
		var c domain.StateChange
		var dim, at string
		if err := rows.Scan(&c.ID, &c.PropertyID, &c.Seq, &dim, &c.PreviousValue, &c.NewValue, &at, &c.ChangedBy, &c.CausingProcessID, &c.Reason, &c.Trigger); err != nil {
			return nil, err
		}
		c.Dimension = domain.Dimension(dim)
		if c.ChangedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
