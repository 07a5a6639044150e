package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"propline/internal/domain"
)

const processColumns = `id,property_id,type,status,COALESCE(assignee,''),started_at,due_date,completed_at,COALESCE(completed_by,''),COALESCE(notes,''),COALESCE(blocked_reason,''),outputs_json`

func (r Repo) InsertProcess(ctx context.Context, tx *sql.Tx, inst domain.ProcessInstance) error {
	outputs, err := marshalOutputs(inst.Outputs)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO process_instances(id,property_id,type,status,assignee,started_at,due_date,completed_at,completed_by,notes,blocked_reason,outputs_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.PropertyID, string(inst.Type), string(inst.Status), nullable(inst.Assignee),
		formatTime(inst.StartedAt), formatTimePtr(inst.DueDate), formatTimePtr(inst.CompletedAt),
		nullable(inst.CompletedBy), nullable(inst.Notes), nullable(inst.BlockedReason), outputs)
	if isUnique(err, "process_instances") {
		return domain.ProcessAlreadyActiveError{Type: inst.Type}
	}
	return err
}

// UpdateProcess persists the mutable fields of an instance.
func (r Repo) UpdateProcess(ctx context.Context, tx *sql.Tx, inst domain.ProcessInstance) error {
	outputs, err := marshalOutputs(inst.Outputs)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE process_instances SET status=?, completed_at=?, completed_by=?, notes=?, blocked_reason=?, outputs_json=? WHERE id=? AND property_id=?`,
		string(inst.Status), formatTimePtr(inst.CompletedAt), nullable(inst.CompletedBy), nullable(inst.Notes),
		nullable(inst.BlockedReason), outputs, inst.ID, inst.PropertyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("process %s: %w", inst.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetProcess(ctx context.Context, id string) (domain.ProcessInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+processColumns+` FROM process_instances WHERE id=?`, id)
	inst, err := scanProcess(row.Scan)
	if err != nil {
		return inst, errNotFound(err, "process", id)
	}
	return inst, nil
}

func (r Repo) listProcesses(ctx context.Context, q querier, propertyID string, completed bool) ([]domain.ProcessInstance, error) {
	query := `SELECT ` + processColumns + ` FROM process_instances WHERE property_id=? AND status<>'completed' ORDER BY started_at, id`
	if completed {
		query = `SELECT ` + processColumns + ` FROM process_instances WHERE property_id=? AND status='completed' ORDER BY completed_at, id`
	}
	rows, err := q.QueryContext(ctx, query, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ProcessInstance{}
	for rows.Next() {
		inst, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

func scanProcess(scan func(dest ...any) error) (domain.ProcessInstance, error) {
	var inst domain.ProcessInstance
	var typ, status, started, outputs string
	var due, completed sql.NullString
	err := scan(&inst.ID, &inst.PropertyID, &typ, &status, &inst.Assignee, &started, &due, &completed,
		&inst.CompletedBy, &inst.Notes, &inst.BlockedReason, &outputs)
	if err != nil {
		return inst, err
	}
	inst.Type = domain.ProcessType(typ)
	inst.Status = domain.ProcessStatus(status)
	if inst.StartedAt, err = parseTime(started); err != nil {
		return inst, err
	}
	if inst.DueDate, err = parseTimePtr(due); err != nil {
		return inst, err
	}
	if inst.CompletedAt, err = parseTimePtr(completed); err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(outputs), &inst.Outputs); err != nil {
		return inst, fmt.Errorf("decode outputs of %s: %w", inst.ID, err)
	}
	if len(inst.Outputs) == 0 {
		inst.Outputs = nil
	}
	return inst, nil
}

func marshalOutputs(outputs []domain.ProcessOutput) (string, error) {
	if outputs == nil {
		outputs = []domain.ProcessOutput{}
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("marshal outputs: %w", err)
	}
	return string(data), nil
}
