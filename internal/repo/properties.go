package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"propline/internal/domain"
)

// PropertySummary is the list view of a property without its histories.
type PropertySummary struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Subtype   string       `json:"subtype"`
	State     domain.State `json:"state"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	CreatedBy string       `json:"created_by"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

type PropertyFilters struct {
	Subtype        string
	LifecyclePhase string
	Limit          int
}

func (r Repo) InsertProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	initial, err := json.Marshal(p.Initial)
	if err != nil {
		return fmt.Errorf("marshal initial state: %w", err)
	}
	created := formatTime(p.CreatedAt)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO properties(id,name,subtype,lifecycle_phase,activity_status,approval_state,risk_score,initial_json,created_at,created_by,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Subtype,
		string(p.State.LifecyclePhase), string(p.State.ActivityStatus), string(p.State.ApprovalState), p.State.RiskScore.String(),
		string(initial), created, p.CreatedBy, created)
	if isUnique(err, "properties") {
		return fmt.Errorf("property %s already exists: %w", p.ID, domain.ErrConflict)
	}
	return err
}

// UpdatePropertyState writes the current dimension values.
func (r Repo) UpdatePropertyState(ctx context.Context, tx *sql.Tx, id string, s domain.State, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE properties SET lifecycle_phase=?, activity_status=?, approval_state=?, risk_score=?, updated_at=? WHERE id=?`,
		string(s.LifecyclePhase), string(s.ActivityStatus), string(s.ApprovalState), s.RiskScore.String(), updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("property %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSummary(scan func(dest ...any) error) (PropertySummary, error) {
	var s PropertySummary
	var phase, status, approval, risk string
	if err := scan(&s.ID, &s.Name, &s.Subtype, &phase, &status, &approval, &risk, &s.CreatedAt, &s.CreatedBy, &s.UpdatedAt); err != nil {
		return s, err
	}
	score, err := domain.ParseRiskScore(risk)
	if err != nil {
		return s, err
	}
	s.State = domain.State{
		LifecyclePhase: domain.Phase(phase),
		ActivityStatus: domain.ActivityStatus(status),
		ApprovalState:  domain.ApprovalState(approval),
		RiskScore:      score,
	}
	return s, nil
}

const summaryColumns = `id,name,subtype,lifecycle_phase,activity_status,approval_state,risk_score,created_at,created_by,updated_at`

func (r Repo) ListProperties(ctx context.Context, f PropertyFilters) ([]PropertySummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Subtype != "" {
		clauses = append(clauses, "subtype=?")
		args = append(args, f.Subtype)
	}
	if f.LifecyclePhase != "" {
		clauses = append(clauses, "lifecycle_phase=?")
		args = append(args, f.LifecyclePhase)
	}
	query := fmt.Sprintf(`SELECT %s FROM properties WHERE %s ORDER BY created_at, id`, summaryColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []PropertySummary{}
	for rows.Next() {
		s, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LoadProperty assembles the full aggregate snapshot: state, processes and
// the ordered state history.
func (r Repo) LoadProperty(ctx context.Context, tx *sql.Tx, id string) (domain.Property, error) {
	q := r.q(tx)
	var p domain.Property
	var phase, status, approval, risk, initial, created string
	err := q.QueryRowContext(ctx, `SELECT id,name,subtype,lifecycle_phase,activity_status,approval_state,risk_score,initial_json,created_at,created_by FROM properties WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Subtype, &phase, &status, &approval, &risk, &initial, &created, &p.CreatedBy)
	if err != nil {
		return p, errNotFound(err, "property", id)
	}
	score, err := domain.ParseRiskScore(risk)
	if err != nil {
		return p, err
	}
	p.State = domain.State{
		LifecyclePhase: domain.Phase(phase),
		ActivityStatus: domain.ActivityStatus(status),
		ApprovalState:  domain.ApprovalState(approval),
		RiskScore:      score,
	}
	if err := json.Unmarshal([]byte(initial), &p.Initial); err != nil {
		return p, fmt.Errorf("decode initial state of %s: %w", id, err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	if p.ActiveProcesses, err = r.listProcesses(ctx, q, id, false); err != nil {
		return p, err
	}
	if p.ProcessHistory, err = r.listProcesses(ctx, q, id, true); err != nil {
		return p, err
	}
	if p.StateHistory, err = r.listStateChanges(ctx, q, id); err != nil {
		return p, err
	}
	return p, nil
}
