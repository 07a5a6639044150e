// Package engine runs property operations against the database. Each call
// loads the aggregate, applies the change through the lifecycle manager and
// persists the result together with its events in one transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"propline/internal/catalog"
	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/engine/auth"
	"propline/internal/events"
	"propline/internal/history"
	"propline/internal/metrics"
	"propline/internal/property"
	"propline/internal/repo"
	"propline/internal/rules"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Catalog *catalog.Catalog
	Rules   *rules.RuleSet
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string

	locks *keyedMutex
}

// New builds an engine from a validated config. A nil logger discards logs.
func New(db *sql.DB, cfg *config.Config, log *zap.Logger) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return Engine{}, fmt.Errorf("process catalog: %w", err)
	}
	rs, err := cfg.RuleSet()
	if err != nil {
		return Engine{}, fmt.Errorf("transition rules: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Auth:    auth.Service{DB: db},
		Config:  cfg,
		Catalog: cat,
		Rules:   rs,
		Logger:  log.Named("engine"),
		Now:     time.Now,
		NewID:   uuid.NewString,
		locks:   newKeyedMutex(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

var fallbackLocks = newKeyedMutex()

func (e Engine) lock(propertyID string) func() {
	if e.locks == nil {
		return fallbackLocks.Lock(propertyID)
	}
	return e.locks.Lock(propertyID)
}

func (e Engine) rlock(propertyID string) func() {
	if e.locks == nil {
		return fallbackLocks.RLock(propertyID)
	}
	return e.locks.RLock(propertyID)
}

func (e Engine) manager() property.Manager {
	log := e.log()
	return property.Manager{
		Catalog: e.Catalog,
		Rules:   e.Rules,
		Now:     e.now,
		NewID:   e.NewID,
		Observer: func(c domain.StateChange) {
			metrics.RecordStateChange(c)
			log.Debug("state change",
				zap.String("property_id", c.PropertyID),
				zap.String("dimension", string(c.Dimension)),
				zap.String("from", c.PreviousValue),
				zap.String("to", c.NewValue),
				zap.String("trigger", c.Trigger))
		},
	}
}

func (e Engine) stamp(t time.Time) string {
	return t.UTC().Format(repo.TimeLayout)
}

// observe records metrics for one operation and logs failures.
func (e Engine) observe(op string, start time.Time, err error, fields ...zap.Field) {
	metrics.ObserveOperation(op, start, err)
	if err == nil {
		return
	}
	fields = append(fields, zap.String("operation", op), zap.String("code", string(domain.CodeOf(err))), zap.Error(err))
	if domain.CodeOf(err) == domain.CodeUnknown {
		e.log().Error("operation failed", fields...)
		return
	}
	e.log().Info("operation rejected", fields...)
}

// load restores the aggregate inside tx.
func (e Engine) load(ctx context.Context, tx *sql.Tx, propertyID string) (*property.Property, error) {
	snap, err := e.Repo.LoadProperty(ctx, tx, propertyID)
	if err != nil {
		return nil, err
	}
	p, err := property.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("restore property %s: %w", propertyID, err)
	}
	return p, nil
}

// read loads a committed snapshot under the shared property lock. All
// queries run in one read-only transaction so a concurrent commit is seen
// entirely or not at all.
func (e Engine) read(ctx context.Context, propertyID string) (domain.Property, error) {
	unlock := e.rlock(propertyID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	return e.Repo.LoadProperty(ctx, tx, propertyID)
}

// restored is read followed by a replay check of the history.
func (e Engine) restored(ctx context.Context, propertyID string) (*property.Property, error) {
	snap, err := e.read(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	p, err := property.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("restore property %s: %w", propertyID, err)
	}
	return p, nil
}

// CreatePropertyOptions are parameters for creating a property.
type CreatePropertyOptions struct {
	ID      string
	Name    string
	Subtype string
	Initial *domain.State
	ActorID string
}

func (e Engine) CreateProperty(ctx context.Context, opts CreatePropertyOptions) (out domain.Property, err error) {
	defer func(start time.Time) { e.observe("property.create", start, err) }(time.Now())
	if strings.TrimSpace(opts.Subtype) == "" {
		return domain.Property{}, errors.New("subtype is required")
	}
	if e.Config != nil && !e.Config.SubtypeAllowed(opts.Subtype) {
		return domain.Property{}, domain.InvalidValueError{Dimension: "subtype", Value: opts.Subtype}
	}
	p, err := e.manager().Create(property.NewProperty{
		ID:        opts.ID,
		Name:      opts.Name,
		Subtype:   opts.Subtype,
		CreatedBy: opts.ActorID,
		Initial:   opts.Initial,
	})
	if err != nil {
		return domain.Property{}, err
	}
	snap := p.Snapshot()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProperty(ctx, tx, snap); err != nil {
		return domain.Property{}, err
	}
	if err := e.Events.Append(ctx, tx, events.PropertyCreated, snap.ID, events.KindProperty, snap.ID, opts.ActorID, events.EventPayload{
		"name":    snap.Name,
		"subtype": snap.Subtype,
		"state":   snap.State,
	}); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	e.log().Info("property created", zap.String("property_id", snap.ID), zap.String("subtype", snap.Subtype), zap.String("actor_id", opts.ActorID))
	return snap, nil
}

func (e Engine) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	return e.read(ctx, id)
}

func (e Engine) ListProperties(ctx context.Context, f repo.PropertyFilters) ([]repo.PropertySummary, error) {
	return e.Repo.ListProperties(ctx, f)
}

// StartOptions are parameters for starting a process.
type StartOptions struct {
	Type     domain.ProcessType
	Assignee string
	DueDate  *time.Time
	ActorID  string
}

func (e Engine) StartProcess(ctx context.Context, propertyID string, opts StartOptions) (inst domain.ProcessInstance, err error) {
	defer func(start time.Time) {
		e.observe("process.start", start, err, zap.String("property_id", propertyID), zap.String("type", string(opts.Type)))
	}(time.Now())
	unlock := e.lock(propertyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()
	p, err := e.load(ctx, tx, propertyID)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	inst, err = e.manager().Start(p, property.StartRequest{Type: opts.Type, Assignee: opts.Assignee, DueDate: opts.DueDate})
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := e.Repo.InsertProcess(ctx, tx, inst); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProcessStarted, propertyID, events.KindProcess, inst.ID, opts.ActorID, events.EventPayload{
		"type":     inst.Type,
		"assignee": inst.Assignee,
		"status":   inst.Status,
	}); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	e.log().Info("process started", zap.String("property_id", propertyID), zap.String("process_id", inst.ID), zap.String("type", string(inst.Type)))
	return inst, nil
}

// CompleteOptions are parameters for completing a process.
type CompleteOptions struct {
	Outputs []domain.ProcessOutput
	Notes   string
	ActorID string
}

// CompleteProcess finishes a process and commits the rule-driven state
// changes it caused, all or nothing.
func (e Engine) CompleteProcess(ctx context.Context, propertyID, processID string, opts CompleteOptions) (res domain.CompletionResult, err error) {
	defer func(start time.Time) {
		e.observe("process.complete", start, err, zap.String("property_id", propertyID), zap.String("process_id", processID))
	}(time.Now())
	unlock := e.lock(propertyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	defer tx.Rollback()
	p, err := e.load(ctx, tx, propertyID)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	res, err = e.manager().Complete(p, property.CompleteRequest{
		ProcessID:   processID,
		Outputs:     opts.Outputs,
		CompletedBy: opts.ActorID,
		Notes:       opts.Notes,
	})
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if err := e.Repo.UpdateProcess(ctx, tx, res.Process); err != nil {
		return domain.CompletionResult{}, err
	}
	if err := e.persistChanges(ctx, tx, p, res.Changes, opts.ActorID); err != nil {
		return domain.CompletionResult{}, err
	}
	payload := events.EventPayload{
		"type":    res.Process.Type,
		"outputs": res.Process.Outputs,
		"changes": len(res.Changes),
	}
	if len(res.MissingOutputs) > 0 {
		payload["missing_outputs"] = res.MissingOutputs
	}
	if err := e.Events.Append(ctx, tx, events.ProcessCompleted, propertyID, events.KindProcess, processID, opts.ActorID, payload); err != nil {
		return domain.CompletionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompletionResult{}, err
	}
	if len(res.MissingOutputs) > 0 {
		e.log().Warn("process completed without expected outputs",
			zap.String("process_id", processID), zap.Strings("missing", res.MissingOutputs))
	}
	e.log().Info("process completed", zap.String("property_id", propertyID), zap.String("process_id", processID),
		zap.String("type", string(res.Process.Type)), zap.Int("changes", len(res.Changes)))
	return res, nil
}

// persistChanges appends audit entries, their events and the new state.
func (e Engine) persistChanges(ctx context.Context, tx *sql.Tx, p *property.Property, changes []domain.StateChange, actorID string) error {
	if len(changes) == 0 {
		return nil
	}
	if err := e.Repo.InsertStateChanges(ctx, tx, changes); err != nil {
		return err
	}
	for _, c := range changes {
		if err := e.Events.Append(ctx, tx, events.StateChanged, c.PropertyID, events.KindChange, c.ID, actorID, events.EventPayload{
			"dimension":          c.Dimension,
			"previous_value":     c.PreviousValue,
			"new_value":          c.NewValue,
			"seq":                c.Seq,
			"trigger":            c.Trigger,
			"causing_process_id": c.CausingProcessID,
			"reason":             c.Reason,
		}); err != nil {
			return err
		}
	}
	last := changes[len(changes)-1].ChangedAt
	return e.Repo.UpdatePropertyState(ctx, tx, p.ID(), p.State(), e.stamp(last))
}

func (e Engine) BlockProcess(ctx context.Context, propertyID, processID, reason, actorID string) (inst domain.ProcessInstance, err error) {
	defer func(start time.Time) { e.observe("process.block", start, err, zap.String("process_id", processID)) }(time.Now())
	if strings.TrimSpace(reason) == "" {
		return domain.ProcessInstance{}, errors.New("reason is required")
	}
	return e.step(ctx, propertyID, processID, actorID, events.ProcessBlocked, func(m property.Manager, p *property.Property) (domain.ProcessInstance, error) {
		return m.Block(p, processID, reason)
	})
}

func (e Engine) ResumeProcess(ctx context.Context, propertyID, processID, actorID string) (inst domain.ProcessInstance, err error) {
	defer func(start time.Time) { e.observe("process.resume", start, err, zap.String("process_id", processID)) }(time.Now())
	return e.step(ctx, propertyID, processID, actorID, events.ProcessResumed, func(m property.Manager, p *property.Property) (domain.ProcessInstance, error) {
		return m.Resume(p, processID)
	})
}

func (e Engine) step(ctx context.Context, propertyID, processID, actorID, evtType string, apply func(property.Manager, *property.Property) (domain.ProcessInstance, error)) (domain.ProcessInstance, error) {
	unlock := e.lock(propertyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()
	p, err := e.load(ctx, tx, propertyID)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	inst, err := apply(e.manager(), p)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := e.Repo.UpdateProcess(ctx, tx, inst); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, propertyID, events.KindProcess, processID, actorID, events.EventPayload{
		"type":           inst.Type,
		"status":         inst.Status,
		"blocked_reason": inst.BlockedReason,
	}); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	return inst, nil
}

// TransitionOptions are parameters for a manual dimension change.
type TransitionOptions struct {
	Dimension domain.Dimension
	To        string
	Reason    string
	ActorID   string
}

func (e Engine) RequestTransition(ctx context.Context, propertyID string, opts TransitionOptions) (sc domain.StateChange, err error) {
	defer func(start time.Time) {
		e.observe("transition.request", start, err, zap.String("property_id", propertyID),
			zap.String("dimension", string(opts.Dimension)), zap.String("to", opts.To))
	}(time.Now())
	unlock := e.lock(propertyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StateChange{}, err
	}
	defer tx.Rollback()
	p, err := e.load(ctx, tx, propertyID)
	if err != nil {
		return domain.StateChange{}, err
	}
	sc, err = e.manager().RequestTransition(p, opts.Dimension, opts.To, opts.ActorID, opts.Reason)
	if err != nil {
		return domain.StateChange{}, err
	}
	if err := e.persistChanges(ctx, tx, p, []domain.StateChange{sc}, opts.ActorID); err != nil {
		return domain.StateChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StateChange{}, err
	}
	e.log().Info("transition applied", zap.String("property_id", propertyID), zap.String("dimension", string(sc.Dimension)),
		zap.String("from", sc.PreviousValue), zap.String("to", sc.NewValue))
	return sc, nil
}

// AvailableActions lists the processes that could be started next.
func (e Engine) AvailableActions(ctx context.Context, propertyID string) (domain.AvailableActions, error) {
	snap, err := e.read(ctx, propertyID)
	if err != nil {
		return domain.AvailableActions{}, err
	}
	return property.Resolve(e.Catalog, snap), nil
}

// HistoryFilter narrows a property's audit trail. Zero fields do not filter.
type HistoryFilter struct {
	Dimension domain.Dimension
	ProcessID string
	From      time.Time
	To        time.Time
}

// History returns the audit trail in recording order.
func (e Engine) History(ctx context.Context, propertyID string, f HistoryFilter) ([]domain.StateChange, error) {
	if f.Dimension != "" && !f.Dimension.Known() {
		return nil, domain.InvalidValueError{Dimension: "dimension", Value: string(f.Dimension)}
	}
	p, err := e.restored(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	var changes []domain.StateChange
	switch {
	case f.ProcessID != "":
		changes = p.ChangesByProcess(f.ProcessID)
	case f.Dimension != "":
		changes = p.ChangesByDimension(f.Dimension)
	default:
		changes = p.ChangesBetween(f.From, f.To)
	}
	out := make([]domain.StateChange, 0, len(changes))
	for _, c := range changes {
		if f.Dimension != "" && c.Dimension != f.Dimension {
			continue
		}
		if !f.From.IsZero() && c.ChangedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.ChangedAt.Before(f.To) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// BranchReport is the lifecycle path analysis of one property.
type BranchReport struct {
	history.Analysis
	Segments [][]domain.StateChange `json:"segments"`
}

// Branches splits the lifecycle phase history at its reversals.
func (e Engine) Branches(ctx context.Context, propertyID string) (BranchReport, error) {
	snap, err := e.read(ctx, propertyID)
	if err != nil {
		return BranchReport{}, err
	}
	phases := history.ForDimension(snap.StateHistory, domain.DimensionLifecyclePhase)
	a, err := history.DetectBranch(phases, history.PhaseOrder())
	if err != nil {
		return BranchReport{}, err
	}
	segs, err := history.Segments(phases, history.PhaseOrder())
	if err != nil {
		return BranchReport{}, err
	}
	if segs == nil {
		segs = [][]domain.StateChange{}
	}
	return BranchReport{Analysis: a, Segments: segs}, nil
}

// Verify replays a property's history and checks it against the stored
// state.
func (e Engine) Verify(ctx context.Context, propertyID string) error {
	_, err := e.restored(ctx, propertyID)
	return err
}

func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
