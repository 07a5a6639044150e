package property

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"propline/internal/catalog"
	"propline/internal/domain"
	"propline/internal/rules"
)

// Observer is told about every state change after it has been recorded.
// It runs under the property lock and must not call back into the property.
type Observer func(domain.StateChange)

// Manager runs the process lifecycle against property aggregates. It holds
// no per-property state and can be shared.
type Manager struct {
	Catalog  *catalog.Catalog
	Rules    *rules.RuleSet
	Now      func() time.Time
	NewID    func() string
	Observer Observer
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Manager) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m Manager) notify(changes ...domain.StateChange) {
	if m.Observer == nil {
		return
	}
	for _, c := range changes {
		m.Observer(c)
	}
}

// NewProperty describes a property to create.
type NewProperty struct {
	ID        string
	Name      string
	Subtype   string
	CreatedBy string
	// Initial overrides the intake state when set.
	Initial *domain.State
}

// Create builds a new aggregate at its initial state. Creation records no
// state change; the initial state is kept alongside the history so replay
// has a starting point.
func (m Manager) Create(np NewProperty) (*Property, error) {
	if strings.TrimSpace(np.Name) == "" {
		return nil, errors.New("property name required")
	}
	initial := domain.InitialState()
	if np.Initial != nil {
		initial = *np.Initial
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	id := np.ID
	if id == "" {
		id = m.newID()
	}
	now := m.now().UTC()
	return &Property{
		id:        id,
		name:      np.Name,
		subtype:   np.Subtype,
		createdAt: now,
		createdBy: np.CreatedBy,
		initial:   initial,
		state:     initial,
		last:      now,
	}, nil
}

// StartRequest carries the optional fields of Start.
type StartRequest struct {
	Type     domain.ProcessType
	Assignee string
	DueDate  *time.Time
}

// Start begins a process instance. It fails when the type is unknown, does
// not apply to the property's subtype, already has an active instance, or
// has prerequisites that were never completed.
func (m Manager) Start(p *Property, req StartRequest) (domain.ProcessInstance, error) {
	def, err := m.Catalog.Lookup(req.Type)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if !def.AppliesTo(p.subtype) {
		return domain.ProcessInstance{}, domain.NotApplicableError{Type: req.Type, Subtype: p.subtype}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.activeOfType(req.Type); ok {
		return domain.ProcessInstance{}, domain.ProcessAlreadyActiveError{Type: req.Type, ExistingID: existing.ID}
	}
	missing, err := m.Catalog.MissingPrerequisites(req.Type, p.completedLocked())
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if len(missing) > 0 {
		return domain.ProcessInstance{}, domain.PrerequisitesNotMetError{Type: req.Type, Missing: missing}
	}

	now := p.tick(m.now())
	inst := domain.ProcessInstance{
		ID:         m.newID(),
		PropertyID: p.id,
		Type:       req.Type,
		Status:     domain.ProcessPending,
		Assignee:   req.Assignee,
		StartedAt:  now,
	}
	if req.DueDate != nil {
		due := req.DueDate.UTC()
		inst.DueDate = &due
	}
	if err := advance(&inst, eventStart); err != nil {
		return domain.ProcessInstance{}, err
	}
	p.active = append(p.active, inst)
	p.last = now
	return cloneInstance(inst), nil
}

// CompleteRequest carries the outputs and attribution of a completion.
type CompleteRequest struct {
	ProcessID   string
	Outputs     []domain.ProcessOutput
	CompletedBy string
	Notes       string
}

// Complete finishes an in-progress process, moves it to history and applies
// every automatic transition the rules yield on the post-completion state.
// Rules are evaluated before anything is written, so a failure leaves the
// property untouched.
func (m Manager) Complete(p *Property, req CompleteRequest) (domain.CompletionResult, error) {
	for _, o := range req.Outputs {
		if strings.TrimSpace(o.Key) == "" {
			return domain.CompletionResult{}, errors.New("output key required")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.activeIndex(req.ProcessID)
	if idx < 0 {
		status, _ := p.statusOf(req.ProcessID)
		return domain.CompletionResult{}, domain.ProcessNotActiveError{ProcessID: req.ProcessID, Status: status}
	}
	inst := cloneInstance(p.active[idx])
	if err := advance(&inst, eventComplete); err != nil {
		return domain.CompletionResult{}, err
	}

	now := p.tick(m.now())
	inst.CompletedAt = &now
	inst.CompletedBy = req.CompletedBy
	inst.Notes = req.Notes
	for _, o := range req.Outputs {
		inst.Outputs = append(inst.Outputs, domain.ProcessOutput{Key: o.Key, Value: o.Value, RecordedAt: now})
	}

	active := make([]domain.ProcessInstance, 0, len(p.active)-1)
	active = append(active, p.active[:idx]...)
	active = append(active, p.active[idx+1:]...)
	done := append(append([]domain.ProcessInstance(nil), p.history...), inst)

	view := p.viewLocked()
	view.ActiveProcesses = active
	view.ProcessHistory = done
	transitions, err := m.Rules.Evaluate(rules.SnapshotOf(view))
	if err != nil {
		return domain.CompletionResult{}, err
	}

	p.active = active
	p.history = done
	p.last = now
	changes := make([]domain.StateChange, 0, len(transitions))
	for _, t := range transitions {
		changes = append(changes, p.record(now, change{
			id:        m.newID(),
			dimension: t.Dimension,
			to:        t.To,
			by:        req.CompletedBy,
			processID: inst.ID,
			reason:    fmt.Sprintf("rule %s on %s completion", t.Rule, inst.Type),
			trigger:   t.Trigger,
		}))
	}
	m.notify(changes...)

	return domain.CompletionResult{
		Process:        cloneInstance(inst),
		Changes:        changes,
		MissingOutputs: m.missingOutputs(inst),
	}, nil
}

// missingOutputs lists expected output keys the instance never recorded.
// It is advisory only.
func (m Manager) missingOutputs(inst domain.ProcessInstance) []string {
	def, err := m.Catalog.Lookup(inst.Type)
	if err != nil {
		return nil
	}
	var out []string
	for _, k := range def.ExpectedOutputKeys {
		if _, ok := inst.Output(k); !ok {
			out = append(out, k)
		}
	}
	return out
}

// Block parks an in-progress process with a reason. The instance stays
// active, so its type cannot be started again until it completes.
func (m Manager) Block(p *Property, processID, reason string) (domain.ProcessInstance, error) {
	return m.step(p, processID, eventBlock, func(inst *domain.ProcessInstance) {
		inst.BlockedReason = reason
	})
}

// Resume returns a blocked process to in-progress.
func (m Manager) Resume(p *Property, processID string) (domain.ProcessInstance, error) {
	return m.step(p, processID, eventResume, func(inst *domain.ProcessInstance) {
		inst.BlockedReason = ""
	})
}

func (m Manager) step(p *Property, processID, event string, apply func(*domain.ProcessInstance)) (domain.ProcessInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.activeIndex(processID)
	if idx < 0 {
		status, _ := p.statusOf(processID)
		return domain.ProcessInstance{}, domain.ProcessNotActiveError{ProcessID: processID, Status: status}
	}
	inst := cloneInstance(p.active[idx])
	if err := advance(&inst, event); err != nil {
		return domain.ProcessInstance{}, err
	}
	apply(&inst)
	p.active[idx] = inst
	return cloneInstance(inst), nil
}

// RequestTransition applies a manual dimension change after checking it
// against the rules. On refusal the IllegalTransitionError lists the
// conditions that did not hold.
func (m Manager) RequestTransition(p *Property, d domain.Dimension, to, by, reason string) (domain.StateChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := m.Rules.Check(rules.SnapshotOf(p.viewLocked()), d, to)
	if err != nil {
		return domain.StateChange{}, err
	}
	if reason == "" {
		reason = "rule " + t.Rule
	}
	sc := p.record(m.now(), change{
		id:        m.newID(),
		dimension: t.Dimension,
		to:        t.To,
		by:        by,
		reason:    reason,
		trigger:   t.Trigger,
	})
	m.notify(sc)
	return sc, nil
}

func cloneInstance(inst domain.ProcessInstance) domain.ProcessInstance {
	inst.Outputs = append([]domain.ProcessOutput(nil), inst.Outputs...)
	if inst.DueDate != nil {
		d := *inst.DueDate
		inst.DueDate = &d
	}
	if inst.CompletedAt != nil {
		c := *inst.CompletedAt
		inst.CompletedAt = &c
	}
	return inst
}
