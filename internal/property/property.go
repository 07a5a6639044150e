// Package property holds the property aggregate and every operation that
// mutates it. State is private: dimensions change only through the audit
// recorder, and callers read through Snapshot, which returns a deep copy.
package property

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"

	"propline/internal/domain"
	"propline/internal/history"
)

// Property is the aggregate for one tracked development. It is safe for
// concurrent use; every mutation takes the write lock for its full
// check-then-act sequence.
type Property struct {
	mu sync.RWMutex

	id        string
	name      string
	subtype   string
	createdAt time.Time
	createdBy string

	initial domain.State
	state   domain.State

	active  []domain.ProcessInstance
	history []domain.ProcessInstance
	log     []domain.StateChange

	// last is the latest timestamp issued on this property.
	last time.Time
}

// Restore rebuilds an aggregate from a persisted snapshot. The snapshot must
// be internally consistent: replaying the state history from the initial
// state must reproduce the current state, and no two active processes may
// share a type.
func Restore(p domain.Property) (*Property, error) {
	if p.ID == "" {
		return nil, errors.New("property id required")
	}
	if err := p.Initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial state: %w", err)
	}
	if err := p.State.Validate(); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	for _, d := range domain.Dimensions {
		got, err := history.Replay(d, p.Initial.Value(d), p.StateHistory)
		if err != nil {
			return nil, err
		}
		if got != p.State.Value(d) {
			return nil, fmt.Errorf("%s: history replays to %s, state is %s", d, got, p.State.Value(d))
		}
	}
	seen := make(map[domain.ProcessType]bool, len(p.ActiveProcesses))
	for _, a := range p.ActiveProcesses {
		if seen[a.Type] {
			return nil, domain.ProcessAlreadyActiveError{Type: a.Type, ExistingID: a.ID}
		}
		seen[a.Type] = true
	}

	var c domain.Property
	if err := deepcopy.Copy(&c, &p); err != nil {
		return nil, err
	}
	prop := &Property{
		id:        c.ID,
		name:      c.Name,
		subtype:   c.Subtype,
		createdAt: c.CreatedAt,
		createdBy: c.CreatedBy,
		initial:   c.Initial,
		state:     c.State,
		active:    c.ActiveProcesses,
		history:   c.ProcessHistory,
		log:       history.Ordered(c.StateHistory),
		last:      c.CreatedAt,
	}
	prop.observe(prop.active...)
	prop.observe(prop.history...)
	for _, ch := range prop.log {
		if ch.ChangedAt.After(prop.last) {
			prop.last = ch.ChangedAt
		}
	}
	return prop, nil
}

func (p *Property) observe(insts ...domain.ProcessInstance) {
	for _, inst := range insts {
		if inst.StartedAt.After(p.last) {
			p.last = inst.StartedAt
		}
		if inst.CompletedAt != nil && inst.CompletedAt.After(p.last) {
			p.last = *inst.CompletedAt
		}
		for _, o := range inst.Outputs {
			if o.RecordedAt.After(p.last) {
				p.last = o.RecordedAt
			}
		}
	}
}

func (p *Property) ID() string { return p.id }

func (p *Property) Subtype() string { return p.subtype }

// State returns the current dimension values.
func (p *Property) State() domain.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Snapshot returns a deep copy of the aggregate. Mutating the result never
// affects the property.
func (p *Property) Snapshot() domain.Property {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Property) snapshotLocked() domain.Property {
	src := p.viewLocked()
	var out domain.Property
	if err := deepcopy.Copy(&out, &src); err != nil {
		// only plain data is copied; a failure here is a programming error
		panic(fmt.Sprintf("snapshot property %s: %v", p.id, err))
	}
	if out.ActiveProcesses == nil {
		out.ActiveProcesses = []domain.ProcessInstance{}
	}
	if out.ProcessHistory == nil {
		out.ProcessHistory = []domain.ProcessInstance{}
	}
	if out.StateHistory == nil {
		out.StateHistory = []domain.StateChange{}
	}
	return out
}

// viewLocked shares the aggregate's slices; it must not escape the lock.
func (p *Property) viewLocked() domain.Property {
	return domain.Property{
		ID:              p.id,
		Name:            p.name,
		Subtype:         p.subtype,
		State:           p.state,
		Initial:         p.initial,
		CreatedAt:       p.createdAt,
		CreatedBy:       p.createdBy,
		ActiveProcesses: p.active,
		ProcessHistory:  p.history,
		StateHistory:    p.log,
	}
}

func (p *Property) completedLocked() map[domain.ProcessType]bool {
	out := make(map[domain.ProcessType]bool, len(p.history))
	for _, inst := range p.history {
		if inst.Status == domain.ProcessCompleted {
			out[inst.Type] = true
		}
	}
	return out
}

func (p *Property) activeIndex(id string) int {
	for i, a := range p.active {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (p *Property) activeOfType(t domain.ProcessType) (domain.ProcessInstance, bool) {
	for _, a := range p.active {
		if a.Type == t {
			return a, true
		}
	}
	return domain.ProcessInstance{}, false
}

// statusOf looks an instance up across active and completed processes.
func (p *Property) statusOf(id string) (domain.ProcessStatus, bool) {
	if i := p.activeIndex(id); i >= 0 {
		return p.active[i].Status, true
	}
	for _, h := range p.history {
		if h.ID == id {
			return h.Status, true
		}
	}
	return "", false
}

// tick returns a timestamp strictly after every timestamp already issued on
// this property without reserving it.
func (p *Property) tick(now time.Time) time.Time {
	t := now.UTC()
	if !t.After(p.last) {
		t = p.last.Add(time.Nanosecond)
	}
	return t
}
