package property

import (
	"time"

	"propline/internal/domain"
)

// change describes one dimension mutation to record.
type change struct {
	id        string
	dimension domain.Dimension
	to        string
	by        string
	processID string
	reason    string
	trigger   string
}

// record is the only code path that changes a dimension value. It appends
// the audit entry and applies the new value together. Caller holds p.mu.
func (p *Property) record(at time.Time, c change) domain.StateChange {
	at = p.tick(at)
	var seq int64 = 1
	if n := len(p.log); n > 0 {
		seq = p.log[n-1].Seq + 1
	}
	sc := domain.StateChange{
		ID:               c.id,
		PropertyID:       p.id,
		Seq:              seq,
		Dimension:        c.dimension,
		PreviousValue:    p.state.Value(c.dimension),
		NewValue:         c.to,
		ChangedAt:        at,
		ChangedBy:        c.by,
		CausingProcessID: c.processID,
		Reason:           c.reason,
		Trigger:          c.trigger,
	}
	p.state = p.state.With(c.dimension, c.to)
	p.log = append(p.log, sc)
	p.last = at
	return sc
}

// Changes returns the full audit trail in recording order.
func (p *Property) Changes() []domain.StateChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filterLocked(func(domain.StateChange) bool { return true })
}

// ChangesByDimension returns the audit entries of one dimension.
func (p *Property) ChangesByDimension(d domain.Dimension) []domain.StateChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filterLocked(func(c domain.StateChange) bool { return c.Dimension == d })
}

// ChangesByProcess returns the entries caused by one process instance.
func (p *Property) ChangesByProcess(processID string) []domain.StateChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filterLocked(func(c domain.StateChange) bool { return c.CausingProcessID == processID })
}

// ChangesBetween returns entries with from <= ChangedAt < to. A zero bound is
// open.
func (p *Property) ChangesBetween(from, to time.Time) []domain.StateChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filterLocked(func(c domain.StateChange) bool {
		if !from.IsZero() && c.ChangedAt.Before(from) {
			return false
		}
		if !to.IsZero() && !c.ChangedAt.Before(to) {
			return false
		}
		return true
	})
}

func (p *Property) filterLocked(keep func(domain.StateChange) bool) []domain.StateChange {
	out := []domain.StateChange{}
	for _, c := range p.log {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
