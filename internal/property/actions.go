package property

import (
	"propline/internal/catalog"
	"propline/internal/domain"
)

// Resolve lists the processes that could be started on p next, split into
// ready and blocked-on-prerequisites. It reads only the snapshot and the
// catalog, so calling it twice on the same inputs gives the same answer.
// Types with an active instance are left out entirely.
func Resolve(c *catalog.Catalog, p domain.Property) domain.AvailableActions {
	out := domain.AvailableActions{Ready: []domain.ActionProposal{}, Blocked: []domain.ActionProposal{}}
	active := make(map[domain.ProcessType]bool, len(p.ActiveProcesses))
	for _, a := range p.ActiveProcesses {
		active[a.Type] = true
	}
	completed := p.CompletedTypes()
	for _, def := range c.ApplicableTo(p.Subtype) {
		if active[def.Type] {
			continue
		}
		missing, err := c.MissingPrerequisites(def.Type, completed)
		if err != nil {
			continue
		}
		proposal := domain.ActionProposal{
			Type:                  def.Type,
			Name:                  def.Name,
			EstimatedDurationDays: def.EstimatedDurationDays,
			Impacts:               def.Impacts,
		}
		if len(missing) == 0 {
			out.Ready = append(out.Ready, proposal)
			continue
		}
		proposal.MissingPrerequisites = missing
		out.Blocked = append(out.Blocked, proposal)
	}
	return out
}

// AvailableActions resolves against a snapshot of p.
func (m Manager) AvailableActions(p *Property) domain.AvailableActions {
	return Resolve(m.Catalog, p.Snapshot())
}
