// Package catalog holds the static registry of process definitions.
package catalog

import (
	"fmt"

	"propline/internal/domain"
)

// Catalog maps a process type to its definition. It is immutable after New.
type Catalog struct {
	defs  map[domain.ProcessType]domain.ProcessDefinition
	order []domain.ProcessType
}

// New validates definitions and builds the catalog. Duplicate types, unknown
// prerequisites and prerequisite cycles are rejected.
func New(defs []domain.ProcessDefinition) (*Catalog, error) {
	c := &Catalog{defs: make(map[domain.ProcessType]domain.ProcessDefinition, len(defs))}
	for _, d := range defs {
		if d.Type == "" {
			return nil, fmt.Errorf("process definition with empty type")
		}
		if _, dup := c.defs[d.Type]; dup {
			return nil, fmt.Errorf("duplicate process type %s", d.Type)
		}
		if d.EstimatedDurationDays < 0 {
			return nil, fmt.Errorf("process %s has negative duration", d.Type)
		}
		for _, imp := range d.Impacts {
			if !imp.Dimension.Known() {
				return nil, fmt.Errorf("process %s declares impact on unknown dimension %s", d.Type, imp.Dimension)
			}
		}
		c.defs[d.Type] = clone(d)
		c.order = append(c.order, d.Type)
	}
	for _, t := range c.order {
		for _, pre := range c.defs[t].Prerequisites {
			if _, ok := c.defs[pre]; !ok {
				return nil, fmt.Errorf("process %s requires unknown process %s", t, pre)
			}
			if pre == t {
				return nil, fmt.Errorf("process %s requires itself", t)
			}
		}
	}
	if err := c.checkCycles(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[domain.ProcessType]int, len(c.defs))
	var visit func(t domain.ProcessType) error
	visit = func(t domain.ProcessType) error {
		switch state[t] {
		case visiting:
			return fmt.Errorf("prerequisite cycle through %s", t)
		case done:
			return nil
		}
		state[t] = visiting
		for _, pre := range c.defs[t].Prerequisites {
			if err := visit(pre); err != nil {
				return err
			}
		}
		state[t] = done
		return nil
	}
	for _, t := range c.order {
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the definition of t or an UnknownProcessTypeError.
func (c *Catalog) Lookup(t domain.ProcessType) (domain.ProcessDefinition, error) {
	d, ok := c.defs[t]
	if !ok {
		return domain.ProcessDefinition{}, domain.UnknownProcessTypeError{Type: t}
	}
	return clone(d), nil
}

// Definitions returns every definition in declaration order.
func (c *Catalog) Definitions() []domain.ProcessDefinition {
	out := make([]domain.ProcessDefinition, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, clone(c.defs[t]))
	}
	return out
}

// ApplicableTo returns the definitions that apply to a property subtype, in
// declaration order.
func (c *Catalog) ApplicableTo(subtype string) []domain.ProcessDefinition {
	var out []domain.ProcessDefinition
	for _, t := range c.order {
		if d := c.defs[t]; d.AppliesTo(subtype) {
			out = append(out, clone(d))
		}
	}
	return out
}

// PrerequisitesSatisfied is true iff every prerequisite of t is in completed.
func (c *Catalog) PrerequisitesSatisfied(t domain.ProcessType, completed map[domain.ProcessType]bool) (bool, error) {
	missing, err := c.MissingPrerequisites(t, completed)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// MissingPrerequisites lists the prerequisites of t absent from completed, in
// declaration order.
func (c *Catalog) MissingPrerequisites(t domain.ProcessType, completed map[domain.ProcessType]bool) ([]domain.ProcessType, error) {
	d, ok := c.defs[t]
	if !ok {
		return nil, domain.UnknownProcessTypeError{Type: t}
	}
	var missing []domain.ProcessType
	for _, pre := range d.Prerequisites {
		if !completed[pre] {
			missing = append(missing, pre)
		}
	}
	return missing, nil
}

func clone(d domain.ProcessDefinition) domain.ProcessDefinition {
	d.Prerequisites = append([]domain.ProcessType(nil), d.Prerequisites...)
	d.ApplicableSubtypes = append([]string(nil), d.ApplicableSubtypes...)
	d.ExpectedOutputKeys = append([]string(nil), d.ExpectedOutputKeys...)
	d.Impacts = append([]domain.DimensionImpact(nil), d.Impacts...)
	return d
}
