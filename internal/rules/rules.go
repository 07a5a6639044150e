// Package rules implements the per-dimension transition state machines.
//
// Rules are data: a dimension, a from value, a to value, a trigger and a list
// of conditions that must all hold. A RuleSet is validated once when it is
// built so that at most one automatic rule can fire per dimension. The
// package performs no I/O; evaluation returns the transitions to apply and
// the caller records them.
package rules

import (
	"fmt"
	"strings"

	"propline/internal/domain"
)

// Any matches every current value when used as From. On manual rules it may
// also be used as To, in which case the requested value is taken as is.
const Any = "*"

type Rule struct {
	Name       string           `json:"name" yaml:"name"`
	Dimension  domain.Dimension `json:"dimension" yaml:"dimension"`
	From       string           `json:"from" yaml:"from"`
	To         string           `json:"to" yaml:"to"`
	Trigger    string           `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Conditions []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

func (r Rule) auto() bool { return r.Trigger == domain.TriggerProcessCompletion }

func (r Rule) matchesFrom(current string) bool {
	return r.From == Any || r.From == current
}

// failed returns the readable form of every condition that does not hold.
func (r Rule) failed(s Snapshot) []string {
	var out []string
	for _, c := range r.Conditions {
		if !c.Holds(s) {
			out = append(out, c.String())
		}
	}
	return out
}

// Transition is an applied (or applicable) dimension change produced by the
// engine for the caller to record.
type Transition struct {
	Rule      string           `json:"rule"`
	Dimension domain.Dimension `json:"dimension"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Trigger   string           `json:"trigger"`
}

type RuleSet struct {
	rules []Rule
}

// NewRuleSet validates rules and returns an immutable rule set. Two automatic
// rules that can fire from the same dimension value must carry mutually
// exclusive conditions, otherwise an AmbiguousTransitionError is returned.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]Rule, 0, len(rules))}
	names := make(map[string]bool, len(rules))
	for i, r := range rules {
		nr, err := normalizeRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		if names[nr.Name] {
			return nil, fmt.Errorf("duplicate rule name %s", nr.Name)
		}
		names[nr.Name] = true
		rs.rules = append(rs.rules, nr)
	}
	for i := 0; i < len(rs.rules); i++ {
		for j := i + 1; j < len(rs.rules); j++ {
			a, b := rs.rules[i], rs.rules[j]
			if !a.auto() || !b.auto() || a.Dimension != b.Dimension {
				continue
			}
			if a.From != Any && b.From != Any && a.From != b.From {
				continue
			}
			if !exclusive(a, b) {
				from := a.From
				if from == Any {
					from = b.From
				}
				return nil, domain.AmbiguousTransitionError{Dimension: a.Dimension, From: from, Rules: []string{a.Name, b.Name}}
			}
		}
	}
	return rs, nil
}

func normalizeRule(r Rule) (Rule, error) {
	if !r.Dimension.Known() {
		return r, fmt.Errorf("unknown dimension %q", r.Dimension)
	}
	switch r.Trigger {
	case "":
		r.Trigger = domain.TriggerProcessCompletion
	case domain.TriggerProcessCompletion, domain.TriggerManual:
	default:
		return r, fmt.Errorf("unknown trigger %q", r.Trigger)
	}
	if r.From != Any {
		v, err := r.Dimension.Normalize(r.From)
		if err != nil {
			return r, fmt.Errorf("from: %w", err)
		}
		r.From = v
	}
	if r.To == Any {
		if r.auto() {
			return r, fmt.Errorf("to %q is only allowed on manual rules", Any)
		}
	} else {
		v, err := r.Dimension.Normalize(r.To)
		if err != nil {
			return r, fmt.Errorf("to: %w", err)
		}
		r.To = v
	}
	if r.From != Any && r.From == r.To {
		return r, fmt.Errorf("from and to are both %s", r.From)
	}
	if r.Name == "" {
		r.Name = fmt.Sprintf("%s:%s->%s", r.Dimension, r.From, r.To)
	}
	conds := make([]Condition, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		nc, err := c.normalized()
		if err != nil {
			return r, err
		}
		conds = append(conds, nc)
	}
	r.Conditions = conds
	return r, nil
}

func exclusive(a, b Rule) bool {
	for _, ca := range a.Conditions {
		for _, cb := range b.Conditions {
			if ca.Excludes(cb) {
				return true
			}
		}
	}
	return false
}

// Rules returns a copy of the validated rules.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		r.Conditions = append([]Condition(nil), r.Conditions...)
		out[i] = r
	}
	return out
}

// Evaluate returns the automatic transitions available on s, at most one per
// dimension, in domain.Dimensions order. Every dimension is evaluated against
// the same snapshot. A dimension with no available rule is left unchanged.
func (rs *RuleSet) Evaluate(s Snapshot) ([]Transition, error) {
	var out []Transition
	for _, d := range domain.Dimensions {
		current := s.State.Value(d)
		var hits []Rule
		for _, r := range rs.rules {
			if !r.auto() || r.Dimension != d || !r.matchesFrom(current) || r.To == current {
				continue
			}
			if len(r.failed(s)) == 0 {
				hits = append(hits, r)
			}
		}
		switch len(hits) {
		case 0:
			continue
		case 1:
			out = append(out, Transition{
				Rule:      hits[0].Name,
				Dimension: d,
				From:      current,
				To:        hits[0].To,
				Trigger:   domain.TriggerProcessCompletion,
			})
		default:
			names := make([]string, len(hits))
			for i, h := range hits {
				names[i] = h.Name
			}
			return nil, domain.AmbiguousTransitionError{Dimension: d, From: current, Rules: names}
		}
	}
	return out, nil
}

// Check resolves a manual request to move dimension d to value to. Every rule
// is a candidate regardless of trigger; the first whose conditions all hold
// wins. On failure the error lists exactly which conditions did not hold.
func (rs *RuleSet) Check(s Snapshot, d domain.Dimension, to string) (Transition, error) {
	if !d.Known() {
		return Transition{}, fmt.Errorf("unknown dimension %q", d)
	}
	target, err := d.Normalize(to)
	if err != nil {
		return Transition{}, err
	}
	current := s.State.Value(d)
	if target == current {
		return Transition{}, domain.IllegalTransitionError{
			Dimension: d, From: current, To: target,
			Failed: []string{fmt.Sprintf("%s is already %s", d, current)},
		}
	}
	var candidates []Rule
	for _, r := range rs.rules {
		if r.Dimension == d && r.matchesFrom(current) && (r.To == target || r.To == Any) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Transition{}, domain.IllegalTransitionError{
			Dimension: d, From: current, To: target,
			Failed: []string{fmt.Sprintf("no rule from %s to %s", current, target)},
		}
	}
	var failures []string
	for _, r := range candidates {
		failed := r.failed(s)
		if len(failed) == 0 {
			return Transition{Rule: r.Name, Dimension: d, From: current, To: target, Trigger: domain.TriggerManual}, nil
		}
		if len(candidates) == 1 {
			failures = failed
			break
		}
		failures = append(failures, fmt.Sprintf("%s: %s", r.Name, strings.Join(failed, ", ")))
	}
	return Transition{}, domain.IllegalTransitionError{Dimension: d, From: current, To: target, Failed: failures}
}
