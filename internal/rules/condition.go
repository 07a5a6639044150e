package rules

import (
	"fmt"
	"strconv"
	"time"

	"propline/internal/domain"
)

// Snapshot is the immutable view of a property that conditions read.
type Snapshot struct {
	State domain.State
	// Completed is the process history in completion order.
	Completed []domain.ProcessInstance
	Active    []domain.ProcessInstance
	// PhaseEnteredAt is when the current lifecycle phase was entered.
	PhaseEnteredAt time.Time
}

// SnapshotOf derives a rule snapshot from a property snapshot.
func SnapshotOf(p domain.Property) Snapshot {
	s := Snapshot{
		State:          p.State,
		Completed:      p.ProcessHistory,
		Active:         p.ActiveProcesses,
		PhaseEnteredAt: p.CreatedAt,
	}
	for i := len(p.StateHistory) - 1; i >= 0; i-- {
		if p.StateHistory[i].Dimension == domain.DimensionLifecyclePhase {
			s.PhaseEnteredAt = p.StateHistory[i].ChangedAt
			break
		}
	}
	return s
}

func (s Snapshot) latestCompleted(t domain.ProcessType) (domain.ProcessInstance, bool) {
	for i := len(s.Completed) - 1; i >= 0; i-- {
		if s.Completed[i].Type == t && s.Completed[i].Status == domain.ProcessCompleted {
			return s.Completed[i], true
		}
	}
	return domain.ProcessInstance{}, false
}

type ConditionKind string

const (
	DimensionEquals         ConditionKind = "dimension-equals"
	DimensionNotEquals      ConditionKind = "dimension-not-equals"
	ProcessCompleted        ConditionKind = "process-completed"
	ProcessNotCompleted     ConditionKind = "process-not-completed"
	ProcessCompletedInPhase ConditionKind = "process-completed-in-phase"
	ProcessNotActive        ConditionKind = "process-not-active"
	RiskBelow               ConditionKind = "risk-below"
	RiskAtLeast             ConditionKind = "risk-at-least"
	OutputEquals            ConditionKind = "output-equals"
)

// Condition is a pure predicate over a Snapshot, expressed as data so rule
// sets can be checked for mutual exclusion when they are loaded.
type Condition struct {
	Kind      ConditionKind      `json:"kind" yaml:"kind"`
	Dimension domain.Dimension   `json:"dimension,omitempty" yaml:"dimension,omitempty"`
	Value     string             `json:"value,omitempty" yaml:"value,omitempty"`
	Process   domain.ProcessType `json:"process,omitempty" yaml:"process,omitempty"`
	Key       string             `json:"key,omitempty" yaml:"key,omitempty"`
	Threshold float64            `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Is builds a dimension-equals condition.
func Is(d domain.Dimension, value string) Condition {
	return Condition{Kind: DimensionEquals, Dimension: d, Value: value}
}

// Completed builds a process-completed condition.
func Completed(t domain.ProcessType) Condition {
	return Condition{Kind: ProcessCompleted, Process: t}
}

// normalized validates c and returns it with canonical values.
func (c Condition) normalized() (Condition, error) {
	switch c.Kind {
	case DimensionEquals, DimensionNotEquals:
		if !c.Dimension.Known() {
			return c, fmt.Errorf("condition %s: unknown dimension %q", c.Kind, c.Dimension)
		}
		v, err := c.Dimension.Normalize(c.Value)
		if err != nil {
			return c, fmt.Errorf("condition %s: %w", c.Kind, err)
		}
		c.Value = v
	case ProcessCompleted, ProcessNotCompleted, ProcessCompletedInPhase, ProcessNotActive:
		if c.Process == "" {
			return c, fmt.Errorf("condition %s: process required", c.Kind)
		}
	case RiskBelow, RiskAtLeast:
		if !domain.RiskScore(c.Threshold).Valid() {
			return c, fmt.Errorf("condition %s: threshold %v out of range", c.Kind, c.Threshold)
		}
	case OutputEquals:
		if c.Process == "" || c.Key == "" {
			return c, fmt.Errorf("condition %s: process and key required", c.Kind)
		}
	default:
		return c, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return c, nil
}

// Holds evaluates c against s.
func (c Condition) Holds(s Snapshot) bool {
	switch c.Kind {
	case DimensionEquals:
		return s.State.Value(c.Dimension) == c.Value
	case DimensionNotEquals:
		return s.State.Value(c.Dimension) != c.Value
	case ProcessCompleted:
		_, ok := s.latestCompleted(c.Process)
		return ok
	case ProcessNotCompleted:
		_, ok := s.latestCompleted(c.Process)
		return !ok
	case ProcessCompletedInPhase:
		inst, ok := s.latestCompleted(c.Process)
		return ok && inst.CompletedAt != nil && inst.CompletedAt.After(s.PhaseEnteredAt)
	case ProcessNotActive:
		for _, a := range s.Active {
			if a.Type == c.Process {
				return false
			}
		}
		return true
	case RiskBelow:
		return float64(s.State.RiskScore) < c.Threshold
	case RiskAtLeast:
		return float64(s.State.RiskScore) >= c.Threshold
	case OutputEquals:
		inst, ok := s.latestCompleted(c.Process)
		if !ok {
			return false
		}
		v, ok := inst.Output(c.Key)
		return ok && v == c.Value
	}
	return false
}

func (c Condition) String() string {
	switch c.Kind {
	case DimensionEquals:
		return fmt.Sprintf("%s == %s", c.Dimension, c.Value)
	case DimensionNotEquals:
		return fmt.Sprintf("%s != %s", c.Dimension, c.Value)
	case ProcessCompleted:
		return fmt.Sprintf("%s completed", c.Process)
	case ProcessNotCompleted:
		return fmt.Sprintf("%s not completed", c.Process)
	case ProcessCompletedInPhase:
		return fmt.Sprintf("%s completed in current phase", c.Process)
	case ProcessNotActive:
		return fmt.Sprintf("%s not active", c.Process)
	case RiskBelow:
		return fmt.Sprintf("%s < %s", domain.DimensionRiskScore, formatThreshold(c.Threshold))
	case RiskAtLeast:
		return fmt.Sprintf("%s >= %s", domain.DimensionRiskScore, formatThreshold(c.Threshold))
	case OutputEquals:
		return fmt.Sprintf("%s.%s == %s", c.Process, c.Key, c.Value)
	}
	return string(c.Kind)
}

func formatThreshold(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Excludes reports whether c and o can never hold on the same snapshot.
// It is conservative: false means "could not prove exclusion".
func (c Condition) Excludes(o Condition) bool {
	// order the pair so each case is written once
	if c.Kind > o.Kind {
		c, o = o, c
	}
	switch {
	case c.Kind == DimensionEquals && o.Kind == DimensionEquals:
		return c.Dimension == o.Dimension && c.Value != o.Value
	case c.Kind == DimensionEquals && o.Kind == DimensionNotEquals:
		return c.Dimension == o.Dimension && c.Value == o.Value
	case c.Kind == DimensionEquals && c.Dimension == domain.DimensionRiskScore && (o.Kind == RiskBelow || o.Kind == RiskAtLeast):
		r, err := domain.ParseRiskScore(c.Value)
		if err != nil {
			return false
		}
		if o.Kind == RiskBelow {
			return float64(r) >= o.Threshold
		}
		return float64(r) < o.Threshold
	case c.Kind == RiskAtLeast && o.Kind == RiskBelow:
		return o.Threshold <= c.Threshold
	case c.Kind == ProcessCompleted && o.Kind == ProcessNotCompleted,
		c.Kind == ProcessCompletedInPhase && o.Kind == ProcessNotCompleted:
		return c.Process == o.Process
	case c.Kind == OutputEquals && o.Kind == OutputEquals:
		return c.Process == o.Process && c.Key == o.Key && c.Value != o.Value
	case c.Kind == OutputEquals && o.Kind == ProcessNotCompleted:
		return c.Process == o.Process
	}
	return false
}
