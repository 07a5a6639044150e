package domain

import "time"

type ProcessType string

type ProcessStatus string

const (
	ProcessPending    ProcessStatus = "pending"
	ProcessInProgress ProcessStatus = "in-progress"
	ProcessCompleted  ProcessStatus = "completed"
	ProcessBlocked    ProcessStatus = "blocked"
)

// Trigger values recorded on state changes.
const (
	TriggerProcessCompletion = "process-completion"
	TriggerManual            = "manual"
)

// State holds the current value of every dimension.
type State struct {
	LifecyclePhase Phase          `json:"lifecycle_phase" yaml:"lifecycle_phase"`
	ActivityStatus ActivityStatus `json:"activity_status" yaml:"activity_status"`
	ApprovalState  ApprovalState  `json:"approval_state" yaml:"approval_state"`
	RiskScore      RiskScore      `json:"risk_score" yaml:"risk_score"`
}

// InitialState is the state every property starts with at intake.
func InitialState() State {
	return State{
		LifecyclePhase: PhaseIntake,
		ActivityStatus: ActivityActive,
		ApprovalState:  ApprovalPending,
		RiskScore:      0,
	}
}

// Value returns the canonical string form of dimension d.
func (s State) Value(d Dimension) string {
	switch d {
	case DimensionLifecyclePhase:
		return string(s.LifecyclePhase)
	case DimensionActivityStatus:
		return string(s.ActivityStatus)
	case DimensionApprovalState:
		return string(s.ApprovalState)
	case DimensionRiskScore:
		return s.RiskScore.String()
	}
	return ""
}

// With returns a copy of s with dimension d set to value. The value must
// already be validated.
func (s State) With(d Dimension, value string) State {
	switch d {
	case DimensionLifecyclePhase:
		s.LifecyclePhase = Phase(value)
	case DimensionActivityStatus:
		s.ActivityStatus = ActivityStatus(value)
	case DimensionApprovalState:
		s.ApprovalState = ApprovalState(value)
	case DimensionRiskScore:
		r, _ := ParseRiskScore(value)
		s.RiskScore = r
	}
	return s
}

// Validate checks every dimension value.
func (s State) Validate() error {
	for _, d := range Dimensions {
		if err := d.Validate(s.Value(d)); err != nil {
			return err
		}
	}
	return nil
}

// Property is a read snapshot of the tracked real-estate development.
type Property struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Subtype         string            `json:"subtype"`
	State           State             `json:"state"`
	Initial         State             `json:"initial"`
	CreatedAt       time.Time         `json:"created_at"`
	CreatedBy       string            `json:"created_by"`
	ActiveProcesses []ProcessInstance `json:"active_processes"`
	ProcessHistory  []ProcessInstance `json:"process_history"`
	StateHistory    []StateChange     `json:"state_history"`
}

// CompletedTypes returns the set of process types present in history.
func (p Property) CompletedTypes() map[ProcessType]bool {
	out := make(map[ProcessType]bool, len(p.ProcessHistory))
	for _, inst := range p.ProcessHistory {
		if inst.Status == ProcessCompleted {
			out[inst.Type] = true
		}
	}
	return out
}

type ProcessOutput struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

type ProcessInstance struct {
	ID            string          `json:"id"`
	PropertyID    string          `json:"property_id"`
	Type          ProcessType     `json:"type"`
	Status        ProcessStatus   `json:"status" enum:"pending,in-progress,completed,blocked"`
	Assignee      string          `json:"assignee,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CompletedBy   string          `json:"completed_by,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	BlockedReason string          `json:"blocked_reason,omitempty"`
	Outputs       []ProcessOutput `json:"outputs,omitempty"`
}

// Output returns the value recorded for key, last write wins.
func (p ProcessInstance) Output(key string) (string, bool) {
	for i := len(p.Outputs) - 1; i >= 0; i-- {
		if p.Outputs[i].Key == key {
			return p.Outputs[i].Value, true
		}
	}
	return "", false
}

// DimensionImpact documents a state change a process is expected to cause.
// It is advisory and never enforced.
type DimensionImpact struct {
	Dimension   Dimension `json:"dimension" yaml:"dimension"`
	Description string    `json:"description" yaml:"description"`
}

type ProcessDefinition struct {
	Type                  ProcessType       `json:"type" yaml:"type"`
	Name                  string            `json:"name" yaml:"name"`
	Description           string            `json:"description,omitempty" yaml:"description"`
	EstimatedDurationDays int               `json:"estimated_duration_days" yaml:"estimated_duration_days"`
	Prerequisites         []ProcessType     `json:"prerequisites,omitempty" yaml:"prerequisites"`
	ApplicableSubtypes    []string          `json:"applicable_subtypes,omitempty" yaml:"applicable_subtypes"`
	ExpectedOutputKeys    []string          `json:"expected_output_keys,omitempty" yaml:"expected_output_keys"`
	Impacts               []DimensionImpact `json:"impacts,omitempty" yaml:"impacts"`
}

// AppliesTo reports whether the definition applies to a property subtype.
// An empty subtype list applies to every subtype.
func (d ProcessDefinition) AppliesTo(subtype string) bool {
	if len(d.ApplicableSubtypes) == 0 {
		return true
	}
	for _, s := range d.ApplicableSubtypes {
		if s == subtype {
			return true
		}
	}
	return false
}

// StateChange is an immutable audit record of one dimension mutation.
type StateChange struct {
	ID               string    `json:"id"`
	PropertyID       string    `json:"property_id"`
	Seq              int64     `json:"seq"`
	Dimension        Dimension `json:"dimension"`
	PreviousValue    string    `json:"previous_value"`
	NewValue         string    `json:"new_value"`
	ChangedAt        time.Time `json:"changed_at"`
	ChangedBy        string    `json:"changed_by"`
	CausingProcessID string    `json:"causing_process_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Trigger          string    `json:"trigger"`
}

type CompletionResult struct {
	Process        ProcessInstance `json:"process"`
	Changes        []StateChange   `json:"changes"`
	MissingOutputs []string        `json:"missing_outputs,omitempty"`
}

type ActionProposal struct {
	Type                  ProcessType       `json:"type"`
	Name                  string            `json:"name"`
	EstimatedDurationDays int               `json:"estimated_duration_days"`
	Impacts               []DimensionImpact `json:"impacts,omitempty"`
	MissingPrerequisites  []ProcessType     `json:"missing_prerequisites,omitempty"`
}

type AvailableActions struct {
	Ready   []ActionProposal `json:"ready"`
	Blocked []ActionProposal `json:"blocked"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PropertyID string `json:"property_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
