package domain

import (
	"fmt"
	"strconv"
)

// Dimension names one independently tracked axis of property state.
type Dimension string

const (
	DimensionLifecyclePhase Dimension = "lifecyclePhase"
	DimensionActivityStatus Dimension = "activityStatus"
	DimensionApprovalState  Dimension = "approvalState"
	DimensionRiskScore      Dimension = "riskScore"
)

// Dimensions lists every dimension in evaluation order.
var Dimensions = []Dimension{
	DimensionLifecyclePhase,
	DimensionActivityStatus,
	DimensionApprovalState,
	DimensionRiskScore,
}

// Phase is the ordered lifecycle phase of a property.
type Phase string

const (
	PhaseIntake       Phase = "intake"
	PhaseFeasibility  Phase = "feasibility"
	PhaseEntitlement  Phase = "entitlement"
	PhaseConstruction Phase = "construction"
	PhaseServicing    Phase = "servicing"
)

// PhaseOrder is the canonical forward progression of lifecycle phases.
var PhaseOrder = []Phase{PhaseIntake, PhaseFeasibility, PhaseEntitlement, PhaseConstruction, PhaseServicing}

// Index returns the position of p in PhaseOrder, or -1.
func (p Phase) Index() int {
	for i, v := range PhaseOrder {
		if v == p {
			return i
		}
	}
	return -1
}

type ActivityStatus string

const (
	ActivityActive ActivityStatus = "active"
	ActivityPaused ActivityStatus = "paused"
	ActivityOnHold ActivityStatus = "on-hold"
	ActivityClosed ActivityStatus = "closed"
)

type ApprovalState string

const (
	ApprovalPending       ApprovalState = "pending"
	ApprovalApproved      ApprovalState = "approved"
	ApprovalRejected      ApprovalState = "rejected"
	ApprovalNeedsRevision ApprovalState = "needs-revision"
)

// RiskScore is a continuous value in [MinRisk, MaxRisk].
type RiskScore float64

const (
	MinRisk RiskScore = 0
	MaxRisk RiskScore = 10
)

func (r RiskScore) Valid() bool { return r >= MinRisk && r <= MaxRisk }

func (r RiskScore) String() string {
	return strconv.FormatFloat(float64(r), 'f', -1, 64)
}

// ParseRiskScore parses the canonical string form and checks the range.
func ParseRiskScore(s string) (RiskScore, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, InvalidValueError{Dimension: DimensionRiskScore, Value: s}
	}
	r := RiskScore(f)
	if !r.Valid() {
		return 0, InvalidValueError{Dimension: DimensionRiskScore, Value: s}
	}
	return r, nil
}

var enumValues = map[Dimension][]string{
	DimensionLifecyclePhase: {string(PhaseIntake), string(PhaseFeasibility), string(PhaseEntitlement), string(PhaseConstruction), string(PhaseServicing)},
	DimensionActivityStatus: {string(ActivityActive), string(ActivityPaused), string(ActivityOnHold), string(ActivityClosed)},
	DimensionApprovalState:  {string(ApprovalPending), string(ApprovalApproved), string(ApprovalRejected), string(ApprovalNeedsRevision)},
}

// Values returns the closed value set of an enumerated dimension; riskScore
// has none and returns nil.
func (d Dimension) Values() []string {
	return append([]string(nil), enumValues[d]...)
}

func (d Dimension) Known() bool {
	for _, v := range Dimensions {
		if v == d {
			return true
		}
	}
	return false
}

// Validate reports whether value is a legal value of d.
func (d Dimension) Validate(value string) error {
	switch d {
	case DimensionRiskScore:
		_, err := ParseRiskScore(value)
		return err
	case DimensionLifecyclePhase, DimensionActivityStatus, DimensionApprovalState:
		for _, v := range enumValues[d] {
			if v == value {
				return nil
			}
		}
		return InvalidValueError{Dimension: d, Value: value}
	default:
		return fmt.Errorf("unknown dimension %q", string(d))
	}
}

// Normalize returns the canonical string form of value, so that "7.50" and
// "7.5" compare equal on riskScore.
func (d Dimension) Normalize(value string) (string, error) {
	if err := d.Validate(value); err != nil {
		return "", err
	}
	if d == DimensionRiskScore {
		r, _ := ParseRiskScore(value)
		return r.String(), nil
	}
	return value, nil
}
