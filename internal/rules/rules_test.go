package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propline/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func completed(t domain.ProcessType, at time.Time, outputs ...domain.ProcessOutput) domain.ProcessInstance {
	return domain.ProcessInstance{ID: string(t) + "-1", Type: t, Status: domain.ProcessCompleted, CompletedAt: &at, Outputs: outputs}
}

func backwardRule() Rule {
	return Rule{
		Name:       "revise-entitlement",
		Dimension:  domain.DimensionLifecyclePhase,
		From:       string(domain.PhaseEntitlement),
		To:         string(domain.PhaseFeasibility),
		Conditions: []Condition{Is(domain.DimensionApprovalState, string(domain.ApprovalNeedsRevision))},
	}
}

func TestEvaluateBackwardTransition(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		backwardRule(),
		{
			Name:      "advance-to-construction",
			Dimension: domain.DimensionLifecyclePhase,
			From:      string(domain.PhaseEntitlement),
			To:        string(domain.PhaseConstruction),
			Conditions: []Condition{
				Is(domain.DimensionApprovalState, string(domain.ApprovalApproved)),
				Completed("permit-submission"),
			},
		},
	})
	require.NoError(t, err)

	state := domain.InitialState()
	state.LifecyclePhase = domain.PhaseEntitlement
	state.ApprovalState = domain.ApprovalNeedsRevision

	got, err := rs.Evaluate(Snapshot{State: state})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Transition{
		Rule:      "revise-entitlement",
		Dimension: domain.DimensionLifecyclePhase,
		From:      "entitlement",
		To:        "feasibility",
		Trigger:   domain.TriggerProcessCompletion,
	}, got[0])
}

func TestEvaluateNoAvailableRuleIsNotAnError(t *testing.T) {
	rs, err := NewRuleSet([]Rule{backwardRule()})
	require.NoError(t, err)
	got, err := rs.Evaluate(Snapshot{State: domain.InitialState()})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvaluateSkipsManualRules(t *testing.T) {
	r := backwardRule()
	r.Trigger = domain.TriggerManual
	rs, err := NewRuleSet([]Rule{r})
	require.NoError(t, err)
	state := domain.InitialState()
	state.LifecyclePhase = domain.PhaseEntitlement
	state.ApprovalState = domain.ApprovalNeedsRevision
	got, err := rs.Evaluate(Snapshot{State: state})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvaluateMultipleDimensions(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Dimension: domain.DimensionLifecyclePhase, From: "intake", To: "feasibility", Conditions: []Condition{Completed("site-assessment")}},
		{Dimension: domain.DimensionRiskScore, From: Any, To: "6.5", Conditions: []Condition{
			{Kind: OutputEquals, Process: "site-assessment", Key: "flood_zone", Value: "yes"},
		}},
	})
	require.NoError(t, err)
	snap := Snapshot{
		State: domain.InitialState(),
		Completed: []domain.ProcessInstance{
			completed("site-assessment", t0, domain.ProcessOutput{Key: "flood_zone", Value: "yes"}),
		},
	}
	got, err := rs.Evaluate(snap)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.DimensionLifecyclePhase, got[0].Dimension)
	assert.Equal(t, domain.DimensionRiskScore, got[1].Dimension)
	assert.Equal(t, "0", got[1].From)
	assert.Equal(t, "6.5", got[1].To)

	// a rule whose target is already current is not available
	snap.State.RiskScore = 6.5
	snap.State.LifecyclePhase = domain.PhaseFeasibility
	got, err = rs.Evaluate(snap)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewRuleSetRejectsAmbiguousRules(t *testing.T) {
	_, err := NewRuleSet([]Rule{
		backwardRule(),
		{
			Name:       "other",
			Dimension:  domain.DimensionLifecyclePhase,
			From:       string(domain.PhaseEntitlement),
			To:         string(domain.PhaseConstruction),
			Conditions: []Condition{Completed("permit-submission")},
		},
	})
	require.Error(t, err)
	var ae domain.AmbiguousTransitionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, domain.DimensionLifecyclePhase, ae.Dimension)
	assert.Equal(t, "entitlement", ae.From)
	assert.ElementsMatch(t, []string{"revise-entitlement", "other"}, ae.Rules)
}

func TestNewRuleSetWildcardFromOverlaps(t *testing.T) {
	_, err := NewRuleSet([]Rule{
		{Name: "close", Dimension: domain.DimensionActivityStatus, From: Any, To: "closed", Conditions: []Condition{Completed("disposition")}},
		{Name: "pause", Dimension: domain.DimensionActivityStatus, From: "active", To: "paused", Conditions: []Condition{Completed("funding-review")}},
	})
	assert.ErrorIs(t, err, domain.ErrAmbiguousTransition)
}

func TestNewRuleSetValidation(t *testing.T) {
	cases := map[string]Rule{
		"unknown dimension": {Dimension: "color", From: "a", To: "b"},
		"bad from":          {Dimension: domain.DimensionLifecyclePhase, From: "demolished", To: "intake"},
		"bad to":            {Dimension: domain.DimensionApprovalState, From: "pending", To: "maybe"},
		"self loop":         {Dimension: domain.DimensionApprovalState, From: "pending", To: "pending"},
		"auto wildcard to":  {Dimension: domain.DimensionRiskScore, From: Any, To: Any},
		"bad trigger":       {Dimension: domain.DimensionApprovalState, From: "pending", To: "approved", Trigger: "cron"},
		"bad condition":     {Dimension: domain.DimensionApprovalState, From: "pending", To: "approved", Conditions: []Condition{{Kind: "weather"}}},
		"risk out of range": {Dimension: domain.DimensionRiskScore, From: Any, To: "11"},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRuleSet([]Rule{r})
			assert.Error(t, err)
		})
	}
}

func TestRuntimeAmbiguityFailsFast(t *testing.T) {
	// bypasses NewRuleSet validation to exercise the runtime assertion
	rs := &RuleSet{rules: []Rule{
		{Name: "a", Dimension: domain.DimensionApprovalState, From: "pending", To: "approved", Trigger: domain.TriggerProcessCompletion},
		{Name: "b", Dimension: domain.DimensionApprovalState, From: "pending", To: "rejected", Trigger: domain.TriggerProcessCompletion},
	}}
	_, err := rs.Evaluate(Snapshot{State: domain.InitialState()})
	assert.ErrorIs(t, err, domain.ErrAmbiguousTransition)
}

func TestCheckEnumeratesFailedConditions(t *testing.T) {
	rs, err := NewRuleSet([]Rule{backwardRule()})
	require.NoError(t, err)
	state := domain.InitialState()
	state.LifecyclePhase = domain.PhaseEntitlement

	_, err = rs.Check(Snapshot{State: state}, domain.DimensionLifecyclePhase, "feasibility")
	var ie domain.IllegalTransitionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"approvalState == needs-revision"}, ie.Failed)

	state.ApprovalState = domain.ApprovalNeedsRevision
	tr, err := rs.Check(Snapshot{State: state}, domain.DimensionLifecyclePhase, "feasibility")
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerManual, tr.Trigger)
	assert.Equal(t, "entitlement", tr.From)
}

func TestCheckWithoutRule(t *testing.T) {
	rs, err := NewRuleSet([]Rule{backwardRule()})
	require.NoError(t, err)
	_, err = rs.Check(Snapshot{State: domain.InitialState()}, domain.DimensionLifecyclePhase, "servicing")
	var ie domain.IllegalTransitionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"no rule from intake to servicing"}, ie.Failed)

	_, err = rs.Check(Snapshot{State: domain.InitialState()}, domain.DimensionLifecyclePhase, "intake")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, err = rs.Check(Snapshot{State: domain.InitialState()}, domain.DimensionLifecyclePhase, "moon")
	assert.ErrorIs(t, err, domain.ErrInvalidValue)
}

func TestCheckManualWildcardRisk(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "adjust-risk", Dimension: domain.DimensionRiskScore, From: Any, To: Any, Trigger: domain.TriggerManual,
			Conditions: []Condition{{Kind: DimensionNotEquals, Dimension: domain.DimensionActivityStatus, Value: "closed"}}},
	})
	require.NoError(t, err)
	tr, err := rs.Check(Snapshot{State: domain.InitialState()}, domain.DimensionRiskScore, "7.50")
	require.NoError(t, err)
	assert.Equal(t, "7.5", tr.To)

	closed := domain.InitialState()
	closed.ActivityStatus = domain.ActivityClosed
	_, err = rs.Check(Snapshot{State: closed}, domain.DimensionRiskScore, "3")
	var ie domain.IllegalTransitionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"activityStatus != closed"}, ie.Failed)
}

func TestCheckListsEveryCandidate(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "approve-after-review", Dimension: domain.DimensionApprovalState, From: "pending", To: "approved", Trigger: domain.TriggerManual,
			Conditions: []Condition{Completed("entitlement-review")}},
		{Name: "approve-low-risk", Dimension: domain.DimensionApprovalState, From: Any, To: "approved", Trigger: domain.TriggerManual,
			Conditions: []Condition{{Kind: RiskBelow, Threshold: 2}, Completed("site-assessment")}},
	})
	require.NoError(t, err)
	state := domain.InitialState()
	state.RiskScore = 5
	_, err = rs.Check(Snapshot{State: state}, domain.DimensionApprovalState, "approved")
	var ie domain.IllegalTransitionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{
		"approve-after-review: entitlement-review completed",
		"approve-low-risk: riskScore < 2, site-assessment completed",
	}, ie.Failed)
}

func TestProcessCompletedInPhase(t *testing.T) {
	c := Condition{Kind: ProcessCompletedInPhase, Process: "feasibility-analysis"}
	snap := Snapshot{
		State:          domain.InitialState(),
		Completed:      []domain.ProcessInstance{completed("feasibility-analysis", t0)},
		PhaseEnteredAt: t0.Add(time.Hour),
	}
	assert.False(t, c.Holds(snap), "completed before the phase was re-entered")
	snap.PhaseEnteredAt = t0.Add(-time.Hour)
	assert.True(t, c.Holds(snap))
}

func TestSnapshotOfUsesLastPhaseChange(t *testing.T) {
	p := domain.Property{
		CreatedAt: t0,
		StateHistory: []domain.StateChange{
			{Dimension: domain.DimensionLifecyclePhase, ChangedAt: t0.Add(time.Hour)},
			{Dimension: domain.DimensionApprovalState, ChangedAt: t0.Add(2 * time.Hour)},
		},
	}
	assert.Equal(t, t0.Add(time.Hour), SnapshotOf(p).PhaseEnteredAt)
	assert.Equal(t, t0, SnapshotOf(domain.Property{CreatedAt: t0}).PhaseEnteredAt)
}

func TestConditionExcludes(t *testing.T) {
	cases := []struct {
		a, b Condition
		want bool
	}{
		{Is(domain.DimensionApprovalState, "approved"), Is(domain.DimensionApprovalState, "rejected"), true},
		{Is(domain.DimensionApprovalState, "approved"), Is(domain.DimensionActivityStatus, "paused"), false},
		{Condition{Kind: DimensionNotEquals, Dimension: domain.DimensionApprovalState, Value: "approved"}, Is(domain.DimensionApprovalState, "approved"), true},
		{Condition{Kind: RiskBelow, Threshold: 5}, Condition{Kind: RiskAtLeast, Threshold: 5}, true},
		{Condition{Kind: RiskBelow, Threshold: 6}, Condition{Kind: RiskAtLeast, Threshold: 5}, false},
		{Is(domain.DimensionRiskScore, "8"), Condition{Kind: RiskBelow, Threshold: 5}, true},
		{Completed("x"), Condition{Kind: ProcessNotCompleted, Process: "x"}, true},
		{Condition{Kind: ProcessNotCompleted, Process: "x"}, Condition{Kind: ProcessCompletedInPhase, Process: "x"}, true},
		{Completed("x"), Condition{Kind: ProcessNotActive, Process: "x"}, false},
		{Condition{Kind: OutputEquals, Process: "x", Key: "k", Value: "1"}, Condition{Kind: OutputEquals, Process: "x", Key: "k", Value: "2"}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.a.Excludes(tc.b), "%s vs %s", tc.a, tc.b)
		assert.Equal(t, tc.want, tc.b.Excludes(tc.a), "%s vs %s", tc.b, tc.a)
	}
}
