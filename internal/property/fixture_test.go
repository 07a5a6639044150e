package property

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"propline/internal/catalog"
	"propline/internal/domain"
	"propline/internal/rules"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

// clock advances one minute per call.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type ids struct {
	mu sync.Mutex
	n  int
}

func (g *ids) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]domain.ProcessDefinition{
		{Type: "site-assessment", Name: "Site assessment", EstimatedDurationDays: 10,
			Impacts: []domain.DimensionImpact{{Dimension: domain.DimensionLifecyclePhase, Description: "moves intake to feasibility"}}},
		{Type: "feasibility-analysis", Name: "Feasibility analysis", EstimatedDurationDays: 30,
			Prerequisites: []domain.ProcessType{"site-assessment"}},
		{Type: "entitlement-preparation", Name: "Entitlement preparation", EstimatedDurationDays: 45,
			Prerequisites: []domain.ProcessType{"feasibility-analysis"}, ExpectedOutputKeys: []string{"zoning-case"}},
		{Type: "permit-submission", Name: "Permit submission", EstimatedDurationDays: 60,
			Prerequisites: []domain.ProcessType{"entitlement-preparation"}, ExpectedOutputKeys: []string{"decision"}},
		{Type: "risk-assessment", Name: "Risk assessment", EstimatedDurationDays: 5},
		{Type: "design-review", Name: "Design review", EstimatedDurationDays: 14, ApplicableSubtypes: []string{"multifamily"}},
	})
	require.NoError(t, err)
	return c
}

func testRules(t *testing.T) *rules.RuleSet {
	t.Helper()
	rs, err := rules.NewRuleSet([]rules.Rule{
		{Name: "assess", Dimension: domain.DimensionLifecyclePhase, From: "intake", To: "feasibility",
			Conditions: []rules.Condition{rules.Completed("site-assessment")}},
		{Name: "entitle", Dimension: domain.DimensionLifecyclePhase, From: "feasibility", To: "entitlement",
			Conditions: []rules.Condition{{Kind: rules.ProcessCompletedInPhase, Process: "feasibility-analysis"}}},
		{Name: "revise", Dimension: domain.DimensionLifecyclePhase, From: "entitlement", To: "feasibility",
			Conditions: []rules.Condition{rules.Is(domain.DimensionApprovalState, "needs-revision")}},
		{Name: "build", Dimension: domain.DimensionLifecyclePhase, From: "entitlement", To: "construction",
			Conditions: []rules.Condition{rules.Is(domain.DimensionApprovalState, "approved"), rules.Completed("permit-submission")}},
		{Name: "approve", Dimension: domain.DimensionApprovalState, From: rules.Any, To: "approved",
			Conditions: []rules.Condition{{Kind: rules.OutputEquals, Process: "permit-submission", Key: "decision", Value: "approved"}}},
		{Name: "request-revision", Dimension: domain.DimensionApprovalState, From: rules.Any, To: "needs-revision",
			Conditions: []rules.Condition{{Kind: rules.OutputEquals, Process: "permit-submission", Key: "decision", Value: "revise"}}},
		{Name: "hold", Dimension: domain.DimensionActivityStatus, From: "active", To: "on-hold", Trigger: domain.TriggerManual,
			Conditions: []rules.Condition{{Kind: rules.ProcessNotActive, Process: "permit-submission"}}},
		{Name: "rescore", Dimension: domain.DimensionRiskScore, From: rules.Any, To: rules.Any, Trigger: domain.TriggerManual},
	})
	require.NoError(t, err)
	return rs
}

func testManager(t *testing.T) Manager {
	t.Helper()
	c := &clock{now: t0}
	g := &ids{}
	return Manager{
		Catalog: testCatalog(t),
		Rules:   testRules(t),
		Now:     c.Now,
		NewID:   g.Next,
	}
}

func newProperty(t *testing.T, m Manager, subtype string) *Property {
	t.Helper()
	p, err := m.Create(NewProperty{Name: "12 Harbor St", Subtype: subtype, CreatedBy: "alice"})
	require.NoError(t, err)
	return p
}

// run starts and completes a process in one step.
func run(t *testing.T, m Manager, p *Property, typ domain.ProcessType, outputs ...domain.ProcessOutput) domain.CompletionResult {
	t.Helper()
	inst, err := m.Start(p, StartRequest{Type: typ, Assignee: "bob"})
	require.NoError(t, err)
	res, err := m.Complete(p, CompleteRequest{ProcessID: inst.ID, Outputs: outputs, CompletedBy: "bob"})
	require.NoError(t, err)
	return res
}

func out(key, value string) domain.ProcessOutput {
	return domain.ProcessOutput{Key: key, Value: value}
}
