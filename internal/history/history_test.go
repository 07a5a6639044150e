package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propline/internal/domain"
)

var base = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

func phaseChanges(pairs ...[2]string) []domain.StateChange {
	out := make([]domain.StateChange, len(pairs))
	for i, p := range pairs {
		out[i] = domain.StateChange{
			ID:            p[0] + "->" + p[1],
			Seq:           int64(i + 1),
			Dimension:     domain.DimensionLifecyclePhase,
			PreviousValue: p[0],
			NewValue:      p[1],
			ChangedAt:     base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestDetectBranchAtReversal(t *testing.T) {
	changes := phaseChanges(
		[2]string{"intake", "feasibility"},
		[2]string{"feasibility", "entitlement"},
		[2]string{"entitlement", "feasibility"},
		[2]string{"feasibility", "entitlement"},
	)
	a, err := DetectBranch(changes, PhaseOrder())
	require.NoError(t, err)
	assert.Equal(t, 2, a.BranchIndex)
	assert.Equal(t, changes[:2], a.MainPath)
	assert.Equal(t, changes[2:], a.Branch)
	assert.Equal(t, []int{2}, a.Reversals)
}

func TestDetectBranchMonotonic(t *testing.T) {
	changes := phaseChanges(
		[2]string{"intake", "feasibility"},
		[2]string{"feasibility", "entitlement"},
	)
	a, err := DetectBranch(changes, PhaseOrder())
	require.NoError(t, err)
	assert.Equal(t, -1, a.BranchIndex)
	assert.Equal(t, changes, a.MainPath)
	assert.Empty(t, a.Branch)

	empty, err := DetectBranch(nil, PhaseOrder())
	require.NoError(t, err)
	assert.Equal(t, -1, empty.BranchIndex)
	assert.NotNil(t, empty.MainPath)
}

func TestDetectBranchUnknownValue(t *testing.T) {
	_, err := DetectBranch(phaseChanges([2]string{"intake", "demolished"}), PhaseOrder())
	assert.Error(t, err)
}

func TestSegments(t *testing.T) {
	changes := phaseChanges(
		[2]string{"intake", "feasibility"},
		[2]string{"feasibility", "entitlement"},
		[2]string{"entitlement", "feasibility"},
		[2]string{"feasibility", "entitlement"},
		[2]string{"entitlement", "intake"},
	)
	segs, err := Segments(changes, PhaseOrder())
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Len(t, segs[0], 2)
	assert.Len(t, segs[1], 2)
	assert.Len(t, segs[2], 1)
}

func TestReplay(t *testing.T) {
	changes := phaseChanges(
		[2]string{"intake", "feasibility"},
		[2]string{"feasibility", "entitlement"},
		[2]string{"entitlement", "feasibility"},
	)
	changes = append(changes, domain.StateChange{
		Seq: 4, Dimension: domain.DimensionApprovalState, PreviousValue: "pending", NewValue: "needs-revision", ChangedAt: base,
	})
	got, err := Replay(domain.DimensionLifecyclePhase, "intake", changes)
	require.NoError(t, err)
	assert.Equal(t, "feasibility", got)

	got, err = Replay(domain.DimensionApprovalState, "pending", changes)
	require.NoError(t, err)
	assert.Equal(t, "needs-revision", got)

	got, err = Replay(domain.DimensionActivityStatus, "active", changes)
	require.NoError(t, err)
	assert.Equal(t, "active", got)

	_, err = Replay(domain.DimensionLifecyclePhase, "feasibility", changes)
	assert.Error(t, err, "chain must start at the initial value")
}

func TestOrderedBreaksTiesBySeq(t *testing.T) {
	changes := []domain.StateChange{
		{ID: "b", Seq: 2, ChangedAt: base},
		{ID: "c", Seq: 3, ChangedAt: base.Add(-time.Minute)},
		{ID: "a", Seq: 1, ChangedAt: base},
	}
	got := Ordered(changes)
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, "b", changes[0].ID, "input is not reordered")
}
