// Package history derives read-side views from the ordered state change log:
// replay of a dimension's current value and branch detection for dimensions
// with a canonical forward progression.
package history

import (
	"fmt"
	"sort"

	"propline/internal/domain"
)

// Ordered returns a copy of changes sorted by ChangedAt, ties broken by Seq.
func Ordered(changes []domain.StateChange) []domain.StateChange {
	out := append([]domain.StateChange(nil), changes...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.Before(out[j].ChangedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// ForDimension returns the ordered changes of one dimension.
func ForDimension(changes []domain.StateChange, d domain.Dimension) []domain.StateChange {
	var out []domain.StateChange
	for _, c := range Ordered(changes) {
		if c.Dimension == d {
			out = append(out, c)
		}
	}
	return out
}

// Replay folds the changes of dimension d over its initial value and returns
// the resulting current value. Each record's previous value must equal the
// running value, otherwise the chain is broken and an error is returned.
func Replay(d domain.Dimension, initial string, changes []domain.StateChange) (string, error) {
	current := initial
	for _, c := range ForDimension(changes, d) {
		if c.PreviousValue != current {
			return "", fmt.Errorf("broken %s chain at change %s (seq %d): previous value %q, expected %q", d, c.ID, c.Seq, c.PreviousValue, current)
		}
		current = c.NewValue
	}
	return current, nil
}

// PhaseOrder returns the lifecycle progression as strings, for use as the
// canonical order in DetectBranch.
func PhaseOrder() []string {
	out := make([]string, len(domain.PhaseOrder))
	for i, p := range domain.PhaseOrder {
		out[i] = string(p)
	}
	return out
}

// Analysis partitions one dimension's history at its first reversal.
type Analysis struct {
	MainPath []domain.StateChange `json:"main_path"`
	Branch   []domain.StateChange `json:"branch"`
	// BranchIndex is the position of the first reversal, -1 when the history
	// is monotonic.
	BranchIndex int `json:"branch_index"`
	// Reversals holds the position of every reversal.
	Reversals []int `json:"reversals"`
}

// DetectBranch walks an ordered single-dimension history and marks a branch
// point at the first change whose target ranks lower than its source in
// order. The main path is the prefix before the branch point and the branch
// is the suffix from it to the end.
func DetectBranch(changes []domain.StateChange, order []string) (Analysis, error) {
	reversals, err := reversalsOf(changes, order)
	if err != nil {
		return Analysis{}, err
	}
	a := Analysis{BranchIndex: -1, Reversals: reversals, MainPath: changes, Branch: []domain.StateChange{}}
	if len(reversals) > 0 {
		i := reversals[0]
		a.BranchIndex = i
		a.MainPath = changes[:i]
		a.Branch = changes[i:]
	}
	if a.MainPath == nil {
		a.MainPath = []domain.StateChange{}
	}
	if a.Reversals == nil {
		a.Reversals = []int{}
	}
	return a, nil
}

// Segments splits the history at every reversal, so a property that went
// back twice yields three segments.
func Segments(changes []domain.StateChange, order []string) ([][]domain.StateChange, error) {
	reversals, err := reversalsOf(changes, order)
	if err != nil {
		return nil, err
	}
	var out [][]domain.StateChange
	start := 0
	for _, r := range reversals {
		if r > start {
			out = append(out, changes[start:r])
		}
		start = r
	}
	if start < len(changes) {
		out = append(out, changes[start:])
	}
	return out, nil
}

func reversalsOf(changes []domain.StateChange, order []string) ([]int, error) {
	rank := make(map[string]int, len(order))
	for i, v := range order {
		rank[v] = i
	}
	var out []int
	for i, c := range changes {
		from, ok := rank[c.PreviousValue]
		if !ok {
			return nil, fmt.Errorf("change %d: value %q not in canonical order", i, c.PreviousValue)
		}
		to, ok := rank[c.NewValue]
		if !ok {
			return nil, fmt.Errorf("change %d: value %q not in canonical order", i, c.NewValue)
		}
		if to < from {
			out = append(out, i)
		}
	}
	return out, nil
}
