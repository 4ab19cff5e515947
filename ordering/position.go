// Package ordering implements the fractional-index arithmetic used to keep
// task positions within a column ordered without a global renumbering on
// every insert. It is pure: no I/O, no allocation beyond its return values,
// and safe to call from any goroutine.
package ordering

// Step is the spacing used between freshly rebalanced positions.
const Step = 65536.0

// MinGap is the smallest gap between two neighbouring positions that a
// midpoint split may still be carved out of. Below this, the caller must
// rebalance instead.
const MinGap = 0.5

// PositionAtEnd returns the position for a task appended to the end of a
// column, given the existing positions in that column (in any order).
func PositionAtEnd(existing []float64) float64 {
	if len(existing) == 0 {
		return Step
	}
	max := existing[0]
	for _, p := range existing[1:] {
		if p > max {
			max = p
		}
	}
	return max + Step
}

// PositionBetween computes the fractional midpoint between two neighbouring
// positions. before and after are nil when there is no neighbour on that
// side. ok is false when the gap is exhausted and the caller must
// rebalance the column before inserting.
func PositionBetween(before, after *float64) (position float64, ok bool) {
	switch {
	case before == nil && after == nil:
		return Step, true
	case before == nil:
		mid := *after / 2
		if mid < MinGap {
			return 0, false
		}
		return mid, true
	case after == nil:
		return *before + Step, true
	default:
		gap := *after - *before
		if gap < MinGap {
			return 0, false
		}
		return *before + gap/2, true
	}
}

// RebalancedPositions returns the new, evenly spaced positions for n tasks
// in a column, in the same order the caller's rows were supplied (the
// pre-rebalance position order).
func RebalancedPositions(n int) []float64 {
	positions := make([]float64, n)
	for i := 0; i < n; i++ {
		positions[i] = float64(i+1) * Step
	}
	return positions
}
