package orchestrator

import "time"

// ComputeBudget returns how long the Executing phase may wait for
// executors. When more than minBudget remains, the budget is the remaining
// time less reserve, but never below minBudget. Otherwise ok is false and
// there is no explicit cap.
func ComputeBudget(remaining, reserve, minBudget time.Duration) (budget time.Duration, ok bool) {
	if remaining <= minBudget {
		return 0, false
	}
	return max(minBudget, remaining-reserve), true
}
