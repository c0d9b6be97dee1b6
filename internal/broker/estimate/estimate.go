// Package estimate computes estimated queue wait times. The algorithm is a
// pluggable strategy: a built-in heuristic by default, or an operator-supplied
// Lua script for per-deployment tuning without a rebuild.
package estimate

// Estimator derives an estimated wait in seconds from the current queue
// snapshot for one game.
type Estimator interface {
	Estimate(game string, waiting, providers int) int
}

// Heuristic bounds for the default estimator.
const (
	minWaitSec = 30
	maxWaitSec = 1800
	// perSlotSec is the assumed time for one provider to absorb one
	// waiting user.
	perSlotSec = 90
)

// Heuristic is the default estimator: queue depth divided across available
// providers, clamped to a sane range. With no providers online the estimate
// pins to the maximum.
type Heuristic struct{}

// Estimate implements Estimator.
//
// Postcondition: Returns 0 for an empty queue, maxWaitSec when no providers
// are available, otherwise a value in [minWaitSec, maxWaitSec].
func (Heuristic) Estimate(_ string, waiting, providers int) int {
	if waiting <= 0 {
		return 0
	}
	if providers <= 0 {
		return maxWaitSec
	}
	sec := (waiting * perSlotSec) / providers
	if sec < minWaitSec {
		return minWaitSec
	}
	if sec > maxWaitSec {
		return maxWaitSec
	}
	return sec
}
