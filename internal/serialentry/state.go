package serialentry

import "github.com/noah-isme/serial-entry/internal/pricing"

// BuildStep is the position of a session in its build sequence.
type BuildStep int

const (
	BuildPricing BuildStep = iota
	BuildDestination
	BuildDestinationChildren
	BuildListing
	BuildQuota
	BuildRows
	BuildDone
	BuildFailed
)

func (s BuildStep) String() string {
	switch s {
	case BuildPricing:
		return "pricing"
	case BuildDestination:
		return "destination"
	case BuildDestinationChildren:
		return "destination_children"
	case BuildListing:
		return "listing"
	case BuildQuota:
		return "quota"
	case BuildRows:
		return "rows"
	case BuildDone:
		return "done"
	case BuildFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BuildEvent is the outcome of a build step.
type BuildEvent int

const (
	EventCompleted BuildEvent = iota
	EventCancelled
	EventFailed
)

// NextBuildStep is the build transition function. A cancelled step stays
// where it is so the build can be resumed; terminal steps never move.
func NextBuildStep(s BuildStep, ev BuildEvent) BuildStep {
	if s == BuildDone || s == BuildFailed {
		return s
	}
	switch ev {
	case EventCompleted:
		return s + 1
	case EventFailed:
		return BuildFailed
	default:
		return s
	}
}

// OverallState is the session-wide overall discount mode.
type OverallState int

const (
	OverallInactive OverallState = iota
	OverallActive
)

func (s OverallState) String() string {
	if s == OverallActive {
		return "active"
	}
	return "inactive"
}

// NextOverallState evaluates the running total against rule and reports
// whether the state flipped.
func NextOverallState(s OverallState, total float64, rule pricing.OverallDiscount) (OverallState, bool) {
	next := OverallInactive
	if rule.Active(total) {
		next = OverallActive
	}
	return next, next != s
}
