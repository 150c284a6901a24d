// Package report owns the monthly report lifecycle: the transition table,
// the guards on every workflow action, and the service that applies
// transitions transactionally and broadcasts them.
package report

import (
	"strings"

	"rimborso/internal/core"
)

// transitions is the complete adjacency of the lifecycle. Anything not
// listed is invalid, and an invalid attempt is a typed rejection, never a
// silent no-op.
var transitions = map[core.ReportStatus][]core.ReportStatus{
	core.StatusDraft:             {core.StatusSubmitted},
	core.StatusSubmitted:         {core.StatusPendingSupervisor, core.StatusPendingFinance},
	core.StatusPendingSupervisor: {core.StatusPendingFinance, core.StatusNeedsRevision, core.StatusRejected},
	core.StatusPendingFinance:    {core.StatusApproved, core.StatusNeedsRevision, core.StatusRejected},
	core.StatusNeedsRevision:     {core.StatusSubmitted},
	// approved and rejected are terminal
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to core.ReportStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a typed error when from -> to is not an edge.
func ValidateTransition(from, to core.ReportStatus) error {
	if !from.Valid() || !to.Valid() {
		return core.InvalidTransitionf("unknown status in %s -> %s", from, to)
	}
	if !CanTransition(from, to) {
		if from.Terminal() {
			return core.InvalidTransitionf("report is %s; terminal states are only revisited through a fresh submission cycle", from)
		}
		return core.InvalidTransitionf("%s -> %s is not a valid transition", from, to)
	}
	return nil
}

// requireComment guards the transitions that must carry a reviewer comment:
// every move into needs_revision or rejected.
func requireComment(to core.ReportStatus, comment string) error {
	if to != core.StatusNeedsRevision && to != core.StatusRejected {
		return nil
	}
	if strings.TrimSpace(comment) == "" {
		return core.Validationf("a comment is required for %s", to)
	}
	return nil
}
