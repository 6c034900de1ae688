package guard

import (
	"errors"

	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
)

var (
	ErrGroupNotActive   = errors.New("group_not_active")
	ErrCycleNotCurrent  = errors.New("cycle_not_current")
	ErrEmptyRoster      = errors.New("empty_roster")
	ErrRosterNotSettled = errors.New("roster_not_settled")
)

// EnsureCycleEvaluable gates cycle completion on group state. Evaluation
// triggers can arrive late, so a stale cycle number is expected traffic,
// not corruption.
func EnsureCycleEvaluable(status groupdomain.GroupStatus, currentCycle, cycleNumber int) error {
	if status != groupdomain.GroupStatusActive {
		return ErrGroupNotActive
	}
	if cycleNumber != currentCycle {
		return ErrCycleNotCurrent
	}
	return nil
}

// EnsureRosterSettled checks that every active member has a confirmed
// contribution for the cycle under evaluation.
func EnsureRosterSettled(activeMembers int, confirmed int64) error {
	if activeMembers == 0 {
		return ErrEmptyRoster
	}
	if confirmed < int64(activeMembers) {
		return ErrRosterNotSettled
	}
	return nil
}
