package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks

var (
	ErrGroupNotFound = errors.New("group_not_found")
	ErrInvalidCycle  = errors.New("invalid_cycle")
)

// SweepReport summarizes one reconciliation pass over active groups.
type SweepReport struct {
	GroupsChecked   int `json:"groups_checked"`
	CyclesCompleted int `json:"cycles_completed"`
}

type Service interface {
	// TriggerEvaluation schedules a completeness check for the cycle. It
	// never blocks the caller; a full queue falls through to the sweep.
	TriggerEvaluation(groupID snowflake.ID, cycleNumber int)

	// EvaluateCycle checks whether every active member has a confirmed slot
	// and, if so, completes the cycle: picks the winner and opens the
	// payout. Returns true only for the call that performed the completion.
	EvaluateCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) (bool, error)

	// SweepActiveGroups re-evaluates the current cycle of every active
	// group. The sweep is the safety net for evaluation triggers lost to
	// crashes; completing a cycle here is expected, not exceptional.
	SweepActiveGroups(ctx context.Context) (*SweepReport, error)

	// GetCycle derives the state of one cycle.
	GetCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) (*CycleSummary, error)

	// ListCycles derives summaries for all cycles up to the group's current
	// one, newest first.
	ListCycles(ctx context.Context, groupID snowflake.ID) ([]CycleSummary, error)
}
