package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSettlementNotFound = errors.New("settlement_not_found")
	ErrAlreadySettled     = errors.New("settlement_already_settled")
)

type ListSettlementsRequest struct {
	PartnerCode string           `form:"partner_code"`
	Status      SettlementStatus `form:"status"`
	Size        int              `form:"size"`
}

// RollupReport summarizes one rollup pass.
type RollupReport struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Created     int       `json:"created"`
}

type Service interface {
	// RollupDaily folds the previous UTC day's accrued partner shares into
	// settlement rows. Fee records are append-only, so re-running a closed
	// window is a no-op.
	RollupDaily(ctx context.Context, asOf time.Time) (RollupReport, error)

	ListSettlements(ctx context.Context, req ListSettlementsRequest) ([]PartnerSettlement, error)

	// Settle marks an accrued settlement as paid out to the partner.
	Settle(ctx context.Context, id snowflake.ID) (*PartnerSettlement, error)
}

type Repository interface {
	// Insert is idempotent per (partner_code, period_start).
	Insert(ctx context.Context, settlement *PartnerSettlement) (bool, error)
	FindByID(ctx context.Context, id snowflake.ID) (*PartnerSettlement, error)
	List(ctx context.Context, req ListSettlementsRequest) ([]PartnerSettlement, error)
	// MarkSettled flips accrued to settled; returns false when the row was
	// not accrued.
	MarkSettled(ctx context.Context, id snowflake.ID, at time.Time) (bool, error)
}
