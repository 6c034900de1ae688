package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/audit"
	"github.com/smallbiznis/tontine/internal/authorization"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/cloudmetrics"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/contribution"
	"github.com/smallbiznis/tontine/internal/cycle"
	"github.com/smallbiznis/tontine/internal/events"
	"github.com/smallbiznis/tontine/internal/fee"
	"github.com/smallbiznis/tontine/internal/group"
	"github.com/smallbiznis/tontine/internal/ledger"
	"github.com/smallbiznis/tontine/internal/observability"
	"github.com/smallbiznis/tontine/internal/partner"
	"github.com/smallbiznis/tontine/internal/payout"
	"github.com/smallbiznis/tontine/internal/rail"
	"github.com/smallbiznis/tontine/internal/ratelimit"
	"github.com/smallbiznis/tontine/internal/rates"
	"github.com/smallbiznis/tontine/internal/scheduler"
	"github.com/smallbiznis/tontine/pkg/db"
)

// Job runner: cycle sweeps, payout dispatch, settlement rollups and outbox
// delivery, with no HTTP surface. Assumes apps/api (or the monolith) has
// already run migrations against the shared database.
func main() {
	app := fx.New(
		config.Module,
		cloudmetrics.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		authorization.Module,
		audit.Module,
		events.Module,
		group.Module,
		contribution.Module,
		cycle.Module,
		payout.Module,
		fee.Module,
		ledger.Module,
		partner.Module,
		rates.Module,
		rail.Module,
		ratelimit.Module,

		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake uses a node id distinct from apps/api so the two
// processes never mint colliding ids against the shared database.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
