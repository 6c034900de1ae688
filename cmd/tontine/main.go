package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/migration"
	"github.com/smallbiznis/tontine/internal/observability"
	"github.com/smallbiznis/tontine/internal/scheduler"
	"github.com/smallbiznis/tontine/internal/server"
	"github.com/smallbiznis/tontine/pkg/db"
)

// The monolith: API and background jobs in one process. Most operators run
// this single binary; apps/api and apps/scheduler exist for deployments
// that split the two.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
