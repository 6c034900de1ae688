package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/migration"
	"github.com/smallbiznis/tontine/internal/observability"
	"github.com/smallbiznis/tontine/internal/server"
	"github.com/smallbiznis/tontine/pkg/db"
)

// API-only deployment: serves member, operator and rail traffic but runs no
// background jobs. Pair it with apps/scheduler.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
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
