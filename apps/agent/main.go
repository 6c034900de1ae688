package main

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/agent"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/observability"
)

// Device-side daemon: records contribution intents in a local sqlite queue
// and drains them against the platform API whenever connectivity holds. It
// deliberately has no access to the platform database.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,

		agent.Module,
	)
	app.Run()
}
