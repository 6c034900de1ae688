package cycle

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/cycle/service"
)

var Module = fx.Module("cycle.service",
	fx.Provide(service.NewService),
)
