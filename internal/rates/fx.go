package rates

import "go.uber.org/fx"

var Module = fx.Module("rates.service",
	fx.Provide(NewService),
)
