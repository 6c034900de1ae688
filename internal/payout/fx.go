package payout

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/payout/repository"
	"github.com/smallbiznis/tontine/internal/payout/service"
)

var Module = fx.Module("payout.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
