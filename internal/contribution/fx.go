package contribution

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/contribution/repository"
	"github.com/smallbiznis/tontine/internal/contribution/service"
)

var Module = fx.Module("contribution.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
