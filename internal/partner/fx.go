package partner

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/partner/repository"
	"github.com/smallbiznis/tontine/internal/partner/service"
)

var Module = fx.Module("partner.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
