package operator

import (
	"github.com/smallbiznis/tontine/internal/operator/repository"
	"github.com/smallbiznis/tontine/internal/operator/service"
	"go.uber.org/fx"
)

var Module = fx.Module("operator.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
