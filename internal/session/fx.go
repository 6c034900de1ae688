package session

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/session/repository"
	"github.com/smallbiznis/tontine/internal/session/service"
)

var Module = fx.Module("session.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
