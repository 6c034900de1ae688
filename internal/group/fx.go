package group

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/group/repository"
	"github.com/smallbiznis/tontine/internal/group/service"
)

var Module = fx.Module("group.service",
	fx.Provide(repository.NewGroupRepository),
	fx.Provide(repository.NewMemberRepository),
	fx.Provide(service.NewService),
)
