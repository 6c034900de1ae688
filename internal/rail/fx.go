package rail

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/config"
)

var Module = fx.Module("rail",
	fx.Provide(NewMockRail),
	fx.Provide(newRegistry),
	fx.Provide(newDefaultRail),
)

func newRegistry(cfg config.Config, mock *MockRail) *Registry {
	rails := []Rail{mock}
	if cfg.RailEndpoint != "" && cfg.RailProvider != "mock" {
		rails = append(rails, NewHTTPRail(cfg.RailProvider, cfg.RailEndpoint, cfg.RailAPIKey))
	}
	return NewRegistry(rails...)
}

func newDefaultRail(cfg config.Config, registry *Registry) (Rail, error) {
	return registry.Resolve(cfg.RailProvider)
}
