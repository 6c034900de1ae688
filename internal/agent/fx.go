// Package agent wires the device-side daemon: a local sqlite queue, the
// sync engine that drains it against the platform, and the loopback control
// surface. The agent never opens the platform database; its only way in is
// the public API.
package agent

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/fx"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smallbiznis/tontine/internal/agent/client"
	"github.com/smallbiznis/tontine/internal/agent/control"
	"github.com/smallbiznis/tontine/internal/agent/domain"
	"github.com/smallbiznis/tontine/internal/agent/repository"
	"github.com/smallbiznis/tontine/internal/agent/service"
	"github.com/smallbiznis/tontine/internal/config"
)

var Module = fx.Module("agent",
	fx.Provide(NewDB),
	fx.Provide(repository.NewRepository),
	fx.Provide(NewClient),
	fx.Provide(service.NewSyncEngine),
	fx.Provide(service.NewService),
	fx.Invoke(RunSyncEngine),
	control.Module,
)

// NewDB opens the agent's queue file. A single connection serializes
// writes, which sqlite wants anyway.
func NewDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(cfg.AgentDBPath), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&domain.PendingAction{}); err != nil {
		return nil, err
	}
	return gdb, nil
}

func NewClient(cfg config.Config) client.API {
	return client.NewHTTPClient(cfg.AgentServerURL)
}

func RunSyncEngine(lc fx.Lifecycle, engine *service.SyncEngine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go engine.Run(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
