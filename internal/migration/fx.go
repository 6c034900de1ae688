package migration

import (
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"github.com/smallbiznis/tontine/internal/config"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	eventsdomain "github.com/smallbiznis/tontine/internal/events/domain"
	feedomain "github.com/smallbiznis/tontine/internal/fee/domain"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
	partnerdomain "github.com/smallbiznis/tontine/internal/partner/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/seed"
	sessiondomain "github.com/smallbiznis/tontine/internal/session/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Sqlite and mysql deployments rely on gorm schema sync.
			if err := conn.AutoMigrate(
				&groupdomain.Group{},
				&groupdomain.Member{},
				&contributiondomain.Contribution{},
				&payoutdomain.Payout{},
				&feedomain.FeeRecord{},
				&ledgerdomain.LedgerAccount{},
				&ledgerdomain.LedgerEntry{},
				&ledgerdomain.LedgerEntryLine{},
				&eventsdomain.EngineEvent{},
				&auditdomain.AuditLog{},
				&sessiondomain.Session{},
				&partnerdomain.PartnerSettlement{},
				&operatordomain.OperatorKey{},
			); err != nil {
				return err
			}
		}

		if err := seed.EnsureChartOfAccounts(conn); err != nil {
			return err
		}
		if cfg.OperatorBootstrapKey != "" {
			return seed.EnsureBootstrapOperatorKey(conn, cfg.OperatorBootstrapKey)
		}
		return nil
	}),
)
