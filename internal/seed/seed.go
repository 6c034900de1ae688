package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
)

// EnsureChartOfAccounts seeds the ledger accounts the engine posts against.
// Safe to run on every startup; existing codes are left untouched.
func EnsureChartOfAccounts(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return ensureLedgerAccounts(ctx, tx, node)
	})
}

// EnsureBootstrapOperatorKey registers the configured root operator key so a
// fresh deployment has a working operator credential before any key has been
// minted through the API. Only the hash of the configured value is stored.
func EnsureBootstrapOperatorKey(db *gorm.DB, rawKey string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil
	}

	now := time.Now().UTC()
	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	return db.Exec(`
		INSERT INTO operator_keys (id, key_id, name, role, key_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_id) DO NOTHING
	`,
		node.Generate(),
		"opk_root",
		"bootstrap",
		operatordomain.RoleOperator,
		operatordomain.HashOperatorKey(rawKey),
		true,
		now,
		now,
	).Error
}

func ensureLedgerAccounts(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	type account struct {
		Code ledgerdomain.LedgerAccountCode
		Kind ledgerdomain.LedgerAccountKind
		Name string
	}

	accounts := []account{
		{ledgerdomain.AccountCodeMemberFunds, ledgerdomain.AccountKindAsset, "Member Funds"},
		{ledgerdomain.AccountCodePayoutClearing, ledgerdomain.AccountKindAsset, "Payout Clearing"},

		{ledgerdomain.AccountCodeGroupPool, ledgerdomain.AccountKindLiability, "Group Pool"},
		{ledgerdomain.AccountCodeCommunityFund, ledgerdomain.AccountKindLiability, "Community Fund"},
		{ledgerdomain.AccountCodePartnerPayable, ledgerdomain.AccountKindLiability, "Partner Payable"},

		{ledgerdomain.AccountCodePlatformRevenue, ledgerdomain.AccountKindRevenue, "Platform Revenue"},
	}

	now := time.Now().UTC()
	for _, a := range accounts {
		err := tx.WithContext(ctx).
			Exec(`
				INSERT INTO ledger_accounts (id, code, kind, name, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (code) DO NOTHING
			`,
				node.Generate(),
				string(a.Code),
				string(a.Kind),
				a.Name,
				now,
			).Error

		if err != nil {
			return err
		}
	}

	return nil
}
