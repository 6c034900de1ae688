package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/events"
	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tontine/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuditSvc   auditdomain.Service `optional:"true"`
	Outbox     events.Outbox       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	outbox     events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntry(
	ctx context.Context,
	tx *gorm.DB,
	groupID snowflake.ID,
	sourceType ledgerdomain.LedgerSourceType,
	sourceID snowflake.ID,
	currency string,
	occurredAt time.Time,
	lines []ledgerdomain.LedgerEntryLine,
) error {
	if groupID == 0 {
		return ledgerdomain.ErrInvalidGroup
	}
	if strings.TrimSpace(string(sourceType)) == "" {
		return ledgerdomain.ErrInvalidSourceType
	}
	if sourceID == 0 {
		return ledgerdomain.ErrInvalidSourceID
	}

	currency = strings.TrimSpace(currency)
	if currency == "" {
		return ledgerdomain.ErrInvalidCurrency
	}
	if occurredAt.IsZero() {
		return ledgerdomain.ErrInvalidOccurredAt
	}

	normalized := make([]ledgerdomain.LedgerEntryLine, 0, len(lines))
	for _, line := range lines {
		if line.AccountID == 0 {
			return ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return err
		}
		if line.Amount < 0 {
			return ledgerdomain.ErrInvalidLineAmount
		}
		lineCurrency := strings.TrimSpace(line.Currency)
		if lineCurrency == "" {
			lineCurrency = currency
		}
		normalized = append(normalized, ledgerdomain.LedgerEntryLine{
			AccountID: line.AccountID,
			Direction: direction,
			Currency:  lineCurrency,
			Amount:    line.Amount,
		})
	}

	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return err
	}

	inserted := false
	post := func(tx *gorm.DB) error {
		entryID := s.genID.Generate()
		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entries (
				id, group_id, source_type, source_id, currency, occurred_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (group_id, source_type, source_id) DO NOTHING`,
			entryID,
			groupID,
			string(sourceType),
			sourceID,
			currency,
			occurredAt.UTC(),
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		inserted = true

		for _, line := range normalized {
			if line.Amount == 0 {
				continue
			}
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO ledger_entry_lines (
					id, ledger_entry_id, account_id, direction, currency, amount, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				s.genID.Generate(),
				entryID,
				line.AccountID,
				string(line.Direction),
				line.Currency,
				line.Amount,
				now,
			).Error; err != nil {
				return err
			}
		}

		if s.outbox != nil {
			payload := map[string]any{
				"ledger_entry_id": entryID.String(),
				"source_type":     string(sourceType),
				"source_id":       sourceID.String(),
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				GroupID:   groupID,
				Type:      events.EventLedgerEntryCreated,
				Payload:   payload,
				DedupeKey: "ledger_entry:" + entryID.String(),
			}); err != nil {
				return err
			}
		}

		entryIDStr := entryID.String()
		if s.auditSvc != nil {
			metadata := map[string]any{
				"source_type":     string(sourceType),
				"source_id":       sourceID.String(),
				"ledger_entry_id": entryIDStr,
			}
			// Through the same tx: the pool may be down to its last
			// connection, which this transaction holds.
			if err := s.auditSvc.AuditLogTx(ctx, tx, &groupID, "", nil, "ledger.entry_created", "ledger_entry", &entryIDStr, metadata); err != nil {
				s.log.Warn("failed to write ledger audit log", zap.Error(err))
			}
		}
		return nil
	}

	var err error
	if tx != nil {
		err = post(tx)
	} else {
		err = s.db.WithContext(ctx).Transaction(post)
	}
	if err != nil {
		return err
	}
	if inserted && s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	}
	return nil
}

func (s *Service) AccountByCode(ctx context.Context, code ledgerdomain.LedgerAccountCode) (*ledgerdomain.LedgerAccount, error) {
	var account ledgerdomain.LedgerAccount
	err := s.db.WithContext(ctx).
		Where("code = ?", string(code)).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrUnknownAccountCode
		}
		return nil, err
	}
	return &account, nil
}

func (s *Service) Balances(ctx context.Context, groupID snowflake.ID) ([]ledgerdomain.AccountBalance, error) {
	query := `
		SELECT a.code, a.kind, a.name,
			COALESCE(SUM(CASE WHEN l.direction = 'debit' THEN l.amount ELSE 0 END), 0) AS debits,
			COALESCE(SUM(CASE WHEN l.direction = 'credit' THEN l.amount ELSE 0 END), 0) AS credits
		FROM ledger_accounts a
		LEFT JOIN ledger_entry_lines l ON l.account_id = a.id`
	args := []any{}
	if groupID != 0 {
		query += `
		LEFT JOIN ledger_entries e ON e.id = l.ledger_entry_id`
		query += `
		WHERE l.id IS NULL OR e.group_id = ?`
		args = append(args, groupID)
	}
	query += `
		GROUP BY a.id, a.code, a.kind, a.name
		ORDER BY a.code`

	type row struct {
		Code    string `gorm:"column:code"`
		Kind    string `gorm:"column:kind"`
		Name    string `gorm:"column:name"`
		Debits  int64  `gorm:"column:debits"`
		Credits int64  `gorm:"column:credits"`
	}
	var rows []row
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]ledgerdomain.AccountBalance, 0, len(rows))
	for _, r := range rows {
		balance := ledgerdomain.AccountBalance{
			Code:    ledgerdomain.LedgerAccountCode(r.Code),
			Kind:    ledgerdomain.LedgerAccountKind(r.Kind),
			Name:    r.Name,
			Debits:  r.Debits,
			Credits: r.Credits,
		}
		// Assets grow on the debit side; liabilities and revenue grow on
		// the credit side.
		if balance.Kind == ledgerdomain.AccountKindAsset {
			balance.Net = r.Debits - r.Credits
		} else {
			balance.Net = r.Credits - r.Debits
		}
		out = append(out, balance)
	}
	return out, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
