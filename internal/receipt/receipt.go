// Package receipt assembles downloadable payout receipts. A receipt exists
// only for confirmed payouts; everything on it comes from rows the engine
// already persisted, so regenerating one is always safe.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/audit/masking"
	feedomain "github.com/smallbiznis/tontine/internal/fee/domain"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/providers/pdf"
	"github.com/smallbiznis/tontine/internal/rates"
)

var (
	ErrPayoutNotFound = errors.New("payout_not_found")
	// ErrReceiptUnavailable means the payout exists but has not confirmed,
	// so there is nothing to attest yet.
	ErrReceiptUnavailable = errors.New("receipt_unavailable")
)

// Document is a rendered receipt ready for download.
type Document struct {
	FileName    string
	ContentType string
	Bytes       []byte
}

type Service interface {
	PayoutReceipt(ctx context.Context, payoutID snowflake.ID) (*Document, error)
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Payouts payoutdomain.Repository
	Groups  groupdomain.GroupRepository
	Members groupdomain.MemberRepository
	Fees    feedomain.Repository
	PDF     pdf.Provider

	Rates rates.Service `optional:"true"`
}

type service struct {
	db      *gorm.DB
	log     *zap.Logger
	payouts payoutdomain.Repository
	groups  groupdomain.GroupRepository
	members groupdomain.MemberRepository
	fees    feedomain.Repository
	pdf     pdf.Provider
	rates   rates.Service
}

func NewService(p Params) Service {
	return &service{
		db:      p.DB,
		log:     p.Log.Named("receipt.service"),
		payouts: p.Payouts,
		groups:  p.Groups,
		members: p.Members,
		fees:    p.Fees,
		pdf:     p.PDF,
		rates:   p.Rates,
	}
}

func (s *service) PayoutReceipt(ctx context.Context, payoutID snowflake.ID) (*Document, error) {
	payout, err := s.payouts.FindByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, ErrPayoutNotFound
	}
	if payout.Status != payoutdomain.PayoutStatusConfirmed || payout.ConfirmedAt == nil {
		return nil, ErrReceiptUnavailable
	}

	group, err := s.groups.FindByID(ctx, payout.GroupID)
	if err != nil {
		return nil, err
	}
	winner, err := s.members.FindByID(ctx, payout.WinnerMemberID)
	if err != nil {
		return nil, err
	}
	record, err := s.fees.FindByPayout(ctx, s.db, payout.ID)
	if err != nil {
		return nil, err
	}

	data := pdf.ReceiptData{
		ReceiptNumber: payout.ID.String(),
		CycleLabel:    fmt.Sprintf("Cycle %d", payout.CycleNumber),
		PaidAt:        payout.ConfirmedAt.UTC().Format("2 Jan 2006"),
		GrossAmount:   formatAmount(payout.GrossAmount, payout.Currency),
		TotalFee:      formatAmount(payout.FeeAmount, payout.Currency),
		NetAmount:     formatAmount(payout.NetAmount, payout.Currency),
		RailProvider:  payout.RailProvider,
		RailRef:       payout.RailRef,
		RequestKey:    payout.RequestKey,
	}
	if group != nil {
		data.GroupName = group.Name
	}
	if winner != nil {
		data.WinnerName = winner.DisplayName
		data.WinnerMSISDN = masking.MaskMSISDN(winner.MSISDN)
	}
	if record != nil {
		data.CommunityShare = formatAmount(record.CommunityShare, payout.Currency)
		data.PlatformShare = formatAmount(record.PlatformShare, payout.Currency)
		data.SummaryHash = record.SummaryHash
		if record.PartnerShare > 0 {
			data.PartnerShare = formatAmount(record.PartnerShare, payout.Currency)
		}
	}
	if s.rates != nil && payout.Currency == "SATS" {
		if quote, err := s.rates.Current(ctx); err == nil {
			data.NetAmountXOF = formatAmount(quote.XOFForSats(payout.NetAmount), quote.Counter)
		}
	}

	reader, err := s.pdf.GeneratePayoutReceipt(ctx, data)
	if err != nil {
		s.log.Error("receipt render failed",
			zap.String("payout_id", payout.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	return &Document{
		FileName:    fmt.Sprintf("payout-receipt-%s.pdf", payout.ID.String()),
		ContentType: "application/pdf",
		Bytes:       body,
	}, nil
}

// formatAmount renders "12,500 SATS" style strings for the PDF.
func formatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var grouped []byte
	for i, d := range []byte(digits) {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped = append(grouped, ',')
		}
		grouped = append(grouped, d)
	}
	return sign + string(grouped) + " " + currency
}
