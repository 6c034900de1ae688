// Package fee computes the platform fee taken from each payout and how that
// fee splits between the community fund, the settlement partner and platform
// revenue. All arithmetic is integer sats; the platform share absorbs
// rounding so the split always sums to the fee.
package fee

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/fx"

	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/fee/repository"
)

type Breakdown struct {
	GrossAmount    int64 `json:"gross_amount"`
	BaseFee        int64 `json:"base_fee"`
	FinalFee       int64 `json:"final_fee"`
	CommunityShare int64 `json:"community_share"`
	PartnerShare   int64 `json:"partner_share"`
	PlatformShare  int64 `json:"platform_share"`
	Verified       bool  `json:"verified"`
	Recurring      bool  `json:"recurring"`
}

// NetAmount is what the winner actually receives.
func (b Breakdown) NetAmount() int64 {
	return b.GrossAmount - b.FinalFee
}

// SummaryHash digests the breakdown into a stable audit anchor. Recomputing
// it from a stored fee record must reproduce the stored value.
func (b Breakdown) SummaryHash() string {
	canonical := fmt.Sprintf("%d|%d|%d|%d|%d|%d|%t|%t",
		b.GrossAmount, b.BaseFee, b.FinalFee,
		b.CommunityShare, b.PartnerShare, b.PlatformShare,
		b.Verified, b.Recurring,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

type Calculator struct {
	holder *config.EngineConfigHolder
}

func NewCalculator(holder *config.EngineConfigHolder) *Calculator {
	return &Calculator{holder: holder}
}

// ForPayout prices the fee for one payout. verified is the winner's KYC
// state; recurring marks a group that has completed at least one full
// rotation.
func (c *Calculator) ForPayout(gross int64, verified bool, recurring bool) Breakdown {
	fees := c.holder.Get().Fees

	base := gross * int64(fees.PlatformBps) / 10_000
	final := base
	if verified {
		final = final * int64(fees.VerifiedDiscountPct) / 100
	}
	if recurring {
		final = final * int64(fees.RecurringMultiplierPct) / 100
	}
	if final < fees.MinimumFee {
		final = fees.MinimumFee
	}
	if final > gross {
		final = gross
	}

	community := final * int64(fees.CommunitySharePct) / 100
	partner := final * int64(fees.PartnerSharePct) / 100
	platform := final - community - partner

	return Breakdown{
		GrossAmount:    gross,
		BaseFee:        base,
		FinalFee:       final,
		CommunityShare: community,
		PartnerShare:   partner,
		PlatformShare:  platform,
		Verified:       verified,
		Recurring:      recurring,
	}
}

var Module = fx.Module("fee",
	fx.Provide(NewCalculator),
	fx.Provide(repository.Provide),
)
