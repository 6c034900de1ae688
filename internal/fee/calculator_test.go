package fee

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smallbiznis/tontine/internal/config"
)

func testCalculator() *Calculator {
	return NewCalculator(config.StaticEngineConfigHolder(config.EngineConfig{}))
}

func TestForPayoutBaseRate(t *testing.T) {
	calc := testCalculator()

	// 1% of 100_000 sats.
	b := calc.ForPayout(100_000, false, false)
	assert.Equal(t, int64(1_000), b.BaseFee)
	assert.Equal(t, int64(1_000), b.FinalFee)
	assert.Equal(t, int64(99_000), b.NetAmount())
}

func TestForPayoutVerifiedDiscount(t *testing.T) {
	calc := testCalculator()

	b := calc.ForPayout(100_000, true, false)
	assert.Equal(t, int64(500), b.FinalFee)
}

func TestForPayoutRecurringMultiplier(t *testing.T) {
	calc := testCalculator()

	b := calc.ForPayout(100_000, false, true)
	assert.Equal(t, int64(750), b.FinalFee)

	both := calc.ForPayout(100_000, true, true)
	assert.Equal(t, int64(375), both.FinalFee)
}

func TestForPayoutMinimumFee(t *testing.T) {
	calc := testCalculator()

	b := calc.ForPayout(50, true, true)
	assert.Equal(t, int64(1), b.FinalFee, "tiny payouts still owe the minimum fee")
}

func TestForPayoutSplitSumsToFee(t *testing.T) {
	calc := testCalculator()

	for _, gross := range []int64{1, 37, 999, 12_345, 100_000, 7_777_777} {
		b := calc.ForPayout(gross, false, false)
		total := b.CommunityShare + b.PartnerShare + b.PlatformShare
		assert.Equal(t, b.FinalFee, total, "gross %d: shares must sum to the fee", gross)
		assert.LessOrEqual(t, b.FinalFee, gross, "gross %d: fee cannot exceed gross", gross)
	}
}

func TestSummaryHashStable(t *testing.T) {
	calc := testCalculator()

	a := calc.ForPayout(100_000, true, false)
	b := calc.ForPayout(100_000, true, false)
	assert.Equal(t, a.SummaryHash(), b.SummaryHash())

	c := calc.ForPayout(100_001, true, false)
	assert.NotEqual(t, a.SummaryHash(), c.SummaryHash())
}
