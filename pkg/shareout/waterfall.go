package shareout

import (
	"github.com/shopspring/decimal"

	"github.com/ssekandi/vslaledger/pkg/models"
	"github.com/ssekandi/vslaledger/pkg/schedule"
)

// ApplyLoanDeduction nets a member's outstanding loan balance against
// their gross payout. The deduction spreads across the share, profit and
// welfare components in proportion to their weight in the total payout,
// never drives a component negative, and caps at the total payout: any
// unrecovered balance stays on the loan. The result satisfies
// NetPayout + RecoveredLoan == TotalPayout exactly.
func ApplyLoanDeduction(share models.MemberCycleShare, outstanding decimal.Decimal, currency models.Currency) models.MemberCycleShare {
	share.OutstandingLoan = outstanding
	share.RecoveredLoan = decimal.Zero
	share.NetPayout = share.TotalPayout

	if !outstanding.IsPositive() || !share.TotalPayout.IsPositive() {
		return share
	}

	recovered := decimal.Min(outstanding, share.TotalPayout)
	components := []*decimal.Decimal{&share.SharePayout, &share.ProfitShare, &share.WelfareRefund}

	// First pass: proportional targets, clamped to what each component holds.
	remaining := recovered
	for _, comp := range components {
		if !comp.IsPositive() || !remaining.IsPositive() {
			continue
		}
		target := schedule.RoundAmount(currency, recovered.Mul(comp.Div(share.TotalPayout)))
		take := decimal.Min(decimal.Min(target, *comp), remaining)
		*comp = comp.Sub(take)
		remaining = remaining.Sub(take)
	}
	// Second pass: rounding can leave a residual; take it from whatever
	// still has capacity, in component order.
	for _, comp := range components {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(*comp, remaining)
		*comp = comp.Sub(take)
		remaining = remaining.Sub(take)
	}

	share.RecoveredLoan = recovered
	share.NetPayout = share.TotalPayout.Sub(recovered)
	return share
}

// ReapplyLoanDeduction recomputes the deduction on a share whose
// components were already netted once. The gross components are
// reconstructed from what the row preserves: SharePayout was the full
// contribution, WelfareRefund follows the cycle policy, and ProfitShare
// is the remainder of the gross TotalPayout.
func ReapplyLoanDeduction(share models.MemberCycleShare, outstanding decimal.Decimal, currency models.Currency, welfareRefunded bool) models.MemberCycleShare {
	share.SharePayout = share.TotalContributed
	share.WelfareRefund = decimal.Zero
	if welfareRefunded {
		share.WelfareRefund = share.TotalWelfare
	}
	share.ProfitShare = share.TotalPayout.Sub(share.SharePayout).Sub(share.WelfareRefund)
	return ApplyLoanDeduction(share, outstanding, currency)
}
