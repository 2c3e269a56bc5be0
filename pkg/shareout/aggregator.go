package shareout

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ssekandi/vslaledger/pkg/models"
)

// Aggregate builds each member's lifetime totals for an eligible cycle
// from the approved transaction log. It is a pure fold over the fetched
// set, so re-running before finalization reproduces the same totals.
// Fails with ErrCycleNotEligible while the cycle has not elapsed and
// ErrAlreadyProcessed once it is completed.
func (s *Service) Aggregate(cycleID uuid.UUID) (map[uuid.UUID]models.ContributionTotals, models.CycleTotals, error) {
	_, perMember, totals, err := s.aggregate(cycleID)
	return perMember, totals, err
}

func (s *Service) aggregate(cycleID uuid.UUID) (*models.Cycle, map[uuid.UUID]models.ContributionTotals, models.CycleTotals, error) {
	cycle, err := s.storage.GetCycle(cycleID)
	if err != nil {
		return nil, nil, models.CycleTotals{}, err
	}

	switch cycle.Status {
	case models.CycleCompleted:
		return nil, nil, models.CycleTotals{}, fmt.Errorf("cycle %s is completed: %w", cycleID, models.ErrAlreadyProcessed)
	case models.CycleActive:
		if cycle.EndDate.After(s.now()) {
			return nil, nil, models.CycleTotals{}, fmt.Errorf("cycle %s ends %s: %w",
				cycleID, cycle.EndDate.Format("2006-01-02"), models.ErrCycleNotEligible)
		}
	case models.CycleShareOutInProgress:
		// Recalculation before finalization is allowed.
	default:
		return nil, nil, models.CycleTotals{}, fmt.Errorf("cycle %s has unknown status %q: %w",
			cycleID, cycle.Status, models.ErrCycleNotEligible)
	}

	end := cycle.EndDate
	if now := s.now(); end.After(now) {
		end = now
	}
	txs, err := s.storage.ListApprovedTransactions(cycle.GroupID, cycle.StartDate, end)
	if err != nil {
		return nil, nil, models.CycleTotals{}, fmt.Errorf("failed to load cycle transactions: %w", err)
	}

	perMember, totals := AggregateTransactions(txs)
	return cycle, perMember, totals, nil
}

// AggregateTransactions folds approved transactions into per-member and
// cycle-wide totals. Distributable profit is the interest earned on
// internal lending (repayments over issuances, floored at zero) plus
// collected penalties.
func AggregateTransactions(txs []*models.MemberTransaction) (map[uuid.UUID]models.ContributionTotals, models.CycleTotals) {
	perMember := make(map[uuid.UUID]models.ContributionTotals)
	var totals models.CycleTotals

	for _, tx := range txs {
		t := perMember[tx.MemberID]
		switch tx.Type {
		case models.TxSharePurchase:
			t.Contributed = t.Contributed.Add(tx.Amount)
			totals.TotalContributed = totals.TotalContributed.Add(tx.Amount)
		case models.TxWelfare:
			t.Welfare = t.Welfare.Add(tx.Amount)
			totals.TotalWelfare = totals.TotalWelfare.Add(tx.Amount)
		case models.TxPenalty:
			t.Penalties = t.Penalties.Add(tx.Amount)
			totals.TotalPenalties = totals.TotalPenalties.Add(tx.Amount)
		case models.TxLoanIssuance:
			t.LoanIssued = t.LoanIssued.Add(tx.Amount)
			totals.TotalLoanIssued = totals.TotalLoanIssued.Add(tx.Amount)
		case models.TxLoanRepayment:
			t.LoanRepaid = t.LoanRepaid.Add(tx.Amount)
			totals.TotalLoanRepaid = totals.TotalLoanRepaid.Add(tx.Amount)
		}
		perMember[tx.MemberID] = t
	}

	interestEarned := totals.TotalLoanRepaid.Sub(totals.TotalLoanIssued)
	if interestEarned.IsNegative() {
		interestEarned = decimal.Zero
	}
	totals.DistributableProfit = totals.TotalPenalties.Add(interestEarned)
	return perMember, totals
}
