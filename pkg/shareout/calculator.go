package shareout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ssekandi/vslaledger/pkg/models"
	"github.com/ssekandi/vslaledger/pkg/schedule"
)

// fractionPlaces is the precision share fractions are computed at.
const fractionPlaces = 8

// ComputeShares converts cycle aggregates into each member's gross
// payout. Pure and deterministic: members are processed in id order and
// the profit rounding residual is absorbed by the last contributing
// member, so the profit column sums exactly to the distributable profit.
func ComputeShares(cycle *models.Cycle, perMember map[uuid.UUID]models.ContributionTotals, totals models.CycleTotals) ([]models.MemberCycleShare, error) {
	if !totals.TotalContributed.IsPositive() {
		return nil, fmt.Errorf("cycle %s: %w", cycle.ID, models.ErrNoContributions)
	}

	memberIDs := make([]uuid.UUID, 0, len(perMember))
	for id := range perMember {
		memberIDs = append(memberIDs, id)
	}
	sort.Slice(memberIDs, func(i, j int) bool {
		return memberIDs[i].String() < memberIDs[j].String()
	})

	lastContributor := -1
	for i, id := range memberIDs {
		if perMember[id].Contributed.IsPositive() {
			lastContributor = i
		}
	}

	shares := make([]models.MemberCycleShare, 0, len(memberIDs))
	distributedProfit := decimal.Zero

	for i, memberID := range memberIDs {
		t := perMember[memberID]
		fraction := t.Contributed.DivRound(totals.TotalContributed, fractionPlaces)

		var profit decimal.Decimal
		if i == lastContributor {
			profit = totals.DistributableProfit.Sub(distributedProfit)
		} else {
			profit = schedule.RoundAmount(cycle.Currency, totals.DistributableProfit.Mul(fraction))
		}
		distributedProfit = distributedProfit.Add(profit)

		welfare := decimal.Zero
		if cycle.WelfareRefunded {
			welfare = t.Welfare
		}

		// Capital is returned in full; welfare is retained by the group
		// unless policy refunds it.
		share := models.MemberCycleShare{
			ID:               uuid.New(),
			CycleID:          cycle.ID,
			MemberID:         memberID,
			TotalContributed: t.Contributed,
			TotalWelfare:     t.Welfare,
			ShareFraction:    fraction,
			SharePayout:      t.Contributed,
			ProfitShare:      profit,
			WelfareRefund:    welfare,
			Status:           models.ShareCalculated,
		}
		share.TotalPayout = share.SharePayout.Add(share.ProfitShare).Add(share.WelfareRefund)
		share.NetPayout = share.TotalPayout
		shares = append(shares, share)
	}

	return shares, nil
}

// CalculateShareOut aggregates the cycle, computes each member's gross
// share, nets it against any outstanding loan and persists the rows,
// replacing any earlier calculation. Allowed only while no row has been
// paid; the cycle moves to ShareOutInProgress on the first run.
func (s *Service) CalculateShareOut(cycleID uuid.UUID) ([]models.MemberCycleShare, error) {
	defer s.locks.Lock(cycleID)()

	cycle, perMember, totals, err := s.aggregate(cycleID)
	if err != nil {
		return nil, err
	}

	shares, err := ComputeShares(cycle, perMember, totals)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	grossTotal := decimal.Zero
	for i := range shares {
		share := &shares[i]
		loan, err := s.storage.GetActiveLoanForMember(cycle.GroupID, share.MemberID)
		switch {
		case err == nil:
			*share = ApplyLoanDeduction(*share, loan.Outstanding(), cycle.Currency)
			share.LoanID = &loan.ID
		case errors.Is(err, models.ErrNotFound):
			*share = ApplyLoanDeduction(*share, decimal.Zero, cycle.Currency)
		default:
			return nil, err
		}
		share.CreatedAt = now
		share.UpdatedAt = now
		grossTotal = grossTotal.Add(share.TotalPayout)
	}

	if pool, err := s.storage.GetAccount(cycle.PoolAccountID); err == nil {
		if grossTotal.GreaterThan(pool.Balance) {
			s.logger.WithFields(logrus.Fields{
				"cycle":        cycleID,
				"gross_payout": grossTotal.String(),
				"pool_balance": pool.Balance.String(),
			}).Warn("gross share-out exceeds pool balance; settlement will enforce sufficiency per member")
		}
	}

	if cycle.Status == models.CycleActive {
		if err := s.storage.UpdateCycleStatus(cycleID, models.CycleActive, models.CycleShareOutInProgress); err != nil {
			return nil, err
		}
	}
	if err := s.storage.ReplaceCycleShares(cycleID, shares); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"cycle":   cycleID,
		"members": len(shares),
		"gross":   grossTotal.String(),
	}).Info("share-out calculated")
	return shares, nil
}

// ApproveShares moves every Calculated row to Approved, freezing the
// calculation so settlement can run.
func (s *Service) ApproveShares(cycleID uuid.UUID) error {
	defer s.locks.Lock(cycleID)()

	cycle, err := s.storage.GetCycle(cycleID)
	if err != nil {
		return err
	}
	if cycle.Status != models.CycleShareOutInProgress {
		return fmt.Errorf("cycle %s is %s: %w", cycleID, cycle.Status, models.ErrAlreadyProcessed)
	}

	shares, err := s.storage.ListCycleShares(cycleID)
	if err != nil {
		return err
	}
	for _, share := range shares {
		if share.Status != models.ShareCalculated {
			continue
		}
		if err := s.storage.UpdateShareStatus(share.ID, models.ShareCalculated, models.ShareApproved); err != nil {
			return err
		}
	}
	return nil
}

// ListShares returns the cycle's share rows.
func (s *Service) ListShares(cycleID uuid.UUID) ([]*models.MemberCycleShare, error) {
	return s.storage.ListCycleShares(cycleID)
}
