package shareout

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ssekandi/vslaledger/pkg/ledger"
	"github.com/ssekandi/vslaledger/pkg/models"
)

// MemberSettlement reports the outcome of settling one member's share.
type MemberSettlement struct {
	MemberID  uuid.UUID       `json:"member_id"`
	NetPayout decimal.Decimal `json:"net_payout"`
	Recovered decimal.Decimal `json:"recovered"`
	Skipped   bool            `json:"skipped"` // already paid or not yet approved
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
}

// Settle commits every Approved share: loan recovery entries, the payout
// split into share/profit/welfare sub-entries, and the Paid flip, in one
// transaction per member. A pool shortfall fails that member only;
// earlier members stay committed. Already-Paid rows are skipped, so a run
// interrupted between members is safely resumable. The cycle completes
// once every row is Paid.
func (s *Service) Settle(cycleID uuid.UUID, settledBy string) ([]MemberSettlement, error) {
	defer s.locks.Lock(cycleID)()

	cycle, err := s.storage.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}
	switch cycle.Status {
	case models.CycleCompleted:
		return nil, fmt.Errorf("cycle %s is completed: %w", cycleID, models.ErrAlreadyProcessed)
	case models.CycleActive:
		return nil, fmt.Errorf("cycle %s has no calculated share-out: %w", cycleID, models.ErrCycleNotEligible)
	}

	shares, err := s.storage.ListCycleShares(cycleID)
	if err != nil {
		return nil, err
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("cycle %s has no shares: %w", cycleID, models.ErrCycleNotEligible)
	}

	results := make([]MemberSettlement, 0, len(shares))
	allPaid := true

	for _, share := range shares {
		result := MemberSettlement{MemberID: share.MemberID, NetPayout: share.NetPayout, Recovered: share.RecoveredLoan}

		switch share.Status {
		case models.SharePaid:
			result.Skipped = true
			results = append(results, result)
			continue
		case models.ShareCalculated:
			result.Skipped = true
			allPaid = false
			results = append(results, result)
			continue
		}

		if err := s.settleOne(cycle, share, settledBy); err != nil {
			allPaid = false
			result.Err = err
			result.Error = err.Error()
			if errors.Is(err, models.ErrInsufficientBalance) {
				s.logger.WithFields(logrus.Fields{
					"cycle":  cycleID,
					"member": share.MemberID,
				}).Warn("pool cannot cover payout; member settlement rolled back")
			} else {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"cycle":  cycleID,
					"member": share.MemberID,
				}).Error("member settlement failed")
			}
		} else {
			// The recovery may have been recomputed against the live
			// loan; report what was actually applied.
			result.NetPayout = share.NetPayout
			result.Recovered = share.RecoveredLoan
		}
		results = append(results, result)
	}

	if allPaid {
		if err := s.storage.UpdateCycleStatus(cycleID, models.CycleShareOutInProgress, models.CycleCompleted); err != nil {
			return results, err
		}
		s.logger.WithField("cycle", cycleID).Info("cycle settled and completed")
	}
	return results, nil
}

// settleOne builds and commits a single member's settlement atomically.
// The deduction frozen at approval is re-checked against the live loan
// under the loan's own lock: repayments that landed between approval and
// settlement shrink the recovery, and the difference is released back to
// the member so NetPayout + RecoveredLoan == TotalPayout still holds.
func (s *Service) settleOne(cycle *models.Cycle, share *models.MemberCycleShare, settledBy string) error {
	var entries []models.LedgerEntry
	var loan *models.Loan
	var installments []models.RepaymentInstallment

	if share.RecoveredLoan.IsPositive() && share.LoanID != nil {
		defer s.locks.Lock(*share.LoanID)()

		l, err := s.storage.GetLoan(*share.LoanID)
		if err != nil {
			return err
		}
		current := decimal.Zero
		if l.Status == models.LoanActive {
			current = l.Outstanding()
		}
		if current.LessThan(share.RecoveredLoan) {
			*share = ReapplyLoanDeduction(*share, current, cycle.Currency, cycle.WelfareRefunded)
			s.logger.WithFields(logrus.Fields{
				"cycle":     cycle.ID,
				"member":    share.MemberID,
				"recovered": share.RecoveredLoan.String(),
			}).Info("loan repaid since approval, recovery recomputed")
		}

		if share.RecoveredLoan.IsPositive() {
			installments, err = s.storage.GetLoanSchedule(l.ID)
			if err != nil {
				return err
			}
			applied := ledger.AllocatePayment(installments, share.RecoveredLoan)
			l.TotalPaid = l.TotalPaid.Add(applied)
			l.UpdatedAt = s.now().UTC()
			if l.Outstanding().IsZero() {
				l.Status = models.LoanCompleted
			}
			loan = l

			// The withheld payout covers the repayment, so both legs hit
			// the pool: the audit trail records the recovery without
			// moving net cash.
			entries = append(entries,
				models.LedgerEntry{AccountID: cycle.PoolAccountID, Amount: share.RecoveredLoan, Direction: models.Debit,
					Reference: "share_out_recovery", LoanID: &l.ID, ShareID: &share.ID},
				models.LedgerEntry{AccountID: cycle.PoolAccountID, Amount: share.RecoveredLoan, Direction: models.Credit,
					Reference: "loan_recovery_repayment", LoanID: &l.ID, ShareID: &share.ID},
			)
		}
	}

	if share.NetPayout.IsPositive() {
		memberAccount, err := s.storage.GetMemberAccount(cycle.GroupID, share.MemberID)
		if err != nil {
			return err
		}

		// Sub-entries per component keep the payout auditable.
		for _, part := range []struct {
			amount    decimal.Decimal
			reference string
		}{
			{share.SharePayout, "share_out_share_value"},
			{share.ProfitShare, "share_out_profit"},
			{share.WelfareRefund, "share_out_welfare_refund"},
		} {
			if part.amount.IsPositive() {
				entries = append(entries, models.LedgerEntry{
					AccountID: cycle.PoolAccountID, Amount: part.amount, Direction: models.Debit,
					Reference: part.reference, ShareID: &share.ID,
				})
			}
		}
		entries = append(entries, models.LedgerEntry{
			AccountID: memberAccount.ID, Amount: share.NetPayout, Direction: models.Credit,
			Reference: "share_out_payout", ShareID: &share.ID,
		})
	}

	if len(entries) > 0 {
		if err := s.poster.Prepare(entries, settledBy); err != nil {
			return err
		}
	}

	share.UpdatedAt = s.now().UTC()
	if err := s.storage.SettleShare(share, loan, installments, entries); err != nil {
		return err
	}
	share.Status = models.SharePaid
	return nil
}
