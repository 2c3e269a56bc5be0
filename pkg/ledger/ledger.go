package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ssekandi/vslaledger/pkg/models"
	"github.com/ssekandi/vslaledger/pkg/schedule"
	"github.com/ssekandi/vslaledger/pkg/store"
)

// Ledger owns the loan lifecycle: application, approval with schedule
// generation and disbursement, repayment allocation, penalty accrual and
// the administrative transitions. Every mutation is serialized per loan
// and persisted in a single storage transaction.
type Ledger struct {
	storage store.Storage
	calc    *schedule.Calculator
	poster  *Poster
	logger  *logrus.Logger
	locks   LockMap
	now     func() time.Time
}

// NewLedger creates a Ledger with a given Storage implementation.
func NewLedger(storage store.Storage, logger *logrus.Logger) *Ledger {
	return &Ledger{
		storage: storage,
		calc:    schedule.NewCalculator(),
		poster:  NewPoster(storage, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// Poster exposes the ledger's poster for components that append their
// own balanced sets, such as cycle settlement.
func (l *Ledger) Poster() *Poster {
	return l.poster
}

// Locks exposes the per-aggregate lock map. Any component that mutates
// loans outside the Ledger must serialize on the same map.
func (l *Ledger) Locks() *LockMap {
	return &l.locks
}

// Apply records a loan application in Pending state. The terms are
// validated by pricing them once; the schedule itself is only
// materialized at approval, from the first-payment date captured here.
func (l *Ledger) Apply(groupID, memberID, memberAccountID uuid.UUID, productCode string, terms models.LoanTerms) (*models.Loan, error) {
	if _, _, err := l.calc.Schedule(terms); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	loan := &models.Loan{
		ID:              uuid.New(),
		ProductCode:     productCode,
		GroupID:         groupID,
		MemberID:        memberID,
		MemberAccountID: memberAccountID,
		Terms:           terms,
		TotalPayable:    decimal.Zero,
		TotalPaid:       decimal.Zero,
		Status:          models.LoanPending,
		AppliedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.storage.CreateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to store loan application: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"loan":      loan.Number,
		"member":    memberID,
		"principal": terms.Principal.String(),
		"method":    terms.Method,
	}).Info("loan application recorded")
	return loan, nil
}

// Approve activates a pending loan: regenerates the schedule, sets the
// total payable and posts the disbursement from the given account to the
// member's account, all atomically. Fails with ErrAlreadyApproved when
// the loan is past Pending and ErrInsufficientFunds when the
// disbursement account cannot cover the principal.
func (l *Ledger) Approve(loanID, disbursementAccountID uuid.UUID, approvedBy string) (*models.Loan, error) {
	defer l.locks.Lock(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanPending {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.Number, loan.Status, models.ErrAlreadyApproved)
	}

	account, err := l.storage.GetAccount(disbursementAccountID)
	if err != nil {
		return nil, err
	}
	principal := schedule.RoundAmount(loan.Terms.Currency, loan.Terms.Principal)
	if !account.AllowNegative && account.Balance.LessThan(principal) {
		return nil, fmt.Errorf("account %s holds %s, need %s: %w",
			account.Name, account.Balance, principal, models.ErrInsufficientFunds)
	}

	installments, totalPayable, err := l.calc.Schedule(loan.Terms)
	if err != nil {
		return nil, err
	}
	for i := range installments {
		installments[i].ID = uuid.New()
		installments[i].LoanID = loan.ID
	}

	now := l.now().UTC()
	loan.Status = models.LoanActive
	loan.TotalPayable = totalPayable
	loan.DisbursementAccountID = disbursementAccountID
	loan.ApprovedAt = &now
	loan.UpdatedAt = now

	entries := entryPair(disbursementAccountID, loan.MemberAccountID, principal, "loan_disbursement", &loan.ID, nil)
	if err := l.poster.Prepare(entries, approvedBy); err != nil {
		return nil, err
	}
	if err := l.storage.ApproveLoan(loan, installments, entries); err != nil {
		return nil, fmt.Errorf("failed to approve loan %s: %w", loan.Number, err)
	}

	l.logger.WithFields(logrus.Fields{
		"loan":          loan.Number,
		"total_payable": totalPayable.String(),
		"installments":  len(installments),
	}).Info("loan approved and disbursed")
	return loan, nil
}

// Reject cancels a pending application. Any other state fails with
// ErrAlreadyProcessed.
func (l *Ledger) Reject(loanID uuid.UUID) (*models.Loan, error) {
	defer l.locks.Lock(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanPending {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.Number, loan.Status, models.ErrAlreadyProcessed)
	}
	loan.Status = models.LoanCancelled
	loan.UpdatedAt = l.now().UTC()
	if err := l.storage.UpdateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to cancel loan %s: %w", loan.Number, err)
	}
	return loan, nil
}

// MarkDefaulted is the administrative Active -> Defaulted transition.
func (l *Ledger) MarkDefaulted(loanID uuid.UUID) (*models.Loan, error) {
	defer l.locks.Lock(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanActive {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.Number, loan.Status, models.ErrAlreadyProcessed)
	}
	loan.Status = models.LoanDefaulted
	loan.UpdatedAt = l.now().UTC()
	if err := l.storage.UpdateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to default loan %s: %w", loan.Number, err)
	}
	l.logger.WithField("loan", loan.Number).Warn("loan marked defaulted")
	return loan, nil
}

// ApplyRepayment allocates a payment across the oldest outstanding
// installments (principal, then interest, then penalty within each),
// posts the movement from the payer's account back to the disbursement
// account and completes the loan once everything is settled. Amounts
// beyond what is outstanding are not taken.
func (l *Ledger) ApplyRepayment(loanID, fromAccountID uuid.UUID, amount decimal.Decimal, recordedBy string) (*models.Loan, error) {
	defer l.locks.Lock(loanID)()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: repayment amount must be positive", models.ErrInvalidLoanTerms)
	}

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanActive {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.Number, loan.Status, models.ErrAlreadyProcessed)
	}

	installments, err := l.storage.GetLoanSchedule(loanID)
	if err != nil {
		return nil, err
	}

	applied := AllocatePayment(installments, schedule.RoundAmount(loan.Terms.Currency, amount))
	if !applied.IsPositive() {
		return nil, fmt.Errorf("loan %s has nothing outstanding: %w", loan.Number, models.ErrAlreadyProcessed)
	}

	loan.TotalPaid = loan.TotalPaid.Add(applied)
	loan.UpdatedAt = l.now().UTC()
	if allSettled(installments) {
		loan.Status = models.LoanCompleted
	}

	entries := entryPair(fromAccountID, loan.DisbursementAccountID, applied, "loan_repayment", &loan.ID, nil)
	if err := l.poster.Prepare(entries, recordedBy); err != nil {
		return nil, err
	}
	if err := l.storage.SaveRepayment(loan, installments, entries); err != nil {
		return nil, fmt.Errorf("failed to save repayment for loan %s: %w", loan.Number, err)
	}

	l.logger.WithFields(logrus.Fields{
		"loan":    loan.Number,
		"applied": applied.String(),
		"status":  loan.Status,
	}).Info("repayment applied")
	return loan, nil
}

// AllocatePayment walks the installments oldest first and pays principal,
// then interest, then penalty within each. The installments are mutated
// in place; the returned amount is what was actually absorbed, which may
// be less than offered when the loan is nearly settled.
func AllocatePayment(installments []models.RepaymentInstallment, amount decimal.Decimal) decimal.Decimal {
	remaining := amount
	for i := range installments {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		inst := &installments[i]
		if inst.Settled() {
			continue
		}

		remaining = payComponent(inst.Principal, &inst.PaidPrincipal, remaining)
		remaining = payComponent(inst.Interest, &inst.PaidInterest, remaining)
		remaining = payComponent(inst.Penalty, &inst.PaidPenalty, remaining)

		if inst.Settled() {
			inst.Status = models.InstallmentPaid
		} else if inst.PaidPrincipal.Add(inst.PaidInterest).Add(inst.PaidPenalty).IsPositive() {
			inst.Status = models.InstallmentPartial
		}
	}
	return amount.Sub(remaining)
}

func payComponent(due decimal.Decimal, paid *decimal.Decimal, remaining decimal.Decimal) decimal.Decimal {
	owed := due.Sub(*paid)
	if owed.LessThanOrEqual(decimal.Zero) || remaining.LessThanOrEqual(decimal.Zero) {
		return remaining
	}
	take := decimal.Min(owed, remaining)
	*paid = paid.Add(take)
	return remaining.Sub(take)
}

func allSettled(installments []models.RepaymentInstallment) bool {
	for i := range installments {
		if !installments[i].Settled() {
			return false
		}
	}
	return true
}

// ApplyLatePenalties recomputes the penalty on every overdue unpaid
// installment of every active loan as days-late times the per-day
// penalty rate on the overdue portion. The computation is absolute, so
// re-running with the same asOf date is a no-op.
func (l *Ledger) ApplyLatePenalties(asOf time.Time) error {
	loans, err := l.storage.ListActiveLoans()
	if err != nil {
		return fmt.Errorf("failed to list active loans: %w", err)
	}

	dailyRate := func(annual decimal.Decimal) decimal.Decimal {
		return annual.Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(365))
	}

	for _, loan := range loans {
		if loan.Terms.PenaltyRate.IsZero() {
			continue
		}
		installments, err := l.storage.GetLoanSchedule(loan.ID)
		if err != nil {
			l.logger.WithError(err).WithField("loan", loan.Number).Error("penalty sweep: failed to load schedule")
			continue
		}

		var touched []models.RepaymentInstallment
		for i := range installments {
			inst := &installments[i]
			if inst.Settled() || !inst.DueDate.Before(asOf) {
				continue
			}
			daysLate := int64(asOf.Sub(inst.DueDate).Hours() / 24)
			if daysLate <= 0 {
				continue
			}
			overdue := inst.Principal.Add(inst.Interest).Sub(inst.PaidPrincipal).Sub(inst.PaidInterest)
			if !overdue.IsPositive() {
				continue
			}
			penalty := schedule.RoundAmount(loan.Terms.Currency,
				overdue.Mul(dailyRate(loan.Terms.PenaltyRate)).Mul(decimal.NewFromInt(daysLate)))
			if !penalty.Equal(inst.Penalty) {
				inst.Penalty = penalty
				if inst.Status == models.InstallmentUnpaid || inst.Status == models.InstallmentPartial {
					touched = append(touched, *inst)
				}
			}
		}

		if len(touched) == 0 {
			continue
		}
		loan.UpdatedAt = l.now().UTC()
		if err := l.storage.SaveRepayment(loan, touched, nil); err != nil {
			l.logger.WithError(err).WithField("loan", loan.Number).Error("penalty sweep: failed to save")
			continue
		}
		l.logger.WithFields(logrus.Fields{
			"loan":         loan.Number,
			"installments": len(touched),
		}).Info("late penalties accrued")
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetSchedule retrieves a loan's repayment schedule.
func (l *Ledger) GetSchedule(loanID uuid.UUID) ([]models.RepaymentInstallment, error) {
	return l.storage.GetLoanSchedule(loanID)
}
