package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/ssekandi/vslaledger/pkg/models"
)

// Storage defines the persistence operations the financial core needs.
// Methods that mutate more than one row are composite: the implementation
// runs each of them in a single database transaction so a crash can never
// leave a partially applied money movement.
type Storage interface {
	// Accounts.
	CreateAccount(account *models.Account) error
	GetAccount(id uuid.UUID) (*models.Account, error)
	GetMemberAccount(groupID, memberID uuid.UUID) (*models.Account, error)

	// Loans. CreateLoan assigns the human-facing loan number from a
	// per-product sequence inside the same transaction as the insert.
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	GetLoanSchedule(loanID uuid.UUID) ([]models.RepaymentInstallment, error)
	ListActiveLoans() ([]*models.Loan, error)
	GetActiveLoanForMember(groupID, memberID uuid.UUID) (*models.Loan, error)

	// ApproveLoan replaces the loan's schedule, updates the loan row and
	// posts the disbursement entries atomically.
	ApproveLoan(loan *models.Loan, installments []models.RepaymentInstallment, entries []models.LedgerEntry) error

	// SaveRepayment updates the loan row and the touched installments
	// and posts the repayment entries atomically. Entries may be nil for
	// pure state updates such as penalty accrual.
	SaveRepayment(loan *models.Loan, installments []models.RepaymentInstallment, entries []models.LedgerEntry) error

	UpdateLoan(loan *models.Loan) error

	// Ledger. PostEntries writes the batch and applies the balance
	// deltas in one transaction; an account with AllowNegative unset
	// that would go below zero fails the whole batch with
	// models.ErrInsufficientBalance.
	PostEntries(entries []models.LedgerEntry) error
	ListEntriesForAccount(accountID uuid.UUID) ([]models.LedgerEntry, error)

	// Member transactions.
	CreateMemberTransaction(tx *models.MemberTransaction) error
	ListApprovedTransactions(groupID uuid.UUID, from, to time.Time) ([]*models.MemberTransaction, error)

	// Cycles. UpdateCycleStatus is compare-and-set: it fails with
	// models.ErrAlreadyProcessed when the cycle is no longer in the
	// expected state, so concurrent share-out runs fail fast.
	CreateCycle(cycle *models.Cycle) error
	GetCycle(id uuid.UUID) (*models.Cycle, error)
	UpdateCycleStatus(id uuid.UUID, from, to models.CycleStatus) error

	// Cycle shares. ReplaceCycleShares deletes and re-inserts the
	// cycle's rows atomically, refusing when any row is already Paid.
	ReplaceCycleShares(cycleID uuid.UUID, shares []models.MemberCycleShare) error
	ListCycleShares(cycleID uuid.UUID) ([]*models.MemberCycleShare, error)
	UpdateShareStatus(id uuid.UUID, from, to models.ShareStatus) error

	// SettleShare commits one member's settlement: posts the entries,
	// applies any loan recovery, rewrites the share's money columns
	// with the amounts actually applied and flips it to Paid, all in
	// one transaction. Loan and installments may be nil when no
	// recovery applies.
	SettleShare(share *models.MemberCycleShare, loan *models.Loan, installments []models.RepaymentInstallment, entries []models.LedgerEntry) error

	Close() error
}
