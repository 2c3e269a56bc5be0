package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code. Amounts are rounded to the currency's
// minor unit before they are persisted or posted.
type Currency string

const (
	CurrencyUGX Currency = "UGX"
	CurrencyKES Currency = "KES"
	CurrencyUSD Currency = "USD"
)

// Exponent returns the number of minor-unit decimal places for the currency.
func (c Currency) Exponent() int32 {
	if c == CurrencyUGX {
		return 0
	}
	return 2
}

// InterestMethod selects how interest is accrued and spread across installments.
type InterestMethod string

const (
	MethodFlatRate       InterestMethod = "flat_rate"
	MethodFixedRate      InterestMethod = "fixed_rate"
	MethodMortgage       InterestMethod = "mortgage"
	MethodOneTime        InterestMethod = "one_time"
	MethodReducingAmount InterestMethod = "reducing_amount"
	MethodCompound       InterestMethod = "compound"
)

// Valid reports whether the method is one of the supported variants.
func (m InterestMethod) Valid() bool {
	switch m {
	case MethodFlatRate, MethodFixedRate, MethodMortgage, MethodOneTime, MethodReducingAmount, MethodCompound:
		return true
	}
	return false
}

// TermUnit is the calendar unit a loan term is expressed in.
type TermUnit string

const (
	TermUnitDays   TermUnit = "days"
	TermUnitWeeks  TermUnit = "weeks"
	TermUnitMonths TermUnit = "months"
)

// PeriodsPerYear returns how many term units make up a year, used to
// convert the annual rate into a per-period rate.
func (u TermUnit) PeriodsPerYear() int64 {
	switch u {
	case TermUnitDays:
		return 365
	case TermUnitWeeks:
		return 52
	default:
		return 12
	}
}

// Valid reports whether the unit is supported.
func (u TermUnit) Valid() bool {
	switch u {
	case TermUnitDays, TermUnitWeeks, TermUnitMonths:
		return true
	}
	return false
}

// LoanTerms are the immutable parameters a loan is priced from.
// Rate is a nominal percent per annum for every method except one_time,
// where it is read as a whole-term percent. PenaltyRate is a percent per
// annum charged on the overdue portion of an installment.
type LoanTerms struct {
	Principal        decimal.Decimal `json:"principal"`
	Rate             decimal.Decimal `json:"rate"`
	TermLength       int             `json:"term_length"`
	TermUnit         TermUnit        `json:"term_unit"`
	Method           InterestMethod  `json:"method"`
	PenaltyRate      decimal.Decimal `json:"penalty_rate"`
	Currency         Currency        `json:"currency"`
	FirstPaymentDate time.Time       `json:"first_payment_date"`
}

// InstallmentStatus tracks a single installment through repayment.
type InstallmentStatus string

const (
	InstallmentUnpaid  InstallmentStatus = "unpaid"
	InstallmentPartial InstallmentStatus = "partial"
	InstallmentPaid    InstallmentStatus = "paid"
)

// RepaymentInstallment is one row of a loan's repayment schedule.
// AmountDue, Principal and Interest are fixed at schedule generation;
// Penalty accrues after the due date passes. Balance is the principal
// still outstanding after this installment is paid.
type RepaymentInstallment struct {
	ID            uuid.UUID         `json:"id"`
	LoanID        uuid.UUID         `json:"loan_id"`
	Sequence      int               `json:"sequence"`
	DueDate       time.Time         `json:"due_date"`
	AmountDue     decimal.Decimal   `json:"amount_due"`
	Principal     decimal.Decimal   `json:"principal"`
	Interest      decimal.Decimal   `json:"interest"`
	Penalty       decimal.Decimal   `json:"penalty"`
	PaidPrincipal decimal.Decimal   `json:"paid_principal"`
	PaidInterest  decimal.Decimal   `json:"paid_interest"`
	PaidPenalty   decimal.Decimal   `json:"paid_penalty"`
	Balance       decimal.Decimal   `json:"balance"`
	Status        InstallmentStatus `json:"status"`
}

// Outstanding returns what is still owed on this installment, penalty included.
func (r *RepaymentInstallment) Outstanding() decimal.Decimal {
	due := r.Principal.Add(r.Interest).Add(r.Penalty)
	paid := r.PaidPrincipal.Add(r.PaidInterest).Add(r.PaidPenalty)
	return due.Sub(paid)
}

// Settled reports whether every component of the installment is covered.
func (r *RepaymentInstallment) Settled() bool {
	return r.Outstanding().LessThanOrEqual(decimal.Zero)
}

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
	LoanCancelled LoanStatus = "cancelled"
	LoanDefaulted LoanStatus = "defaulted"
)

// Loan is the mutable loan aggregate. The schedule is generated on
// approval from the terms captured at application time. TotalPaid only
// ever grows; the loan completes when it reaches TotalPayable.
type Loan struct {
	ID                    uuid.UUID       `json:"id"`
	Number                string          `json:"number"` // human-facing, per-product sequence
	ProductCode           string          `json:"product_code"`
	GroupID               uuid.UUID       `json:"group_id"`
	MemberID              uuid.UUID       `json:"member_id"`
	MemberAccountID       uuid.UUID       `json:"member_account_id"`
	DisbursementAccountID uuid.UUID       `json:"disbursement_account_id"`
	Terms                 LoanTerms       `json:"terms"`
	TotalPayable          decimal.Decimal `json:"total_payable"`
	TotalPaid             decimal.Decimal `json:"total_paid"`
	Status                LoanStatus      `json:"status"`
	AppliedAt             time.Time       `json:"applied_at"`
	ApprovedAt            *time.Time      `json:"approved_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Outstanding returns the scheduled amount not yet repaid.
func (l *Loan) Outstanding() decimal.Decimal {
	out := l.TotalPayable.Sub(l.TotalPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// AccountKind distinguishes the internal account types the core posts against.
type AccountKind string

const (
	AccountPool   AccountKind = "pool"   // group's pooled cash
	AccountMember AccountKind = "member" // a member's internal account
	AccountBank   AccountKind = "bank"   // external bank/cash account
)

// Account is a postable balance. Accounts with AllowNegative unset reject
// any posting that would drive them below zero.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	GroupID       uuid.UUID       `json:"group_id"`
	MemberID      *uuid.UUID      `json:"member_id,omitempty"`
	Name          string          `json:"name"`
	Kind          AccountKind     `json:"kind"`
	Currency      Currency        `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	AllowNegative bool            `json:"allow_negative"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EntryDirection distinguishes the two halves of a posting.
type EntryDirection string

const (
	Debit  EntryDirection = "debit"  // decreases the account balance
	Credit EntryDirection = "credit" // increases the account balance
)

// LedgerEntry is one append-only row in the general ledger. Entries are
// never updated or deleted; corrections are new offsetting entries.
// Entries posted together share a JournalID and balance to zero.
type LedgerEntry struct {
	ID        uuid.UUID       `json:"id"`
	JournalID uuid.UUID       `json:"journal_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"` // always positive
	Direction EntryDirection  `json:"direction"`
	LoanID    *uuid.UUID      `json:"loan_id,omitempty"`
	ShareID   *uuid.UUID      `json:"share_id,omitempty"`
	Reference string          `json:"reference"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// TransactionType classifies a member transaction for cycle aggregation.
type TransactionType string

const (
	TxSharePurchase TransactionType = "share_purchase"
	TxWelfare       TransactionType = "welfare"
	TxPenalty       TransactionType = "penalty"
	TxLoanIssuance  TransactionType = "loan_issuance"
	TxLoanRepayment TransactionType = "loan_repayment"
)

// Valid reports whether the type is one the aggregator understands.
func (t TransactionType) Valid() bool {
	switch t {
	case TxSharePurchase, TxWelfare, TxPenalty, TxLoanIssuance, TxLoanRepayment:
		return true
	}
	return false
}

// TransactionStatus is the approval state of a member transaction.
// Only approved transactions count toward cycle aggregates.
type TransactionStatus string

const (
	TxPending  TransactionStatus = "pending"
	TxApproved TransactionStatus = "approved"
	TxRejected TransactionStatus = "rejected"
)

// MemberTransaction is a dated, typed contribution or loan movement
// recorded against a member within a group.
type MemberTransaction struct {
	ID         uuid.UUID         `json:"id"`
	GroupID    uuid.UUID         `json:"group_id"`
	MemberID   uuid.UUID         `json:"member_id"`
	Type       TransactionType   `json:"type"`
	Amount     decimal.Decimal   `json:"amount"`
	Status     TransactionStatus `json:"status"`
	OccurredAt time.Time         `json:"occurred_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// CycleStatus is the lifecycle state of a savings cycle.
type CycleStatus string

const (
	CycleActive             CycleStatus = "active"
	CycleShareOutInProgress CycleStatus = "share_out_in_progress"
	CycleCompleted          CycleStatus = "completed"
)

// Cycle is one savings-group cycle. Aggregate totals are computed from
// the transaction log at share-out time, not stored authoritatively.
type Cycle struct {
	ID              uuid.UUID   `json:"id"`
	GroupID         uuid.UUID   `json:"group_id"`
	PoolAccountID   uuid.UUID   `json:"pool_account_id"`
	StartDate       time.Time   `json:"start_date"`
	EndDate         time.Time   `json:"end_date"`
	Status          CycleStatus `json:"status"`
	WelfareRefunded bool        `json:"welfare_refunded"` // group policy: refund welfare at share-out
	Currency        Currency    `json:"currency"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ContributionTotals are one member's lifetime totals within a cycle.
type ContributionTotals struct {
	Contributed decimal.Decimal `json:"contributed"`
	Welfare     decimal.Decimal `json:"welfare"`
	Penalties   decimal.Decimal `json:"penalties"`
	LoanIssued  decimal.Decimal `json:"loan_issued"`
	LoanRepaid  decimal.Decimal `json:"loan_repaid"`
}

// CycleTotals are the cycle-wide sums the share-out is computed from.
type CycleTotals struct {
	TotalContributed    decimal.Decimal `json:"total_contributed"`
	TotalWelfare        decimal.Decimal `json:"total_welfare"`
	TotalPenalties      decimal.Decimal `json:"total_penalties"`
	TotalLoanIssued     decimal.Decimal `json:"total_loan_issued"`
	TotalLoanRepaid     decimal.Decimal `json:"total_loan_repaid"`
	DistributableProfit decimal.Decimal `json:"distributable_profit"`
}

// ShareStatus is the settlement state of a member's cycle share.
type ShareStatus string

const (
	ShareCalculated ShareStatus = "calculated"
	ShareApproved   ShareStatus = "approved"
	SharePaid       ShareStatus = "paid"
)

// MemberCycleShare is one member's share-out entitlement for a cycle.
// SharePayout, ProfitShare and WelfareRefund are net of any loan
// deduction; TotalPayout is the gross entitlement before deduction, so
// NetPayout + RecoveredLoan == TotalPayout always holds. Rows are
// immutable once Paid.
type MemberCycleShare struct {
	ID               uuid.UUID       `json:"id"`
	CycleID          uuid.UUID       `json:"cycle_id"`
	MemberID         uuid.UUID       `json:"member_id"`
	TotalContributed decimal.Decimal `json:"total_contributed"`
	TotalWelfare     decimal.Decimal `json:"total_welfare"`
	ShareFraction    decimal.Decimal `json:"share_fraction"`
	SharePayout      decimal.Decimal `json:"share_payout"`
	ProfitShare      decimal.Decimal `json:"profit_share"`
	WelfareRefund    decimal.Decimal `json:"welfare_refund"`
	TotalPayout      decimal.Decimal `json:"total_payout"`
	OutstandingLoan  decimal.Decimal `json:"outstanding_loan"`
	RecoveredLoan    decimal.Decimal `json:"recovered_loan"`
	NetPayout        decimal.Decimal `json:"net_payout"`
	LoanID           *uuid.UUID      `json:"loan_id,omitempty"`
	Status           ShareStatus     `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
