package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ssekandi/vslaledger/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newAccount(groupID uuid.UUID, memberID *uuid.UUID, balance int64, allowNegative bool) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		ID: uuid.New(), GroupID: groupID, MemberID: memberID, Name: "test account",
		Kind: models.AccountPool, Currency: models.CurrencyKES,
		Balance: decimal.NewFromInt(balance), AllowNegative: allowNegative,
		CreatedAt: now, UpdatedAt: now,
	}
}

func newLoan(groupID, memberID uuid.UUID, product string) *models.Loan {
	now := time.Now().UTC()
	return &models.Loan{
		ID: uuid.New(), ProductCode: product, GroupID: groupID, MemberID: memberID,
		MemberAccountID: uuid.New(),
		Terms: models.LoanTerms{
			Principal: decimal.NewFromInt(1000), Rate: decimal.NewFromInt(12),
			TermLength: 4, TermUnit: models.TermUnitMonths, Method: models.MethodFlatRate,
			PenaltyRate: decimal.NewFromInt(5), Currency: models.CurrencyKES,
			FirstPaymentDate: now.AddDate(0, 1, 0),
		},
		TotalPayable: decimal.Zero, TotalPaid: decimal.Zero,
		Status: models.LoanPending, AppliedAt: now, CreatedAt: now, UpdatedAt: now,
	}
}

func TestAccountRoundtrip(t *testing.T) {
	st := newTestStore(t)
	groupID, memberID := uuid.New(), uuid.New()

	account := newAccount(groupID, &memberID, 2500, false)
	if err := st.CreateAccount(account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := st.GetAccount(account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("balance = %s, want 2500", got.Balance)
	}
	if got.MemberID == nil || *got.MemberID != memberID {
		t.Errorf("member id not preserved")
	}

	byMember, err := st.GetMemberAccount(groupID, memberID)
	if err != nil {
		t.Fatalf("GetMemberAccount: %v", err)
	}
	if byMember.ID != account.ID {
		t.Errorf("GetMemberAccount returned %s, want %s", byMember.ID, account.ID)
	}

	if _, err := st.GetAccount(uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing account: expected ErrNotFound, got %v", err)
	}
}

func TestCreateLoanAssignsSequentialNumbers(t *testing.T) {
	st := newTestStore(t)
	groupID, memberID := uuid.New(), uuid.New()

	first := newLoan(groupID, memberID, "VSL")
	second := newLoan(groupID, memberID, "VSL")
	other := newLoan(groupID, memberID, "EMG")
	for _, loan := range []*models.Loan{first, second, other} {
		if err := st.CreateLoan(loan); err != nil {
			t.Fatalf("CreateLoan: %v", err)
		}
	}

	if first.Number != "VSL-000001" {
		t.Errorf("first number = %q, want VSL-000001", first.Number)
	}
	if second.Number != "VSL-000002" {
		t.Errorf("second number = %q, want VSL-000002", second.Number)
	}
	// Sequences are per product.
	if other.Number != "EMG-000001" {
		t.Errorf("other product number = %q, want EMG-000001", other.Number)
	}

	got, err := st.GetLoan(first.ID)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if got.Number != first.Number || got.Terms.Method != models.MethodFlatRate {
		t.Errorf("loan roundtrip mismatch: %+v", got)
	}
}

func TestApproveLoanPersistsScheduleAtomically(t *testing.T) {
	st := newTestStore(t)
	groupID, memberID := uuid.New(), uuid.New()

	pool := newAccount(groupID, nil, 5000, false)
	member := newAccount(groupID, &memberID, 0, false)
	for _, a := range []*models.Account{pool, member} {
		if err := st.CreateAccount(a); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}

	loan := newLoan(groupID, memberID, "VSL")
	loan.MemberAccountID = member.ID
	if err := st.CreateLoan(loan); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	now := time.Now().UTC()
	loan.Status = models.LoanActive
	loan.TotalPayable = decimal.NewFromInt(1040)
	loan.DisbursementAccountID = pool.ID
	loan.ApprovedAt = &now

	installments := []models.RepaymentInstallment{
		{ID: uuid.New(), LoanID: loan.ID, Sequence: 1, DueDate: now.AddDate(0, 1, 0),
			AmountDue: decimal.NewFromInt(520), Principal: decimal.NewFromInt(500), Interest: decimal.NewFromInt(20),
			Balance: decimal.NewFromInt(500), Status: models.InstallmentUnpaid},
		{ID: uuid.New(), LoanID: loan.ID, Sequence: 2, DueDate: now.AddDate(0, 2, 0),
			AmountDue: decimal.NewFromInt(520), Principal: decimal.NewFromInt(500), Interest: decimal.NewFromInt(20),
			Balance: decimal.Zero, Status: models.InstallmentUnpaid},
	}
	entries := disbursementEntries(pool.ID, member.ID, 1000, &loan.ID)

	if err := st.ApproveLoan(loan, installments, entries); err != nil {
		t.Fatalf("ApproveLoan: %v", err)
	}

	schedule, err := st.GetLoanSchedule(loan.ID)
	if err != nil {
		t.Fatalf("GetLoanSchedule: %v", err)
	}
	if len(schedule) != 2 || schedule[0].Sequence != 1 {
		t.Fatalf("schedule not persisted in order: %+v", schedule)
	}

	poolAfter, _ := st.GetAccount(pool.ID)
	if !poolAfter.Balance.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("pool balance = %s, want 4000", poolAfter.Balance)
	}

	active, err := st.ListActiveLoans()
	if err != nil {
		t.Fatalf("ListActiveLoans: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active loans = %d, want 1", len(active))
	}
	byMember, err := st.GetActiveLoanForMember(groupID, memberID)
	if err != nil {
		t.Fatalf("GetActiveLoanForMember: %v", err)
	}
	if byMember.ID != loan.ID {
		t.Errorf("GetActiveLoanForMember returned wrong loan")
	}
}

func disbursementEntries(poolID, memberAcctID uuid.UUID, amount int64, loanID *uuid.UUID) []models.LedgerEntry {
	journal := uuid.New()
	now := time.Now().UTC()
	return []models.LedgerEntry{
		{ID: uuid.New(), JournalID: journal, AccountID: poolID, Amount: decimal.NewFromInt(amount),
			Direction: models.Debit, LoanID: loanID, Reference: "loan_disbursement", CreatedBy: "test", CreatedAt: now},
		{ID: uuid.New(), JournalID: journal, AccountID: memberAcctID, Amount: decimal.NewFromInt(amount),
			Direction: models.Credit, LoanID: loanID, Reference: "loan_disbursement", CreatedBy: "test", CreatedAt: now},
	}
}

func TestPostEntriesEnforcesNonNegativeBalances(t *testing.T) {
	st := newTestStore(t)
	groupID := uuid.New()

	pool := newAccount(groupID, nil, 100, false)
	bank := newAccount(groupID, nil, 0, true)
	for _, a := range []*models.Account{pool, bank} {
		if err := st.CreateAccount(a); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}

	overdraw := disbursementEntries(pool.ID, bank.ID, 150, nil)
	if err := st.PostEntries(overdraw); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The whole batch rolls back: no entries, no balance movement.
	poolAfter, _ := st.GetAccount(pool.ID)
	if !poolAfter.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("pool balance after rollback = %s, want 100", poolAfter.Balance)
	}
	entries, _ := st.ListEntriesForAccount(pool.ID)
	if len(entries) != 0 {
		t.Errorf("rolled-back batch left %d entries", len(entries))
	}

	// Allow-negative accounts may overdraw.
	fromBank := disbursementEntries(bank.ID, pool.ID, 50, nil)
	if err := st.PostEntries(fromBank); err != nil {
		t.Fatalf("PostEntries from bank: %v", err)
	}
	bankAfter, _ := st.GetAccount(bank.ID)
	if !bankAfter.Balance.Equal(decimal.NewFromInt(-50)) {
		t.Errorf("bank balance = %s, want -50", bankAfter.Balance)
	}
}

func TestSaveRepaymentUpdatesInstallments(t *testing.T) {
	st := newTestStore(t)
	groupID, memberID := uuid.New(), uuid.New()

	pool := newAccount(groupID, nil, 5000, false)
	member := newAccount(groupID, &memberID, 1000, false)
	for _, a := range []*models.Account{pool, member} {
		if err := st.CreateAccount(a); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}

	loan := newLoan(groupID, memberID, "VSL")
	loan.MemberAccountID = member.ID
	if err := st.CreateLoan(loan); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	now := time.Now().UTC()
	loan.Status = models.LoanActive
	loan.TotalPayable = decimal.NewFromInt(1040)
	loan.DisbursementAccountID = pool.ID
	loan.ApprovedAt = &now
	installments := []models.RepaymentInstallment{
		{ID: uuid.New(), LoanID: loan.ID, Sequence: 1, DueDate: now,
			AmountDue: decimal.NewFromInt(1040), Principal: decimal.NewFromInt(1000), Interest: decimal.NewFromInt(40),
			Balance: decimal.Zero, Status: models.InstallmentUnpaid},
	}
	if err := st.ApproveLoan(loan, installments, nil); err != nil {
		t.Fatalf("ApproveLoan: %v", err)
	}

	installments[0].PaidPrincipal = decimal.NewFromInt(300)
	installments[0].Status = models.InstallmentPartial
	loan.TotalPaid = decimal.NewFromInt(300)
	entries := disbursementEntries(member.ID, pool.ID, 300, &loan.ID)

	if err := st.SaveRepayment(loan, installments, entries); err != nil {
		t.Fatalf("SaveRepayment: %v", err)
	}

	schedule, _ := st.GetLoanSchedule(loan.ID)
	if !schedule[0].PaidPrincipal.Equal(decimal.NewFromInt(300)) {
		t.Errorf("paid principal = %s, want 300", schedule[0].PaidPrincipal)
	}
	if schedule[0].Status != models.InstallmentPartial {
		t.Errorf("status = %s, want partial", schedule[0].Status)
	}
	reloaded, _ := st.GetLoan(loan.ID)
	if !reloaded.TotalPaid.Equal(decimal.NewFromInt(300)) {
		t.Errorf("total paid = %s, want 300", reloaded.TotalPaid)
	}
}

func TestListApprovedTransactionsFilters(t *testing.T) {
	st := newTestStore(t)
	groupID, memberID := uuid.New(), uuid.New()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	insert := func(status models.TransactionStatus, occurred time.Time) {
		tx := &models.MemberTransaction{
			ID: uuid.New(), GroupID: groupID, MemberID: memberID,
			Type: models.TxSharePurchase, Amount: decimal.NewFromInt(100),
			Status: status, OccurredAt: occurred, CreatedAt: occurred,
		}
		if err := st.CreateMemberTransaction(tx); err != nil {
			t.Fatalf("CreateMemberTransaction: %v", err)
		}
	}
	insert(models.TxApproved, base)
	insert(models.TxApproved, base.AddDate(0, 2, 0))
	insert(models.TxPending, base)                   // wrong status
	insert(models.TxApproved, base.AddDate(0, 6, 0)) // outside window

	txs, err := st.ListApprovedTransactions(groupID, base, base.AddDate(0, 3, 0))
	if err != nil {
		t.Fatalf("ListApprovedTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].OccurredAt.After(txs[1].OccurredAt) {
		t.Errorf("transactions not in occurrence order")
	}
}

func TestCycleStatusCompareAndSet(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	cycle := &models.Cycle{
		ID: uuid.New(), GroupID: uuid.New(), PoolAccountID: uuid.New(),
		StartDate: now.AddDate(-1, 0, 0), EndDate: now, Status: models.CycleActive,
		Currency: models.CurrencyKES, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateCycle(cycle); err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}

	if err := st.UpdateCycleStatus(cycle.ID, models.CycleActive, models.CycleShareOutInProgress); err != nil {
		t.Fatalf("UpdateCycleStatus: %v", err)
	}
	// A second transition from the stale state fails fast.
	if err := st.UpdateCycleStatus(cycle.ID, models.CycleActive, models.CycleShareOutInProgress); !errors.Is(err, models.ErrAlreadyProcessed) {
		t.Errorf("stale CAS: expected ErrAlreadyProcessed, got %v", err)
	}

	got, _ := st.GetCycle(cycle.ID)
	if got.Status != models.CycleShareOutInProgress {
		t.Errorf("status = %s, want share_out_in_progress", got.Status)
	}
}

func newShare(cycleID uuid.UUID, memberID uuid.UUID, payout int64) models.MemberCycleShare {
	now := time.Now().UTC()
	amount := decimal.NewFromInt(payout)
	return models.MemberCycleShare{
		ID: uuid.New(), CycleID: cycleID, MemberID: memberID,
		TotalContributed: amount, TotalWelfare: decimal.Zero,
		ShareFraction: decimal.NewFromInt(1), SharePayout: amount,
		ProfitShare: decimal.Zero, WelfareRefund: decimal.Zero,
		TotalPayout: amount, OutstandingLoan: decimal.Zero,
		RecoveredLoan: decimal.Zero, NetPayout: amount,
		Status: models.ShareCalculated, CreatedAt: now, UpdatedAt: now,
	}
}

func TestCycleSharesLifecycle(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	groupID, memberID := uuid.New(), uuid.New()

	pool := newAccount(groupID, nil, 1000, false)
	member := newAccount(groupID, &memberID, 0, false)
	for _, a := range []*models.Account{pool, member} {
		if err := st.CreateAccount(a); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}
	cycle := &models.Cycle{
		ID: uuid.New(), GroupID: groupID, PoolAccountID: pool.ID,
		StartDate: now.AddDate(-1, 0, 0), EndDate: now, Status: models.CycleShareOutInProgress,
		Currency: models.CurrencyKES, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateCycle(cycle); err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}

	share := newShare(cycle.ID, memberID, 400)
	if err := st.ReplaceCycleShares(cycle.ID, []models.MemberCycleShare{share}); err != nil {
		t.Fatalf("ReplaceCycleShares: %v", err)
	}

	// Settling a share that is not yet approved must fail.
	stored, _ := st.ListCycleShares(cycle.ID)
	if err := st.SettleShare(stored[0], nil, nil, nil); !errors.Is(err, models.ErrAlreadyProcessed) {
		t.Fatalf("settling calculated share: expected ErrAlreadyProcessed, got %v", err)
	}

	if err := st.UpdateShareStatus(share.ID, models.ShareCalculated, models.ShareApproved); err != nil {
		t.Fatalf("UpdateShareStatus: %v", err)
	}

	entries := disbursementEntries(pool.ID, member.ID, 400, nil)
	stored[0].UpdatedAt = time.Now().UTC()
	if err := st.SettleShare(stored[0], nil, nil, entries); err != nil {
		t.Fatalf("SettleShare: %v", err)
	}

	paid, _ := st.ListCycleShares(cycle.ID)
	if paid[0].Status != models.SharePaid {
		t.Errorf("share status = %s, want paid", paid[0].Status)
	}
	memberAfter, _ := st.GetAccount(member.ID)
	if !memberAfter.Balance.Equal(decimal.NewFromInt(400)) {
		t.Errorf("member balance = %s, want 400", memberAfter.Balance)
	}

	// Paid rows freeze the calculation.
	if err := st.ReplaceCycleShares(cycle.ID, []models.MemberCycleShare{newShare(cycle.ID, memberID, 500)}); !errors.Is(err, models.ErrAlreadyProcessed) {
		t.Errorf("replacing paid shares: expected ErrAlreadyProcessed, got %v", err)
	}
}
