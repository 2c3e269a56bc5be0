package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ssekandi/vslaledger/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
// Decimal fields are stored as TEXT so no precision is ever lost.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode.
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		member_id TEXT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		allow_negative INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		product_code TEXT NOT NULL,
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		member_account_id TEXT NOT NULL,
		disbursement_account_id TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		rate TEXT NOT NULL,
		term_length INTEGER NOT NULL,
		term_unit TEXT NOT NULL,
		method TEXT NOT NULL,
		penalty_rate TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		first_payment_date DATETIME NOT NULL,
		total_payable TEXT NOT NULL DEFAULT '0',
		total_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		applied_at DATETIME NOT NULL,
		approved_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount_due TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		penalty TEXT NOT NULL DEFAULT '0',
		paid_principal TEXT NOT NULL DEFAULT '0',
		paid_interest TEXT NOT NULL DEFAULT '0',
		paid_penalty TEXT NOT NULL DEFAULT '0',
		balance TEXT NOT NULL,
		status TEXT NOT NULL,
		UNIQUE(loan_id, sequence),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		journal_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		direction TEXT NOT NULL,
		loan_id TEXT,
		share_id TEXT,
		reference TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(account_id) REFERENCES accounts(id)
	);
	CREATE TABLE IF NOT EXISTS member_transactions (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		pool_account_id TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		welfare_refunded INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cycle_shares (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		total_contributed TEXT NOT NULL,
		total_welfare TEXT NOT NULL,
		share_fraction TEXT NOT NULL,
		share_payout TEXT NOT NULL,
		profit_share TEXT NOT NULL,
		welfare_refund TEXT NOT NULL,
		total_payout TEXT NOT NULL,
		outstanding_loan TEXT NOT NULL,
		recovered_loan TEXT NOT NULL,
		net_payout TEXT NOT NULL,
		loan_id TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(cycle_id, member_id),
		FOREIGN KEY(cycle_id) REFERENCES cycles(id)
	);
	CREATE TABLE IF NOT EXISTS loan_sequences (
		product_code TEXT PRIMARY KEY,
		next_number INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateAccount inserts a new account.
func (s *SQLiteStore) CreateAccount(account *models.Account) error {
	var memberID sql.NullString
	if account.MemberID != nil {
		memberID = sql.NullString{String: account.MemberID.String(), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, group_id, member_id, name, kind, currency, balance, allow_negative, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID.String(), account.GroupID.String(), memberID, account.Name, string(account.Kind),
		string(account.Currency), account.Balance, account.AllowNegative, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (s *SQLiteStore) GetAccount(id uuid.UUID) (*models.Account, error) {
	row := s.db.QueryRow(
		`SELECT id, group_id, member_id, name, kind, currency, balance, allow_negative, created_at, updated_at
		FROM accounts WHERE id = ?`, id.String())
	return scanAccount(row)
}

// GetMemberAccount retrieves a member's internal account within a group.
func (s *SQLiteStore) GetMemberAccount(groupID, memberID uuid.UUID) (*models.Account, error) {
	row := s.db.QueryRow(
		`SELECT id, group_id, member_id, name, kind, currency, balance, allow_negative, created_at, updated_at
		FROM accounts WHERE group_id = ? AND member_id = ? ORDER BY created_at ASC LIMIT 1`,
		groupID.String(), memberID.String())
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var idStr, groupStr, kind, currency string
	var memberID sql.NullString
	err := row.Scan(&idStr, &groupStr, &memberID, &account.Name, &kind, &currency,
		&account.Balance, &account.AllowNegative, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.ID = uuid.MustParse(idStr)
	account.GroupID = uuid.MustParse(groupStr)
	account.Kind = models.AccountKind(kind)
	account.Currency = models.Currency(currency)
	if memberID.Valid {
		m := uuid.MustParse(memberID.String)
		account.MemberID = &m
	}
	return &account, nil
}

// CreateLoan inserts a new loan, assigning its number from the product's
// sequence inside the same transaction to avoid duplicates under
// concurrent applications.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO loan_sequences (product_code, next_number) VALUES (?, 1)`,
		loan.ProductCode,
	); err != nil {
		return fmt.Errorf("failed to seed loan sequence: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(
		`SELECT next_number FROM loan_sequences WHERE product_code = ?`, loan.ProductCode,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read loan sequence: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE loan_sequences SET next_number = next_number + 1 WHERE product_code = ?`, loan.ProductCode,
	); err != nil {
		return fmt.Errorf("failed to advance loan sequence: %w", err)
	}
	loan.Number = fmt.Sprintf("%s-%06d", loan.ProductCode, seq)

	if _, err := tx.Exec(
		`INSERT INTO loans (id, number, product_code, group_id, member_id, member_account_id, disbursement_account_id,
			principal, rate, term_length, term_unit, method, penalty_rate, currency, first_payment_date,
			total_payable, total_paid, status, applied_at, approved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.Number, loan.ProductCode, loan.GroupID.String(), loan.MemberID.String(),
		loan.MemberAccountID.String(), loan.DisbursementAccountID.String(),
		loan.Terms.Principal, loan.Terms.Rate, loan.Terms.TermLength, string(loan.Terms.TermUnit),
		string(loan.Terms.Method), loan.Terms.PenaltyRate, string(loan.Terms.Currency), loan.Terms.FirstPaymentDate,
		loan.TotalPayable, loan.TotalPaid, string(loan.Status), loan.AppliedAt, loan.ApprovedAt,
		loan.CreatedAt, loan.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	return tx.Commit()
}

const loanColumns = `id, number, product_code, group_id, member_id, member_account_id, disbursement_account_id,
	principal, rate, term_length, term_unit, method, penalty_rate, currency, first_payment_date,
	total_payable, total_paid, status, applied_at, approved_at, created_at, updated_at`

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	return scanLoan(row)
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, groupStr, memberStr, memberAcctStr, disbAcctStr, unit, method, currency, status string
	var approvedAt sql.NullTime
	err := row.Scan(&idStr, &loan.Number, &loan.ProductCode, &groupStr, &memberStr, &memberAcctStr, &disbAcctStr,
		&loan.Terms.Principal, &loan.Terms.Rate, &loan.Terms.TermLength, &unit, &method,
		&loan.Terms.PenaltyRate, &currency, &loan.Terms.FirstPaymentDate,
		&loan.TotalPayable, &loan.TotalPaid, &status, &loan.AppliedAt, &approvedAt,
		&loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("loan: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan loan: %w", err)
	}
	loan.ID = uuid.MustParse(idStr)
	loan.GroupID = uuid.MustParse(groupStr)
	loan.MemberID = uuid.MustParse(memberStr)
	loan.MemberAccountID = uuid.MustParse(memberAcctStr)
	if disbAcctStr != "" {
		loan.DisbursementAccountID = uuid.MustParse(disbAcctStr)
	}
	loan.Terms.TermUnit = models.TermUnit(unit)
	loan.Terms.Method = models.InterestMethod(method)
	loan.Terms.Currency = models.Currency(currency)
	loan.Status = models.LoanStatus(status)
	if approvedAt.Valid {
		loan.ApprovedAt = &approvedAt.Time
	}
	return &loan, nil
}

// GetLoanSchedule retrieves a loan's installments in sequence order.
func (s *SQLiteStore) GetLoanSchedule(loanID uuid.UUID) ([]models.RepaymentInstallment, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, sequence, due_date, amount_due, principal, interest, penalty,
			paid_principal, paid_interest, paid_penalty, balance, status
		FROM installments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var installments []models.RepaymentInstallment
	for rows.Next() {
		var inst models.RepaymentInstallment
		var idStr, loanStr, status string
		if err := rows.Scan(&idStr, &loanStr, &inst.Sequence, &inst.DueDate, &inst.AmountDue,
			&inst.Principal, &inst.Interest, &inst.Penalty,
			&inst.PaidPrincipal, &inst.PaidInterest, &inst.PaidPenalty, &inst.Balance, &status); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.ID = uuid.MustParse(idStr)
		inst.LoanID = uuid.MustParse(loanStr)
		inst.Status = models.InstallmentStatus(status)
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during installment iteration: %w", err)
	}
	return installments, nil
}

// ListActiveLoans retrieves all active loans.
func (s *SQLiteStore) ListActiveLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT ` + loanColumns + ` FROM loans WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during loan iteration: %w", err)
	}
	return loans, nil
}

// GetActiveLoanForMember retrieves a member's active loan within a group,
// or models.ErrNotFound when the member has none.
func (s *SQLiteStore) GetActiveLoanForMember(groupID, memberID uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(
		`SELECT `+loanColumns+` FROM loans WHERE group_id = ? AND member_id = ? AND status = 'active'
		ORDER BY applied_at ASC LIMIT 1`,
		groupID.String(), memberID.String())
	return scanLoan(row)
}

// ApproveLoan persists an approval: the regenerated schedule, the updated
// loan row and the disbursement posting, all in one transaction.
func (s *SQLiteStore) ApproveLoan(loan *models.Loan, installments []models.RepaymentInstallment, entries []models.LedgerEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM installments WHERE loan_id = ?`, loan.ID.String()); err != nil {
		return fmt.Errorf("failed to clear prior schedule: %w", err)
	}
	if err := insertInstallmentsTx(tx, installments); err != nil {
		return err
	}
	if err := updateLoanTx(tx, loan); err != nil {
		return err
	}
	if err := applyEntriesTx(tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveRepayment persists a repayment or penalty accrual atomically.
func (s *SQLiteStore) SaveRepayment(loan *models.Loan, installments []models.RepaymentInstallment, entries []models.LedgerEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateLoanTx(tx, loan); err != nil {
		return err
	}
	if err := updateInstallmentsTx(tx, installments); err != nil {
		return err
	}
	if err := applyEntriesTx(tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateLoan updates an existing loan row.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := updateLoanTx(tx, loan); err != nil {
		return err
	}
	return tx.Commit()
}

func updateLoanTx(tx *sql.Tx, loan *models.Loan) error {
	result, err := tx.Exec(
		`UPDATE loans SET disbursement_account_id = ?, total_payable = ?, total_paid = ?, status = ?,
			approved_at = ?, updated_at = ? WHERE id = ?`,
		loan.DisbursementAccountID.String(), loan.TotalPayable, loan.TotalPaid, string(loan.Status),
		loan.ApprovedAt, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("loan: %w", models.ErrNotFound)
	}
	return nil
}

func insertInstallmentsTx(tx *sql.Tx, installments []models.RepaymentInstallment) error {
	for _, inst := range installments {
		if _, err := tx.Exec(
			`INSERT INTO installments (id, loan_id, sequence, due_date, amount_due, principal, interest, penalty,
				paid_principal, paid_interest, paid_penalty, balance, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), inst.LoanID.String(), inst.Sequence, inst.DueDate, inst.AmountDue,
			inst.Principal, inst.Interest, inst.Penalty,
			inst.PaidPrincipal, inst.PaidInterest, inst.PaidPenalty, inst.Balance, string(inst.Status),
		); err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", inst.Sequence, err)
		}
	}
	return nil
}

func updateInstallmentsTx(tx *sql.Tx, installments []models.RepaymentInstallment) error {
	for _, inst := range installments {
		result, err := tx.Exec(
			`UPDATE installments SET penalty = ?, paid_principal = ?, paid_interest = ?, paid_penalty = ?, status = ?
			WHERE id = ?`,
			inst.Penalty, inst.PaidPrincipal, inst.PaidInterest, inst.PaidPenalty, string(inst.Status),
			inst.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("installment %d: %w", inst.Sequence, models.ErrNotFound)
		}
	}
	return nil
}

// PostEntries writes a posting batch and applies its balance deltas in a
// single transaction.
func (s *SQLiteStore) PostEntries(entries []models.LedgerEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyEntriesTx(tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// applyEntriesTx inserts the entries and moves each touched account's
// balance, enforcing the non-negative rule inside the transaction.
func applyEntriesTx(tx *sql.Tx, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	deltas := make(map[uuid.UUID]decimal.Decimal)
	for _, e := range entries {
		var loanID, shareID sql.NullString
		if e.LoanID != nil {
			loanID = sql.NullString{String: e.LoanID.String(), Valid: true}
		}
		if e.ShareID != nil {
			shareID = sql.NullString{String: e.ShareID.String(), Valid: true}
		}
		if _, err := tx.Exec(
			`INSERT INTO ledger_entries (id, journal_id, account_id, amount, direction, loan_id, share_id, reference, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.JournalID.String(), e.AccountID.String(), e.Amount, string(e.Direction),
			loanID, shareID, e.Reference, e.CreatedBy, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		delta := e.Amount
		if e.Direction == models.Debit {
			delta = delta.Neg()
		}
		deltas[e.AccountID] = deltas[e.AccountID].Add(delta)
	}

	for accountID, delta := range deltas {
		var balance decimal.Decimal
		var allowNegative bool
		err := tx.QueryRow(`SELECT balance, allow_negative FROM accounts WHERE id = ?`, accountID.String()).
			Scan(&balance, &allowNegative)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
			}
			return fmt.Errorf("failed to read account %s: %w", accountID, err)
		}

		newBalance := balance.Add(delta)
		if newBalance.IsNegative() && !allowNegative {
			return fmt.Errorf("account %s would go negative: %w", accountID, models.ErrInsufficientBalance)
		}
		if _, err := tx.Exec(
			`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
			newBalance, time.Now().UTC(), accountID.String(),
		); err != nil {
			return fmt.Errorf("failed to update account %s balance: %w", accountID, err)
		}
	}
	return nil
}

// ListEntriesForAccount retrieves an account's entries oldest first.
func (s *SQLiteStore) ListEntriesForAccount(accountID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, journal_id, account_id, amount, direction, loan_id, share_id, reference, created_by, created_at
		FROM ledger_entries WHERE account_id = ? ORDER BY created_at ASC, id ASC`, accountID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var idStr, journalStr, acctStr, direction string
		var loanID, shareID sql.NullString
		if err := rows.Scan(&idStr, &journalStr, &acctStr, &e.Amount, &direction,
			&loanID, &shareID, &e.Reference, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ID = uuid.MustParse(idStr)
		e.JournalID = uuid.MustParse(journalStr)
		e.AccountID = uuid.MustParse(acctStr)
		e.Direction = models.EntryDirection(direction)
		if loanID.Valid {
			l := uuid.MustParse(loanID.String)
			e.LoanID = &l
		}
		if shareID.Valid {
			sh := uuid.MustParse(shareID.String)
			e.ShareID = &sh
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during entry iteration: %w", err)
	}
	return entries, nil
}

// CreateMemberTransaction inserts a member transaction.
func (s *SQLiteStore) CreateMemberTransaction(mt *models.MemberTransaction) error {
	_, err := s.db.Exec(
		`INSERT INTO member_transactions (id, group_id, member_id, type, amount, status, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mt.ID.String(), mt.GroupID.String(), mt.MemberID.String(), string(mt.Type), mt.Amount,
		string(mt.Status), mt.OccurredAt, mt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create member transaction: %w", err)
	}
	return nil
}

// ListApprovedTransactions retrieves a group's approved transactions
// dated within [from, to].
func (s *SQLiteStore) ListApprovedTransactions(groupID uuid.UUID, from, to time.Time) ([]*models.MemberTransaction, error) {
	rows, err := s.db.Query(
		`SELECT id, group_id, member_id, type, amount, status, occurred_at, created_at
		FROM member_transactions
		WHERE group_id = ? AND status = 'approved' AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC`,
		groupID.String(), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var txs []*models.MemberTransaction
	for rows.Next() {
		var mt models.MemberTransaction
		var idStr, groupStr, memberStr, typ, status string
		if err := rows.Scan(&idStr, &groupStr, &memberStr, &typ, &mt.Amount, &status,
			&mt.OccurredAt, &mt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member transaction: %w", err)
		}
		mt.ID = uuid.MustParse(idStr)
		mt.GroupID = uuid.MustParse(groupStr)
		mt.MemberID = uuid.MustParse(memberStr)
		mt.Type = models.TransactionType(typ)
		mt.Status = models.TransactionStatus(status)
		txs = append(txs, &mt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during transaction iteration: %w", err)
	}
	return txs, nil
}

// CreateCycle inserts a new cycle.
func (s *SQLiteStore) CreateCycle(cycle *models.Cycle) error {
	_, err := s.db.Exec(
		`INSERT INTO cycles (id, group_id, pool_account_id, start_date, end_date, status, welfare_refunded, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.ID.String(), cycle.GroupID.String(), cycle.PoolAccountID.String(),
		cycle.StartDate, cycle.EndDate, string(cycle.Status), cycle.WelfareRefunded,
		string(cycle.Currency), cycle.CreatedAt, cycle.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create cycle: %w", err)
	}
	return nil
}

// GetCycle retrieves a cycle by its ID.
func (s *SQLiteStore) GetCycle(id uuid.UUID) (*models.Cycle, error) {
	var cycle models.Cycle
	var idStr, groupStr, poolStr, status, currency string
	err := s.db.QueryRow(
		`SELECT id, group_id, pool_account_id, start_date, end_date, status, welfare_refunded, currency, created_at, updated_at
		FROM cycles WHERE id = ?`, id.String()).
		Scan(&idStr, &groupStr, &poolStr, &cycle.StartDate, &cycle.EndDate, &status,
			&cycle.WelfareRefunded, &currency, &cycle.CreatedAt, &cycle.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("cycle: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	cycle.ID = uuid.MustParse(idStr)
	cycle.GroupID = uuid.MustParse(groupStr)
	cycle.PoolAccountID = uuid.MustParse(poolStr)
	cycle.Status = models.CycleStatus(status)
	cycle.Currency = models.Currency(currency)
	return &cycle, nil
}

// UpdateCycleStatus moves a cycle between states with compare-and-set
// semantics so a concurrent run fails fast instead of interleaving.
func (s *SQLiteStore) UpdateCycleStatus(id uuid.UUID, from, to models.CycleStatus) error {
	result, err := s.db.Exec(
		`UPDATE cycles SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update cycle status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("cycle %s is not %s: %w", id, from, models.ErrAlreadyProcessed)
	}
	return nil
}

// ReplaceCycleShares swaps the cycle's share rows atomically. Refuses
// when any existing row has already been paid.
func (s *SQLiteStore) ReplaceCycleShares(cycleID uuid.UUID, shares []models.MemberCycleShare) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var paid int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM cycle_shares WHERE cycle_id = ? AND status = 'paid'`, cycleID.String(),
	).Scan(&paid); err != nil {
		return fmt.Errorf("failed to check paid shares: %w", err)
	}
	if paid > 0 {
		return fmt.Errorf("cycle %s has paid shares: %w", cycleID, models.ErrAlreadyProcessed)
	}

	if _, err := tx.Exec(`DELETE FROM cycle_shares WHERE cycle_id = ?`, cycleID.String()); err != nil {
		return fmt.Errorf("failed to clear prior shares: %w", err)
	}
	for i := range shares {
		if err := insertShareTx(tx, &shares[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertShareTx(tx *sql.Tx, share *models.MemberCycleShare) error {
	var loanID sql.NullString
	if share.LoanID != nil {
		loanID = sql.NullString{String: share.LoanID.String(), Valid: true}
	}
	_, err := tx.Exec(
		`INSERT INTO cycle_shares (id, cycle_id, member_id, total_contributed, total_welfare, share_fraction,
			share_payout, profit_share, welfare_refund, total_payout, outstanding_loan, recovered_loan, net_payout,
			loan_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		share.ID.String(), share.CycleID.String(), share.MemberID.String(),
		share.TotalContributed, share.TotalWelfare, share.ShareFraction,
		share.SharePayout, share.ProfitShare, share.WelfareRefund, share.TotalPayout,
		share.OutstandingLoan, share.RecoveredLoan, share.NetPayout,
		loanID, string(share.Status), share.CreatedAt, share.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle share: %w", err)
	}
	return nil
}

// ListCycleShares retrieves a cycle's shares ordered by member.
func (s *SQLiteStore) ListCycleShares(cycleID uuid.UUID) ([]*models.MemberCycleShare, error) {
	rows, err := s.db.Query(
		`SELECT id, cycle_id, member_id, total_contributed, total_welfare, share_fraction,
			share_payout, profit_share, welfare_refund, total_payout, outstanding_loan, recovered_loan, net_payout,
			loan_id, status, created_at, updated_at
		FROM cycle_shares WHERE cycle_id = ? ORDER BY member_id ASC`, cycleID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list shares for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	var shares []*models.MemberCycleShare
	for rows.Next() {
		var share models.MemberCycleShare
		var idStr, cycleStr, memberStr, status string
		var loanID sql.NullString
		if err := rows.Scan(&idStr, &cycleStr, &memberStr, &share.TotalContributed, &share.TotalWelfare,
			&share.ShareFraction, &share.SharePayout, &share.ProfitShare, &share.WelfareRefund,
			&share.TotalPayout, &share.OutstandingLoan, &share.RecoveredLoan, &share.NetPayout,
			&loanID, &status, &share.CreatedAt, &share.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle share: %w", err)
		}
		share.ID = uuid.MustParse(idStr)
		share.CycleID = uuid.MustParse(cycleStr)
		share.MemberID = uuid.MustParse(memberStr)
		if loanID.Valid {
			l := uuid.MustParse(loanID.String)
			share.LoanID = &l
		}
		share.Status = models.ShareStatus(status)
		shares = append(shares, &share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during share iteration: %w", err)
	}
	return shares, nil
}

// UpdateShareStatus moves a share between states with compare-and-set
// semantics.
func (s *SQLiteStore) UpdateShareStatus(id uuid.UUID, from, to models.ShareStatus) error {
	result, err := s.db.Exec(
		`UPDATE cycle_shares SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update share status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("share %s is not %s: %w", id, from, models.ErrAlreadyProcessed)
	}
	return nil
}

// SettleShare commits one member's settlement atomically: entries and
// balance deltas, optional loan recovery, and the Approved -> Paid flip.
// The money columns are rewritten from the share so the row records the
// amounts actually applied, which may differ from the approved figures
// when the loan moved between approval and settlement.
func (s *SQLiteStore) SettleShare(share *models.MemberCycleShare, loan *models.Loan, installments []models.RepaymentInstallment, entries []models.LedgerEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyEntriesTx(tx, entries); err != nil {
		return err
	}
	if loan != nil {
		if err := updateLoanTx(tx, loan); err != nil {
			return err
		}
		if err := updateInstallmentsTx(tx, installments); err != nil {
			return err
		}
	}

	result, err := tx.Exec(
		`UPDATE cycle_shares SET share_payout = ?, profit_share = ?, welfare_refund = ?,
			outstanding_loan = ?, recovered_loan = ?, net_payout = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		share.SharePayout, share.ProfitShare, share.WelfareRefund,
		share.OutstandingLoan, share.RecoveredLoan, share.NetPayout,
		string(models.SharePaid), share.UpdatedAt, share.ID.String(), string(models.ShareApproved),
	)
	if err != nil {
		return fmt.Errorf("failed to mark share paid: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("share %s is not approved: %w", share.ID, models.ErrAlreadyProcessed)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
