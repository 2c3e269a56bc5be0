package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ssekandi/vslaledger/pkg/models"
	"github.com/ssekandi/vslaledger/pkg/store"
)

// Poster appends balanced debit/credit sets to the general ledger. A set
// either lands in full or not at all: validation happens here, the write
// and the balance movement happen in one storage transaction.
type Poster struct {
	storage store.Storage
	logger  *logrus.Logger
}

// NewPoster creates a Poster over the given storage.
func NewPoster(storage store.Storage, logger *logrus.Logger) *Poster {
	return &Poster{storage: storage, logger: logger}
}

// Prepare validates that the set balances and stamps journal metadata on
// every entry. Entries in one call share a JournalID.
func (p *Poster) Prepare(entries []models.LedgerEntry, createdBy string) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty posting set", models.ErrUnbalancedPosting)
	}

	debits, credits := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: entry amount must be positive", models.ErrUnbalancedPosting)
		}
		switch e.Direction {
		case models.Debit:
			debits = debits.Add(e.Amount)
		case models.Credit:
			credits = credits.Add(e.Amount)
		default:
			return fmt.Errorf("%w: unknown direction %q", models.ErrUnbalancedPosting, e.Direction)
		}
	}
	if !debits.Equal(credits) {
		// Unbalanced sets are a defect in the calling code, not user error.
		p.logger.WithFields(logrus.Fields{
			"debits":  debits.String(),
			"credits": credits.String(),
		}).Error("rejected unbalanced posting set")
		return fmt.Errorf("%w: debits %s != credits %s", models.ErrUnbalancedPosting, debits, credits)
	}

	journalID := uuid.New()
	now := time.Now().UTC()
	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].JournalID = journalID
		entries[i].CreatedBy = createdBy
		entries[i].CreatedAt = now
	}
	return nil
}

// Post validates and commits a posting set atomically.
func (p *Poster) Post(entries []models.LedgerEntry, createdBy string) error {
	if err := p.Prepare(entries, createdBy); err != nil {
		return err
	}
	if err := p.storage.PostEntries(entries); err != nil {
		// The whole set was rolled back, so retrying is safe for
		// transient storage failures.
		return fmt.Errorf("posting failed: %w", err)
	}
	return nil
}

// entryPair builds the debit and credit halves of a single fund movement.
func entryPair(debitAccount, creditAccount uuid.UUID, amount decimal.Decimal, reference string, loanID, shareID *uuid.UUID) []models.LedgerEntry {
	return []models.LedgerEntry{
		{AccountID: debitAccount, Amount: amount, Direction: models.Debit, Reference: reference, LoanID: loanID, ShareID: shareID},
		{AccountID: creditAccount, Amount: amount, Direction: models.Credit, Reference: reference, LoanID: loanID, ShareID: shareID},
	}
}
