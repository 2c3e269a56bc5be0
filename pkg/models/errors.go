package models

import "errors"

// Error taxonomy for the financial core. Callers classify failures with
// errors.Is; storage failures are wrapped with %w so the sentinel stays
// reachable through the chain.
var (
	// ErrInvalidLoanTerms rejects bad pricing input. Never retried: the
	// caller must correct the terms and resubmit.
	ErrInvalidLoanTerms = errors.New("invalid loan terms")

	// ErrAlreadyApproved guards loan approval idempotency.
	ErrAlreadyApproved = errors.New("loan already approved")

	// ErrAlreadyProcessed guards any state transition attempted on an
	// aggregate that has already moved past the expected state.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrInsufficientFunds rejects a disbursement the source account
	// cannot cover. Surfaced to the user verbatim, not retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientBalance rejects a posting that would drive an
	// account below zero when it is not allowed to go negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCycleNotEligible rejects share-out on a cycle that is not
	// active or has not yet elapsed.
	ErrCycleNotEligible = errors.New("cycle not eligible for share-out")

	// ErrNoContributions rejects share-out when the cycle has no
	// contributed capital to distribute against.
	ErrNoContributions = errors.New("cycle has no contributions")

	// ErrUnbalancedPosting means a posting set's debits and credits do
	// not match. Programming-error class: logged as a defect, never
	// shown to end users unmodified.
	ErrUnbalancedPosting = errors.New("unbalanced posting")

	// ErrNotFound is returned when a referenced aggregate does not exist.
	ErrNotFound = errors.New("not found")
)
