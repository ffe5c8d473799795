package ledger

import "errors"

// Sentinel errors surfaced by the Credit Ledger, per spec §4.1/§7.
var (
	ErrNotFound        = errors.New("ledger: balance not found")
	ErrAlreadyAssigned = errors.New("ledger: balance already assigned")
	ErrInsufficient    = errors.New("ledger: insufficient balance")
	ErrAlreadyApplied  = errors.New("ledger: operation already applied")
	ErrStorageFailure  = errors.New("ledger: storage failure")
)
