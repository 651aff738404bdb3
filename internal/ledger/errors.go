package ledger

import (
	"errors"

	"github.com/congo-pay/card_issuer/internal/money"
)

var (
	// ErrNotFound is returned when the referenced account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrAlreadyExists is returned when creating an account for a card that already has one.
	ErrAlreadyExists = errors.New("account already exists")

	// ErrDuplicateTransaction indicates a transaction with the same id and type
	// was already recorded for the card.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInsufficientFunds occurs when balance minus on_hold cannot cover an authorization.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoMatchingAuthorization is returned for a presentment with no prior authorization.
	ErrNoMatchingAuthorization = errors.New("no matching authorization")

	// ErrCurrencyMismatch is returned when an amount is expressed in a currency
	// other than the account's.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrConflict signals that a concurrent writer won a race on the same account.
	// Callers may retry.
	ErrConflict = errors.New("concurrent modification")

	// ErrTransient wraps failures that left no partial effect and are safe to retry,
	// such as timeouts or exhausted conflict retries.
	ErrTransient = errors.New("transient failure")

	// ErrStoreUnavailable reports that the persistence layer could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidInput reports a malformed command, such as a missing identifier.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidAmount is re-exported so callers only need the ledger package to
	// classify outcomes.
	ErrInvalidAmount = money.ErrInvalidAmount
)

// Code returns a stable, snake_case identifier for err suitable for metrics
// labels and API payloads.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate_transaction"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNoMatchingAuthorization):
		return "no_matching_authorization"
	case errors.Is(err, ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
