package message

import (
	"context"
	"errors"
)

// Failure taxonomy. Everything a dispatch can go wrong with maps onto one of
// these; only deletion failures and transient ledger errors are ever
// tolerated silently (the alternative is blocking the pipeline).
var (
	// ErrTransientQueue marks a queue call that failed but is worth
	// retrying with backoff.
	ErrTransientQueue = errors.New("transient queue error")

	// ErrTransientLedger marks a dedup ledger call that failed; the
	// deduplicator fails open toward Proceed unless configured otherwise.
	ErrTransientLedger = errors.New("transient ledger error")

	// ErrPoisonMessage marks a payload the handler cannot parse. Poison
	// messages are dead-lettered immediately, no retry budget wasted.
	ErrPoisonMessage = errors.New("poison message")

	// ErrHandlerTimeout marks a handler call that exceeded its visibility
	// budget. Treated like a handler failure, but logged distinctly.
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrStaleReceipt marks a delete attempted with a receipt that no
	// longer matches the current delivery of the message.
	ErrStaleReceipt = errors.New("stale receipt")
)

func IsPoison(err error) bool {
	return errors.Is(err, ErrPoisonMessage)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientQueue) || errors.Is(err, ErrTransientLedger)
}
