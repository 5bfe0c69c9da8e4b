package domain

import "errors"

var (
	// ErrMalformedEvent marks payloads that cannot be turned into a deposit. Not retried.
	ErrMalformedEvent = errors.New("malformed deposit event")
	// ErrNotDeposit marks well-formed payloads that carry nothing for the watched address.
	ErrNotDeposit = errors.New("payload carries no deposit for the watched address")
	// ErrTransientIngestion marks RPC or network failures while observing. Retried next cycle.
	ErrTransientIngestion = errors.New("transient ingestion failure")
	// ErrDuplicateEvent is returned when another observation already won the reservation.
	ErrDuplicateEvent = errors.New("duplicate deposit event")
	// ErrCorrelationNotFound means the directory has no destination for the sender/memo.
	ErrCorrelationNotFound = errors.New("destination correlation not found")
	// ErrCreditTransient marks retryable destination ledger failures.
	ErrCreditTransient = errors.New("transient credit failure")
	// ErrCreditRejected marks an explicit refusal by the destination ledger.
	ErrCreditRejected = errors.New("credit rejected by destination ledger")
	// ErrBreakerOpen is returned while the source ledger circuit breaker is open.
	ErrBreakerOpen = errors.New("source ledger circuit breaker open")

	ErrRecordNotFound    = errors.New("processing record not found")
	ErrInvalidTransition = errors.New("invalid processing status transition")
)
