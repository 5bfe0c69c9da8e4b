package domain

import "time"

// ProcessingStatus is the lifecycle state of a ProcessingRecord.
type ProcessingStatus string

const (
	// StatusUnseen is never persisted; it is the implicit state of a signature without a record.
	StatusUnseen             ProcessingStatus = "unseen"
	StatusSeen               ProcessingStatus = "seen"
	StatusPendingCorrelation ProcessingStatus = "pending_correlation"
	StatusReserved           ProcessingStatus = "reserved"
	StatusCredited           ProcessingStatus = "credited"
	StatusFailed             ProcessingStatus = "failed"
	StatusFailedTerminal     ProcessingStatus = "failed_terminal"
	StatusDeadLetter         ProcessingStatus = "dead_letter"
)

// AllStatuses lists every persisted status in lifecycle order.
var AllStatuses = []ProcessingStatus{
	StatusSeen,
	StatusPendingCorrelation,
	StatusReserved,
	StatusFailed,
	StatusCredited,
	StatusFailedTerminal,
	StatusDeadLetter,
}

var allowedTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusUnseen:             {StatusSeen},
	StatusSeen:               {StatusPendingCorrelation, StatusReserved},
	StatusPendingCorrelation: {StatusReserved, StatusDeadLetter},
	StatusReserved:           {StatusCredited, StatusFailed, StatusFailedTerminal},
	StatusFailed:             {StatusReserved, StatusFailedTerminal},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to ProcessingStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCredited || s == StatusFailedTerminal || s == StatusDeadLetter
}

// PastReservation reports whether a record in this status has been reserved at least once.
func (s ProcessingStatus) PastReservation() bool {
	switch s {
	case StatusReserved, StatusCredited, StatusFailed, StatusFailedTerminal:
		return true
	}
	return false
}

// ProcessingRecord is the durable state for one source signature.
type ProcessingRecord struct {
	Signature           string           `json:"signature"`
	Status              ProcessingStatus `json:"status"`
	Event               DepositEvent     `json:"event"`
	ResolvedDestination string           `json:"resolved_destination,omitempty"`
	Attempts            int              `json:"attempts"`
	RetryCycles         int              `json:"retry_cycles"`
	CorrelationAttempts int              `json:"correlation_attempts"`
	NextAttemptAt       *time.Time       `json:"next_attempt_at,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
	CreditedAmount      *int64           `json:"credited_amount,omitempty"`
	ReservedAt          *time.Time       `json:"reserved_at,omitempty"`
	CreditedAt          *time.Time       `json:"credited_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ReserveResult is the outcome of an atomic reservation attempt.
type ReserveResult struct {
	Won             bool
	AlreadyReserved bool
	Status          ProcessingStatus
}

// StatusCounts maps each persisted status to its record count.
type StatusCounts map[ProcessingStatus]int64

// Pending counts records that are still moving toward a terminal state.
func (c StatusCounts) Pending() int64 {
	return c[StatusSeen] + c[StatusPendingCorrelation] + c[StatusReserved] + c[StatusFailed]
}

// Failed counts records that need operator attention.
func (c StatusCounts) Failed() int64 {
	return c[StatusFailedTerminal] + c[StatusDeadLetter]
}

// Credited counts records whose credit has been applied.
func (c StatusCounts) Credited() int64 {
	return c[StatusCredited]
}

// CreditOutcome is the destination ledger's answer to a credit request.
type CreditOutcome string

const (
	CreditApplied        CreditOutcome = "applied"
	CreditAlreadyApplied CreditOutcome = "already_applied"
	CreditRejected       CreditOutcome = "rejected"
)

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertCreditFailedTerminal AlertKind = "failed_terminal"
	AlertDeadLetter           AlertKind = "dead_letter"
)

// Alert is raised when a record needs manual resolution.
type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Signature string    `json:"signature"`
	Reason    string    `json:"reason"`
	Amount    int64     `json:"amount"`
	Attempts  int       `json:"attempts"`
	RaisedAt  time.Time `json:"raised_at"`
}

// CreditedEvent is published once a deposit has been credited.
type CreditedEvent struct {
	Signature      string    `json:"signature"`
	DestinationKey string    `json:"destination_key"`
	Amount         int64     `json:"amount"`
	Channel        Channel   `json:"channel"`
	CreditedAt     time.Time `json:"credited_at"`
}

// InboxMessage is one webhook delivery item waiting for asynchronous processing.
type InboxMessage struct {
	ID        string
	Signature string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}
