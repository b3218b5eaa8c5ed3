package model

// Status is the lifecycle state of a payment transaction.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusProcessing           Status = "PROCESSING"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
	StatusExpired              Status = "EXPIRED"
	StatusPartiallyRefunded    Status = "PARTIALLY_REFUNDED"
	StatusRefunded             Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending: {
		StatusProcessing, StatusAwaitingConfirmation, StatusCompleted,
		StatusFailed, StatusCancelled, StatusExpired,
	},
	StatusProcessing: {
		StatusAwaitingConfirmation, StatusCompleted, StatusFailed, StatusCancelled,
	},
	StatusAwaitingConfirmation: {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted:            {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded:    {StatusRefunded},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAwaitingConfirmation, StatusCompleted,
		StatusFailed, StatusCancelled, StatusExpired, StatusPartiallyRefunded, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether to is an allowed successor of s.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s admits no further payment outcome. COMPLETED
// and PARTIALLY_REFUNDED are settled outcomes that still accept refunds.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// IsSettled reports whether the payment outcome is final, refunds aside.
func (s Status) IsSettled() bool {
	switch s {
	case StatusCompleted, StatusPartiallyRefunded:
		return true
	}
	return s.IsTerminal()
}

// InFlight reports whether the provider may still change the outcome.
func (s Status) InFlight() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAwaitingConfirmation:
		return true
	}
	return false
}
