package model

import "time"

// TransitionSource names what drove a status change.
type TransitionSource string

const (
	SourceAPI      TransitionSource = "api"
	SourceProvider TransitionSource = "provider"
	SourceWebhook  TransitionSource = "webhook"
	SourcePoll     TransitionSource = "poll"
	SourceSweep    TransitionSource = "sweep"
	SourceManual   TransitionSource = "manual"
	SourceRefund   TransitionSource = "refund"
)

// TransactionEvent is one applied transition in the audit trail.
type TransactionEvent struct {
	ID            string           `json:"id"`
	TransactionID string           `json:"transaction_id"`
	From          Status           `json:"from"`
	To            Status           `json:"to"`
	Reason        string           `json:"reason,omitempty"`
	Source        TransitionSource `json:"source"`
	CreatedAt     time.Time        `json:"created_at"`
}

type AnomalyKind string

const (
	AnomalyRejectedTransition AnomalyKind = "rejected_transition"
	AnomalyTerminalConflict   AnomalyKind = "terminal_conflict"
	AnomalyReferenceMismatch  AnomalyKind = "reference_mismatch"
	AnomalyAmountMismatch     AnomalyKind = "amount_mismatch"
	AnomalyUnknownStatus      AnomalyKind = "unknown_status"
)

// Anomaly records an event that was observed but not applied.
type Anomaly struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	Kind          AnomalyKind    `json:"kind"`
	Source        string         `json:"source"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TransitionEvent is published on the event stream after a transition commits.
type TransitionEvent struct {
	EventID       string           `json:"event_id"`
	TransactionID string           `json:"transaction_id"`
	OrderID       string           `json:"order_id"`
	CustomerID    string           `json:"customer_id"`
	MerchantID    string           `json:"merchant_id,omitempty"`
	Provider      Provider         `json:"provider"`
	Amount        int64            `json:"amount"`
	Currency      string           `json:"currency"`
	From          Status           `json:"from"`
	To            Status           `json:"to"`
	Reason        string           `json:"reason,omitempty"`
	Source        TransitionSource `json:"source"`
	CallbackURL   string           `json:"callback_url,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}
