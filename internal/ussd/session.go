package ussd

import (
	"errors"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
)

var (
	ErrSessionExpired     = errors.New("ussd session expired")
	ErrSessionClosed      = errors.New("ussd session is closed")
	ErrSessionNotFound    = errors.New("ussd session not found")
	ErrSessionBusy        = errors.New("ussd session is handling another input")
	ErrUnknownServiceCode = errors.New("unknown ussd service code")
)

type Step string

const (
	StepStart          Step = "START"
	StepSelectProvider Step = "SELECT_PROVIDER"
	StepEnterAmount    Step = "ENTER_AMOUNT"
	StepConfirm        Step = "CONFIRM"
	StepSubmitted      Step = "SUBMITTED"
	StepCancelled      Step = "CANCELLED"
	StepTimedOut       Step = "TIMED_OUT"
)

func (s Step) Terminal() bool {
	return s == StepSubmitted || s == StepCancelled || s == StepTimedOut
}

// Session is one USSD dialogue. It only moves forward through the step graph
// and is never resumed once terminal.
type Session struct {
	ID            string          `json:"id"`
	Phone         string          `json:"phone"`
	ServiceCode   string          `json:"service_code"`
	Step          Step            `json:"step"`
	Inputs        map[Step]string `json:"inputs"`
	Provider      model.Provider  `json:"provider,omitempty"`
	Method        model.Method    `json:"method,omitempty"`
	Amount        int64           `json:"amount,omitempty"`
	AttemptsLeft  int             `json:"attempts_left"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.Step.Terminal() && now.After(s.ExpiresAt)
}

// Event is one inbound message from the USSD aggregator.
type Event struct {
	SessionID   string `json:"session_id"`
	Phone       string `json:"phone_number"`
	ServiceCode string `json:"service_code"`
	Input       string `json:"text"`
}

// Reply is the text shown on the handset. End closes the dialogue.
type Reply struct {
	Text string `json:"text"`
	End  bool   `json:"end"`
	Step Step   `json:"step"`
}
