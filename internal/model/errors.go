package model

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION_ERROR"
	KindFraud      ErrorKind = "FRAUD_DETECTED"
	KindProvider   ErrorKind = "PROVIDER_ERROR"
	KindNetwork    ErrorKind = "NETWORK_ERROR"
	KindTimeout    ErrorKind = "TIMEOUT_ERROR"
	KindInternal   ErrorKind = "INTERNAL_ERROR"
)

// PaymentError is the shared error taxonomy of the payment core. Validation
// and fraud errors are business rejections; the other kinds describe a
// provider or transport outcome.
type PaymentError struct {
	Kind         ErrorKind
	Code         string
	Message      string
	Field        string
	Provider     Provider
	ProviderCode string
	RiskLevel    RiskLevel
	Retryable    bool
	// Ambiguous marks a submission whose effect at the provider is unknown.
	Ambiguous bool
	Err       error
}

func (e *PaymentError) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Provider != "" {
		msg += " [" + string(e.Provider) + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

func (e *PaymentError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindFraud:
		return http.StatusForbidden
	case KindProvider:
		return http.StatusBadGateway
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func NewValidationError(field, message string) *PaymentError {
	return &PaymentError{Kind: KindValidation, Code: "VALIDATION_ERROR", Field: field, Message: message}
}

func NewFraudError(v *FraudVerdict) *PaymentError {
	e := &PaymentError{Kind: KindFraud, Code: "FRAUD_DETECTED", Message: "payment blocked by fraud detection"}
	if v != nil {
		e.RiskLevel = v.RiskLevel
		e.Message = fmt.Sprintf("payment blocked by fraud detection (score %d)", v.Score)
	}
	return e
}

func NewProviderError(provider Provider, code, message string, retryable bool) *PaymentError {
	return &PaymentError{
		Kind:         KindProvider,
		Code:         code,
		Message:      message,
		Provider:     provider,
		ProviderCode: code,
		Retryable:    retryable,
	}
}

// NewNetworkError describes a transport failure. ambiguous is true once the
// request may have been written to the provider.
func NewNetworkError(provider Provider, err error, ambiguous bool) *PaymentError {
	return &PaymentError{
		Kind:      KindNetwork,
		Code:      "NETWORK_ERROR",
		Message:   "provider unreachable",
		Provider:  provider,
		Retryable: !ambiguous,
		Ambiguous: ambiguous,
		Err:       err,
	}
}

func NewTimeoutError(provider Provider, err error) *PaymentError {
	return &PaymentError{
		Kind:      KindTimeout,
		Code:      "TIMEOUT",
		Message:   "provider did not answer in time",
		Provider:  provider,
		Ambiguous: true,
		Err:       err,
	}
}

func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRejection reports whether err is a business rejection (validation or fraud)
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	pe, ok := AsPaymentError(err)
	return ok && (pe.Kind == KindValidation || pe.Kind == KindFraud)
}

func IsKind(err error, kind ErrorKind) bool {
	pe, ok := AsPaymentError(err)
	return ok && pe.Kind == kind
}

// IsAmbiguous reports whether err leaves the provider-side outcome unknown.
func IsAmbiguous(err error) bool {
	pe, ok := AsPaymentError(err)
	return ok && pe.Ambiguous
}

func IsRetryable(err error) bool {
	pe, ok := AsPaymentError(err)
	return ok && pe.Retryable
}
