package ussd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nimasrn/payment-gateway/internal/model"
)

// menu is the text of one dial code. Option 1 of SELECT_PROVIDER is the
// operator's own rail, option 2 cash on delivery.
type menu struct {
	Provider      model.Provider
	Welcome       string
	RailName      string
	CashName      string
	EnterAmount   string
	Confirm       string // amount, rail
	ConfirmOpts   string
	Invalid       string
	AmountRange   string // min, max
	TooMany       string
	Cancelled     string
	Submitted     string // reference
	CashSubmitted string // amount, reference
	Failed        string
	Rejected      string
	Unavailable   string
	Expired       string
	Cancel        string
}

var menus = map[string]*menu{
	"*126#": {
		Provider:      model.ProviderMTN,
		Welcome:       "Welcome to MTN Mobile Money Payment",
		RailName:      "MTN Mobile Money",
		CashName:      "Cash on delivery",
		EnterAmount:   "Enter amount (XAF):",
		Confirm:       "Pay %s with %s?",
		ConfirmOpts:   "1. Confirm\n2. Cancel",
		Invalid:       "Invalid option. Please try again.",
		AmountRange:   "Amount must be between %s and %s.",
		TooMany:       "Too many invalid attempts. Session ended.",
		Cancelled:     "Payment cancelled.",
		Submitted:     "Payment request sent. Approve it with your MTN Mobile Money PIN.\nRef: %s",
		CashSubmitted: "Order confirmed. Pay %s in cash on delivery.\nRef: %s",
		Failed:        "Payment failed. Please check your balance and try again.",
		Rejected:      "Payment could not be processed.",
		Unavailable:   "Service temporarily unavailable. Please try again.",
		Expired:       "Session expired. Please start a new payment.",
		Cancel:        "Cancel",
	},
	"*150#": {
		Provider:      model.ProviderOrange,
		Welcome:       "Bienvenue sur Orange Money",
		RailName:      "Orange Money",
		CashName:      "Paiement à la livraison",
		EnterAmount:   "Entrez le montant (XAF):",
		Confirm:       "Payer %s avec %s ?",
		ConfirmOpts:   "1. Confirmer\n2. Annuler",
		Invalid:       "Option invalide. Réessayez.",
		AmountRange:   "Le montant doit être entre %s et %s.",
		TooMany:       "Trop de tentatives invalides. Session terminée.",
		Cancelled:     "Paiement annulé.",
		Submitted:     "Demande de paiement envoyée. Validez avec votre code PIN Orange Money.\nRéf: %s",
		CashSubmitted: "Commande confirmée. Payez %s en espèces à la livraison.\nRéf: %s",
		Failed:        "Échec du paiement. Vérifiez votre solde et réessayez.",
		Rejected:      "Le paiement n'a pas pu être traité.",
		Unavailable:   "Service momentanément indisponible. Réessayez.",
		Expired:       "Session expirée. Veuillez recommencer.",
		Cancel:        "Annuler",
	},
}

func menuFor(serviceCode string) (*menu, error) {
	m, ok := menus[strings.TrimSpace(serviceCode)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServiceCode, serviceCode)
	}
	return m, nil
}

// prompt is the text shown when the session is waiting at step.
func (m *menu) prompt(s *Session) string {
	switch s.Step {
	case StepSelectProvider:
		return fmt.Sprintf("%s\n1. %s\n2. %s\n0. %s", m.Welcome, m.RailName, m.CashName, m.Cancel)
	case StepEnterAmount:
		return m.EnterAmount
	case StepConfirm:
		return fmt.Sprintf(m.Confirm, formatXAF(s.Amount), m.railName(s.Provider)) + "\n" + m.ConfirmOpts
	}
	return ""
}

func (m *menu) railName(p model.Provider) string {
	if p == model.ProviderCash {
		return m.CashName
	}
	return m.RailName
}

// formatXAF renders 1500000 as "1 500 000 XAF".
func formatXAF(amount int64) string {
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String() + " XAF"
}
