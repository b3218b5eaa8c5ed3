package model

import (
	"strings"
)

type Operator string

const (
	OperatorMTN     Operator = "MTN"
	OperatorOrange  Operator = "ORANGE"
	OperatorCamtel  Operator = "CAMTEL"
	OperatorNexttel Operator = "NEXTTEL"
)

const CountryCode = "+237"

var operatorPrefixes = map[Operator][]string{
	OperatorMTN:     {"650", "651", "652", "653", "654", "680", "681", "682", "683", "684"},
	OperatorOrange:  {"690", "691", "692", "693", "694", "695", "696", "697", "698", "699"},
	OperatorCamtel:  {"233", "234", "235", "236", "237", "238", "239"},
	OperatorNexttel: {"666", "667", "668", "669"},
}

// Phone is a parsed Cameroon subscriber number.
type Phone struct {
	National string
	Operator Operator
}

// E164 returns the +237 form.
func (p Phone) E164() string {
	return CountryCode + p.National
}

// ParsePhone accepts the national 9-digit form and the 237 / 00237 / +237
// international forms, with any separators.
func ParsePhone(raw string) (Phone, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	var national string
	switch {
	case len(digits) == 9:
		national = digits
	case len(digits) == 12 && strings.HasPrefix(digits, "237"):
		national = digits[3:]
	case len(digits) == 14 && strings.HasPrefix(digits, "00237"):
		national = digits[5:]
	default:
		return Phone{}, NewValidationError("phone_number", "phone number must be a Cameroon number (+237 followed by 9 digits)")
	}

	op, ok := operatorFor(national[:3])
	if !ok {
		return Phone{}, NewValidationError("phone_number", "phone number prefix does not belong to a known Cameroon operator")
	}
	return Phone{National: national, Operator: op}, nil
}

func operatorFor(prefix string) (Operator, bool) {
	for op, prefixes := range operatorPrefixes {
		for _, p := range prefixes {
			if p == prefix {
				return op, true
			}
		}
	}
	return "", false
}

// Operator is the telco whose subscribers a rail can charge. Cash has none.
func (p Provider) Operator() (Operator, bool) {
	switch p {
	case ProviderMTN:
		return OperatorMTN, true
	case ProviderOrange:
		return OperatorOrange, true
	}
	return "", false
}

// CompatibleWith reports whether the payer's number can be charged on p.
func (p Provider) CompatibleWith(phone Phone) bool {
	op, ok := p.Operator()
	if !ok {
		return true
	}
	return op == phone.Operator
}

// MaskPhone keeps only the last four digits.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
