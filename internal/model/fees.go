package model

import (
	"github.com/shopspring/decimal"
)

// Fees is the charge breakdown of one payment in XAF, which has no minor unit.
type Fees struct {
	Amount     int64 `json:"amount"`
	Fees       int64 `json:"fees"`
	Taxes      int64 `json:"taxes"`
	Commission int64 `json:"commission"`
	NetAmount  int64 `json:"net_amount"`
}

// FeeSchedule is a provider tariff: Fixed plus Rate of the amount, capped at Cap.
type FeeSchedule struct {
	Fixed int64
	Rate  decimal.Decimal
	Cap   int64 // zero means no cap
}

type FeeCalculator struct {
	VATRate        decimal.Decimal
	CommissionRate decimal.Decimal
	Schedules      map[Provider]FeeSchedule
}

func DefaultFeeSchedules() map[Provider]FeeSchedule {
	return map[Provider]FeeSchedule{
		ProviderMTN:    {Rate: decimal.RequireFromString("0.015"), Cap: 5000},
		ProviderOrange: {Rate: decimal.RequireFromString("0.015"), Cap: 5000},
		ProviderCash:   {Fixed: 100},
	}
}

func NewFeeCalculator(vatRate, commissionRate string) (*FeeCalculator, error) {
	vat, err := decimal.NewFromString(vatRate)
	if err != nil {
		return nil, err
	}
	commission, err := decimal.NewFromString(commissionRate)
	if err != nil {
		return nil, err
	}
	return &FeeCalculator{
		VATRate:        vat,
		CommissionRate: commission,
		Schedules:      DefaultFeeSchedules(),
	}, nil
}

// Compute returns the breakdown for amount on provider. VAT applies to the
// fees, commission to the amount; net is amount + fees + taxes.
func (c *FeeCalculator) Compute(provider Provider, amount int64) Fees {
	a := decimal.NewFromInt(amount)
	s := c.Schedules[provider]

	variable := a.Mul(s.Rate)
	if s.Cap > 0 {
		variable = decimal.Min(variable, decimal.NewFromInt(s.Cap))
	}
	fees := decimal.NewFromInt(s.Fixed).Add(variable).Round(0)
	taxes := fees.Mul(c.VATRate).Round(0)
	commission := a.Mul(c.CommissionRate).Round(0)

	return Fees{
		Amount:     amount,
		Fees:       fees.IntPart(),
		Taxes:      taxes.IntPart(),
		Commission: commission.IntPart(),
		NetAmount:  amount + fees.IntPart() + taxes.IntPart(),
	}
}
