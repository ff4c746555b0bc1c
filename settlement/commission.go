package settlement

import (
	"github.com/shopspring/decimal"
)

// CommissionCalculator computes the referral cascade for a principal.
// Pure: no I/O, deterministic.
type CommissionCalculator struct {
	Rates CommissionRates
}

func NewCommissionCalculator(rates CommissionRates) CommissionCalculator {
	return CommissionCalculator{Rates: rates}
}

// ComputeCascade returns one entry per existing sponsor level, up to
// MaxCascadeDepth. chain[0] is the direct referrer. Amounts are rounded
// half-up to the currency minor unit; the rounding remainder is absorbed by
// the system and never taken from the principal. Legs that round to zero
// are dropped since the ledger only accepts positive amounts.
func (c CommissionCalculator) ComputeCascade(principal decimal.Decimal, chain []UserID) []CommissionEntry {
	if !principal.IsPositive() {
		return nil
	}

	var entries []CommissionEntry
	for i, recipient := range chain {
		level := i + 1
		if level > MaxCascadeDepth {
			break
		}
		if recipient == "" {
			break
		}
		rate, ok := c.Rates.Rate(level)
		if !ok || !rate.IsPositive() {
			continue
		}
		amount := RoundMoney(principal.Mul(rate), c.Rates.Precision)
		if !amount.IsPositive() {
			continue
		}
		entries = append(entries, CommissionEntry{
			RecipientID: recipient,
			Level:       level,
			Amount:      amount,
		})
	}
	return entries
}

// RoundMoney rounds half-up to the given number of decimal places.
// decimal.Round rounds half away from zero, which is half-up for the
// positive amounts the ledger holds.
func RoundMoney(d decimal.Decimal, precision int32) decimal.Decimal {
	return d.Round(precision)
}
