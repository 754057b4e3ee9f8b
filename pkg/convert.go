package payroll

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Converter turns fiat amounts into chain units at a fixed exchange rate.
// Rate is units of crypto per one unit of fiat.
type Converter struct {
	Rate     decimal.Decimal
	Decimals int32
}

func NewConverter(rate decimal.Decimal, decimals int) Converter {
	if decimals <= 0 {
		decimals = 18
	}
	return Converter{Rate: rate, Decimals: int32(decimals)}
}

// ToCrypto converts fiat to crypto for display, 4 places.
func (c Converter) ToCrypto(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.Rate).Round(4)
}

// ToFiat converts crypto to fiat for display, 2 places.
func (c Converter) ToFiat(value decimal.Decimal) decimal.Decimal {
	if c.Rate.IsZero() {
		return decimal.Zero
	}
	return value.Div(c.Rate).Round(2)
}

// ToPayable converts fiat to the chain's smallest unit, rounded to an integer.
func (c Converter) ToPayable(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.Rate).Shift(c.Decimals).Round(0)
}

// PayableToDisplay converts smallest units back to whole coins, 4 places.
func (c Converter) PayableToDisplay(value decimal.Decimal) decimal.Decimal {
	return value.Shift(-c.Decimals).Round(4)
}

// StableCoinPayable converts fiat to stablecoin units; stablecoins track
// the fiat unit so no rate applies.
func StableCoinPayable(amount decimal.Decimal, decimals int) decimal.Decimal {
	if decimals <= 0 {
		decimals = 18
	}
	return amount.Shift(int32(decimals)).Round(0)
}

// BigInt converts an integral decimal to *big.Int.
func BigInt(d decimal.Decimal) *big.Int {
	return d.Round(0).BigInt()
}
