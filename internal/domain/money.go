package domain

import "github.com/shopspring/decimal"

// MinorUnitPlaces is the number of decimal places between major and minor units.
const MinorUnitPlaces = 2

// ToMinorUnits converts a major-unit amount to integer minor units,
// rounding half away from zero.
func ToMinorUnits(major decimal.Decimal) int64 {
	return major.Round(MinorUnitPlaces).Shift(MinorUnitPlaces).IntPart()
}

// FromMinorUnits converts integer minor units back to a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitPlaces)
}
