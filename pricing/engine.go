package pricing

import (
	"github.com/shopspring/decimal"

	"lexflow/fault"
)

// minorUnitPlaces is the scale of the smallest currency unit. All quoted
// amounts are rounded here and nowhere else.
const minorUnitPlaces = 2

// Compute turns a rate card and complexity tier into a billable quote:
//
//	base  = max(baseRate * multiplier[tier], minimumCharge)
//	tax   = round(base * taxRatePercent / 100)
//	total = base + tax
//
// Rounding is standard half-up to the smallest currency unit, not banker's.
// The computation is pure: identical inputs always yield identical quotes.
func Compute(card RateCard, tier Tier, taxRatePercent decimal.Decimal) (Quote, error) {
	if !card.Active {
		return Quote{}, fault.New(fault.KindValidation, "pricing: rate card %s is inactive", card.ID)
	}
	mult, ok := card.Multiplier(tier)
	if !ok {
		return Quote{}, fault.New(fault.KindValidation, "pricing: unknown complexity tier %q", tier)
	}
	if mult.IsNegative() {
		return Quote{}, fault.New(fault.KindValidation, "pricing: negative multiplier for tier %q", tier)
	}
	if card.BaseRate.IsNegative() || card.MinimumCharge.IsNegative() {
		return Quote{}, fault.New(fault.KindValidation, "pricing: rate card %s has negative amounts", card.ID)
	}
	if taxRatePercent.IsNegative() {
		return Quote{}, fault.New(fault.KindValidation, "pricing: negative tax rate")
	}

	base := card.BaseRate.Mul(mult).Round(minorUnitPlaces)
	if base.LessThan(card.MinimumCharge) {
		base = card.MinimumCharge.Round(minorUnitPlaces)
	}

	tax := base.Mul(taxRatePercent).Div(decimal.NewFromInt(100)).Round(minorUnitPlaces)
	total := base.Add(tax)

	return Quote{Base: base, Tax: tax, Total: total}, nil
}
