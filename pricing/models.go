package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier selects which complexity multiplier applies to a rate card's base
// rate.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// ValidTier reports whether t is one of the closed tier set.
func ValidTier(t Tier) bool {
	switch t {
	case TierSimple, TierModerate, TierComplex:
		return true
	default:
		return false
	}
}

// BillingUnit describes what one unit of the base rate buys.
type BillingUnit string

const (
	UnitPerHour         BillingUnit = "per_hour"
	UnitPerCase         BillingUnit = "per_case"
	UnitPerDocument     BillingUnit = "per_document"
	UnitPerConsultation BillingUnit = "per_consultation"
)

func ValidUnit(u BillingUnit) bool {
	switch u {
	case UnitPerHour, UnitPerCase, UnitPerDocument, UnitPerConsultation:
		return true
	default:
		return false
	}
}

// RateCard is owned by a service provider. The pricing computation reads it
// once at payment-creation time; the quote is snapshotted into the payment so
// later edits cannot retroactively alter an open escrow.
type RateCard struct {
	ID                 string
	ProviderID         string
	BaseRate           decimal.Decimal
	Unit               BillingUnit
	MinimumCharge      decimal.Decimal
	AdvancePercent     decimal.Decimal
	SimpleMultiplier   decimal.Decimal
	ModerateMultiplier decimal.Decimal
	ComplexMultiplier  decimal.Decimal
	Active             bool
	CapacityLimit      int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Multiplier returns the multiplier for tier; ok is false for a tier outside
// the closed set.
func (c RateCard) Multiplier(tier Tier) (decimal.Decimal, bool) {
	switch tier {
	case TierSimple:
		return c.SimpleMultiplier, true
	case TierModerate:
		return c.ModerateMultiplier, true
	case TierComplex:
		return c.ComplexMultiplier, true
	default:
		return decimal.Decimal{}, false
	}
}

// Quote is the deterministic output of Compute, denominated in the
// platform currency with amounts rounded to the smallest currency unit.
type Quote struct {
	Base  decimal.Decimal
	Tax   decimal.Decimal
	Total decimal.Decimal
}
