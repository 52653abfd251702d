package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"lexflow/fault"
)

func activeCard() RateCard {
	return RateCard{
		ID:                 "card-1",
		ProviderID:         "provider-1",
		BaseRate:           decimal.NewFromInt(10000),
		Unit:               UnitPerCase,
		MinimumCharge:      decimal.NewFromInt(500),
		SimpleMultiplier:   decimal.NewFromInt(1),
		ModerateMultiplier: decimal.RequireFromString("1.5"),
		ComplexMultiplier:  decimal.NewFromInt(2),
		Active:             true,
	}
}

func TestComputeModerateWithGST(t *testing.T) {
	// 10000 base rate, moderate multiplier 1.5, 18% tax.
	q, err := Compute(activeCard(), TierModerate, decimal.NewFromInt(18))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if !q.Base.Equal(decimal.NewFromInt(15000)) {
		t.Errorf("base = %s, want 15000", q.Base)
	}
	if !q.Tax.Equal(decimal.NewFromInt(2700)) {
		t.Errorf("tax = %s, want 2700", q.Tax)
	}
	if !q.Total.Equal(decimal.NewFromInt(17700)) {
		t.Errorf("total = %s, want 17700", q.Total)
	}
}

func TestComputeDeterministic(t *testing.T) {
	card := activeCard()
	rate := decimal.RequireFromString("12.5")

	first, err := Compute(card, TierComplex, rate)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	second, err := Compute(card, TierComplex, rate)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if !first.Base.Equal(second.Base) || !first.Tax.Equal(second.Tax) || !first.Total.Equal(second.Total) {
		t.Errorf("identical inputs produced different quotes: %+v vs %+v", first, second)
	}
	if !first.Total.Equal(first.Base.Add(first.Tax)) {
		t.Errorf("total %s != base %s + tax %s", first.Total, first.Base, first.Tax)
	}
}

func TestComputeMinimumChargeFloor(t *testing.T) {
	card := activeCard()
	card.BaseRate = decimal.NewFromInt(100)
	card.SimpleMultiplier = decimal.RequireFromString("0.5")

	q, err := Compute(card, TierSimple, decimal.Zero)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !q.Base.Equal(decimal.NewFromInt(500)) {
		t.Errorf("base = %s, want minimum charge 500", q.Base)
	}
	if q.Base.LessThan(card.MinimumCharge) {
		t.Errorf("base %s fell below minimum charge %s", q.Base, card.MinimumCharge)
	}
}

func TestComputeRoundsToMinorUnit(t *testing.T) {
	card := activeCard()
	card.BaseRate = decimal.RequireFromString("1000.005")
	card.SimpleMultiplier = decimal.NewFromInt(1)

	q, err := Compute(card, TierSimple, decimal.RequireFromString("18"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// Half-up at the paise: 1000.005 -> 1000.01, tax 180.0018 -> 180.00.
	if !q.Base.Equal(decimal.RequireFromString("1000.01")) {
		t.Errorf("base = %s, want 1000.01", q.Base)
	}
	if !q.Tax.Equal(decimal.RequireFromString("180.00")) {
		t.Errorf("tax = %s, want 180.00", q.Tax)
	}
}

func TestComputeRejectsInvalidCard(t *testing.T) {
	inactive := activeCard()
	inactive.Active = false
	if _, err := Compute(inactive, TierSimple, decimal.Zero); !errors.Is(err, fault.Validation) {
		t.Errorf("inactive card: err = %v, want validation fault", err)
	}

	negative := activeCard()
	negative.ModerateMultiplier = decimal.NewFromInt(-1)
	if _, err := Compute(negative, TierModerate, decimal.Zero); !errors.Is(err, fault.Validation) {
		t.Errorf("negative multiplier: err = %v, want validation fault", err)
	}

	if _, err := Compute(activeCard(), Tier("mystery"), decimal.Zero); !errors.Is(err, fault.Validation) {
		t.Errorf("unknown tier: err = %v, want validation fault", err)
	}

	if _, err := Compute(activeCard(), TierSimple, decimal.NewFromInt(-5)); !errors.Is(err, fault.Validation) {
		t.Errorf("negative tax rate: err = %v, want validation fault", err)
	}
}
