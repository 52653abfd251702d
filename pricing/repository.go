package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lexflow/fault"
)

// Repository provides access to provider rate cards.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const cardColumns = `
	id, provider_id, base_rate::text, billing_unit, minimum_charge::text,
	advance_percent::text, simple_multiplier::text, moderate_multiplier::text,
	complex_multiplier::text, active, capacity_limit, created_at, updated_at`

// CreateParams enumerates the fields required to insert a rate card.
type CreateParams struct {
	ProviderID         string
	BaseRate           decimal.Decimal
	Unit               BillingUnit
	MinimumCharge      decimal.Decimal
	AdvancePercent     decimal.Decimal
	SimpleMultiplier   decimal.Decimal
	ModerateMultiplier decimal.Decimal
	ComplexMultiplier  decimal.Decimal
	CapacityLimit      int
}

func (p CreateParams) validate() error {
	if p.ProviderID == "" {
		return fault.New(fault.KindValidation, "pricing: provider id required")
	}
	if !ValidUnit(p.Unit) {
		return fault.New(fault.KindValidation, "pricing: invalid billing unit %q", p.Unit)
	}
	if p.BaseRate.IsNegative() || p.MinimumCharge.IsNegative() {
		return fault.New(fault.KindValidation, "pricing: amounts must be non-negative")
	}
	for _, m := range []decimal.Decimal{p.SimpleMultiplier, p.ModerateMultiplier, p.ComplexMultiplier} {
		if m.IsNegative() {
			return fault.New(fault.KindValidation, "pricing: multipliers must be non-negative")
		}
	}
	if p.AdvancePercent.IsNegative() || p.AdvancePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fault.New(fault.KindValidation, "pricing: advance percent must be within [0,100]")
	}
	return nil
}

// Create inserts a new active rate card owned by the provider.
func (r *Repository) Create(ctx context.Context, params CreateParams) (RateCard, error) {
	if err := params.validate(); err != nil {
		return RateCard{}, err
	}

	insertSQL := `
		INSERT INTO rate_cards (
			id, provider_id, base_rate, billing_unit, minimum_charge,
			advance_percent, simple_multiplier, moderate_multiplier,
			complex_multiplier, active, capacity_limit
		)
		VALUES ($1::uuid, $2, $3::numeric, $4, $5::numeric, $6::numeric,
		        $7::numeric, $8::numeric, $9::numeric, true, $10)
		RETURNING ` + cardColumns

	row := r.pool.QueryRow(ctx, insertSQL,
		uuid.NewString(),
		params.ProviderID,
		params.BaseRate.String(),
		string(params.Unit),
		params.MinimumCharge.String(),
		params.AdvancePercent.String(),
		params.SimpleMultiplier.String(),
		params.ModerateMultiplier.String(),
		params.ComplexMultiplier.String(),
		params.CapacityLimit,
	)
	card, err := scanCard(row)
	if err != nil {
		return RateCard{}, fmt.Errorf("pricing: insert rate card: %w", err)
	}
	return card, nil
}

// Update rewrites a provider's card in place. Open escrows are unaffected:
// quotes are snapshotted at payment creation.
func (r *Repository) Update(ctx context.Context, id string, params CreateParams) (RateCard, error) {
	if err := params.validate(); err != nil {
		return RateCard{}, err
	}

	updateSQL := `
		UPDATE rate_cards SET
			base_rate = $3::numeric,
			billing_unit = $4,
			minimum_charge = $5::numeric,
			advance_percent = $6::numeric,
			simple_multiplier = $7::numeric,
			moderate_multiplier = $8::numeric,
			complex_multiplier = $9::numeric,
			capacity_limit = $10,
			updated_at = now()
		WHERE id = $1::uuid AND provider_id = $2
		RETURNING ` + cardColumns

	row := r.pool.QueryRow(ctx, updateSQL,
		id,
		params.ProviderID,
		params.BaseRate.String(),
		string(params.Unit),
		params.MinimumCharge.String(),
		params.AdvancePercent.String(),
		params.SimpleMultiplier.String(),
		params.ModerateMultiplier.String(),
		params.ComplexMultiplier.String(),
		params.CapacityLimit,
	)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RateCard{}, fault.New(fault.KindNotFound, "pricing: rate card %s not found for provider", id)
		}
		return RateCard{}, fmt.Errorf("pricing: update rate card: %w", err)
	}
	return card, nil
}

// Get fetches a rate card by its primary key.
func (r *Repository) Get(ctx context.Context, id string) (RateCard, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM rate_cards WHERE id = $1::uuid`, id)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RateCard{}, fault.New(fault.KindNotFound, "pricing: rate card %s not found", id)
		}
		return RateCard{}, fmt.Errorf("pricing: query rate card: %w", err)
	}
	return card, nil
}

// ListByProvider returns the provider's rate cards, newest first.
func (r *Repository) ListByProvider(ctx context.Context, providerID string) ([]RateCard, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM rate_cards WHERE provider_id = $1 ORDER BY created_at DESC`,
		providerID)
	if err != nil {
		return nil, fmt.Errorf("pricing: list rate cards: %w", err)
	}
	defer rows.Close()

	cards := make([]RateCard, 0, 8)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("pricing: scan rate card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pricing: iterate rate cards: %w", err)
	}
	return cards, nil
}

// Deactivate flips the active flag off; open escrows are unaffected because
// quotes are snapshotted at payment creation.
func (r *Repository) Deactivate(ctx context.Context, providerID, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE rate_cards SET active = false, updated_at = now() WHERE id = $1::uuid AND provider_id = $2`,
		id, providerID)
	if err != nil {
		return fmt.Errorf("pricing: deactivate rate card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "pricing: rate card %s not found for provider", id)
	}
	return nil
}

func scanCard(row pgx.Row) (RateCard, error) {
	var (
		card RateCard
		unit string
		nums [6]string
	)
	if err := row.Scan(
		&card.ID, &card.ProviderID, &nums[0], &unit, &nums[1], &nums[2],
		&nums[3], &nums[4], &nums[5], &card.Active, &card.CapacityLimit,
		&card.CreatedAt, &card.UpdatedAt,
	); err != nil {
		return RateCard{}, err
	}
	card.Unit = BillingUnit(unit)

	dests := []*decimal.Decimal{
		&card.BaseRate, &card.MinimumCharge, &card.AdvancePercent,
		&card.SimpleMultiplier, &card.ModerateMultiplier, &card.ComplexMultiplier,
	}
	for i, dst := range dests {
		d, err := decimal.NewFromString(nums[i])
		if err != nil {
			return RateCard{}, fmt.Errorf("parse numeric column: %w", err)
		}
		*dst = d
	}
	return card, nil
}
