package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/pricing"
	"lexflow/test/infra"
)

// TestRepository_Integration drives the pgx repository against a real
// PostgreSQL: insert, optimistic transitions, the capture idempotency key,
// ledger sequencing and the scheduler scans.
func TestRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test; needs Docker or LEXFLOW_TEST_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, dsn, err := infra.StartPostgres16(ctx, "")
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = teardown(context.Background())
	})

	card, err := pricing.NewRepository(pool).Create(ctx, pricing.CreateParams{
		ProviderID:         "provider-1",
		BaseRate:           decimal.NewFromInt(10000),
		Unit:               pricing.UnitPerCase,
		SimpleMultiplier:   decimal.NewFromInt(1),
		ModerateMultiplier: decimal.RequireFromString("1.5"),
		ComplexMultiplier:  decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("seed rate card: %v", err)
	}

	cardRepo := pricing.NewRepository(pool)
	updated, err := cardRepo.Update(ctx, card.ID, pricing.CreateParams{
		ProviderID:         "provider-1",
		BaseRate:           decimal.NewFromInt(12000),
		Unit:               pricing.UnitPerCase,
		SimpleMultiplier:   decimal.NewFromInt(1),
		ModerateMultiplier: decimal.RequireFromString("1.5"),
		ComplexMultiplier:  decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("update rate card: %v", err)
	}
	if !updated.BaseRate.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("updated base rate = %s, want 12000", updated.BaseRate)
	}
	if _, err := cardRepo.Update(ctx, card.ID, pricing.CreateParams{
		ProviderID:       "provider-other",
		BaseRate:         decimal.NewFromInt(1),
		Unit:             pricing.UnitPerCase,
		SimpleMultiplier: decimal.NewFromInt(1),
	}); !errors.Is(err, fault.NotFound) {
		t.Fatalf("update by non-owner: err = %v, want not found", err)
	}

	second, err := cardRepo.Create(ctx, pricing.CreateParams{
		ProviderID:       "provider-1",
		BaseRate:         decimal.NewFromInt(500),
		Unit:             pricing.UnitPerHour,
		SimpleMultiplier: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("create second rate card: %v", err)
	}
	listed, err := cardRepo.ListByProvider(ctx, "provider-1")
	if err != nil {
		t.Fatalf("list rate cards: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d cards, want 2", len(listed))
	}
	if err := cardRepo.Deactivate(ctx, "provider-1", second.ID); err != nil {
		t.Fatalf("deactivate rate card: %v", err)
	}
	if got, err := cardRepo.Get(ctx, second.ID); err != nil || got.Active {
		t.Fatalf("card after deactivate = %+v (err %v), want inactive", got, err)
	}

	repo := NewRepository(pool)

	rec, err := repo.Insert(ctx, Record{
		ID:             uuid.NewString(),
		CaseID:         "case-itest",
		ClientID:       "client-1",
		ProviderID:     "provider-1",
		RateCardID:     card.ID,
		Tier:           pricing.TierModerate,
		BaseAmount:     decimal.NewFromInt(15000),
		TaxAmount:      decimal.NewFromInt(2700),
		TotalAmount:    decimal.NewFromInt(17700),
		Currency:       "INR",
		HoldingDays:    7,
		GatewayOrderID: "order_itest",
	}, "client-1")
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	if rec.Status != StatusPending || rec.Version != 1 {
		t.Fatalf("inserted = %s v%d, want pending v1", rec.Status, rec.Version)
	}
	if !rec.TotalAmount.Equal(decimal.NewFromInt(17700)) {
		t.Fatalf("total = %s, want 17700", rec.TotalAmount)
	}

	history := ledger.NewReader(pool)
	entries, err := history.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history after insert: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 1 || entries[0].EventType != EventCreated {
		t.Fatalf("history = %+v, want single seq-1 creation entry", entries)
	}

	// Capture with an idempotency key.
	paymentRef := "pay_ref_itest"
	capture := Mutation{
		PaymentID:      rec.ID,
		FromStatus:     StatusPending,
		FromVersion:    rec.Version,
		ToStatus:       StatusReceived,
		Changes:        Changes{GatewayPaymentRef: &paymentRef},
		Event:          EventCaptured,
		ActorID:        "client-1",
		Payload:        map[string]any{"ref": paymentRef},
		OutboxTopic:    TopicCaptured,
		OutboxPayload:  map[string]any{"payment_id": rec.ID},
		IdempotencyKey: "capture:" + paymentRef,
	}
	rec, err = repo.Apply(ctx, capture)
	if err != nil {
		t.Fatalf("apply capture: %v", err)
	}
	if rec.Status != StatusReceived || rec.Version != 2 {
		t.Fatalf("after capture = %s v%d, want received v2", rec.Status, rec.Version)
	}
	if rec.GatewayPaymentRef == nil || *rec.GatewayPaymentRef != paymentRef {
		t.Fatalf("payment ref = %v, want %s", rec.GatewayPaymentRef, paymentRef)
	}

	// Webhook replay: same key, fresh version. The key wins, nothing moves.
	replay := capture
	replay.FromVersion = rec.Version
	if _, err := repo.Apply(ctx, replay); !errors.Is(err, ErrDuplicateCaptureRef) {
		t.Fatalf("replay err = %v, want ErrDuplicateCaptureRef", err)
	}
	check, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if check.Version != 2 {
		t.Fatalf("version after replay = %d, want 2", check.Version)
	}

	// Stale version loses the race.
	stale := Mutation{
		PaymentID:   rec.ID,
		FromStatus:  StatusPending,
		FromVersion: 1,
		ToStatus:    StatusReceived,
		Event:       EventCaptured,
		ActorID:     "client-1",
	}
	if _, err := repo.Apply(ctx, stale); !errors.Is(err, fault.ConcurrentModification) {
		t.Fatalf("stale err = %v, want concurrent modification", err)
	}
	if _, err := repo.Apply(ctx, Mutation{
		PaymentID: uuid.NewString(), FromVersion: 1,
		ToStatus: StatusReceived, Event: EventCaptured,
	}); !errors.Is(err, fault.NotFound) {
		t.Fatalf("unknown id err = %v, want not found", err)
	}

	// Walk to approved with a lapsed release date for the scheduler scan.
	rec, err = repo.Apply(ctx, Mutation{
		PaymentID: rec.ID, FromStatus: StatusReceived, FromVersion: rec.Version,
		ToStatus: StatusWorkSubmitted, Event: EventWorkSubmitted, ActorID: "provider-1",
	})
	if err != nil {
		t.Fatalf("apply work submitted: %v", err)
	}
	pastDue := time.Now().UTC().AddDate(0, 0, -1)
	rec, err = repo.Apply(ctx, Mutation{
		PaymentID: rec.ID, FromStatus: StatusWorkSubmitted, FromVersion: rec.Version,
		ToStatus: StatusApproved,
		Changes:  Changes{SetReleaseDate: true, ReleaseDate: &pastDue},
		Event:    EventApproved, ActorID: "client-1",
	})
	if err != nil {
		t.Fatalf("apply approve: %v", err)
	}

	due, err := repo.DueForRelease(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due for release: %v", err)
	}
	if len(due) != 1 || due[0] != rec.ID {
		t.Fatalf("due = %v, want [%s]", due, rec.ID)
	}

	// An unconfirmed release attempt is picked up by the recovery scan.
	attemptedAt := time.Now().UTC()
	rec, err = repo.Apply(ctx, Mutation{
		PaymentID: rec.ID, FromStatus: StatusApproved, FromVersion: rec.Version,
		ToStatus: StatusApproved,
		Changes:  Changes{SetReleaseAttempt: true, ReleaseAttemptedAt: &attemptedAt},
		Event:    EventReleaseAttempted, ActorID: "system",
	})
	if err != nil {
		t.Fatalf("apply release attempt: %v", err)
	}
	attempted, err := repo.ReleaseAttempted(ctx, 10)
	if err != nil {
		t.Fatalf("release attempted scan: %v", err)
	}
	if len(attempted) != 1 || attempted[0] != rec.ID {
		t.Fatalf("attempted = %v, want [%s]", attempted, rec.ID)
	}

	transferID := "trf_itest"
	rec, err = repo.Apply(ctx, Mutation{
		PaymentID: rec.ID, FromStatus: StatusApproved, FromVersion: rec.Version,
		ToStatus: StatusReleased,
		Changes:  Changes{GatewayTransferID: &transferID},
		Event:    EventReleased, ActorID: "system",
		OutboxTopic:   TopicReleased,
		OutboxPayload: map[string]any{"payment_id": rec.ID},
	})
	if err != nil {
		t.Fatalf("apply release: %v", err)
	}
	if rec.Status != StatusReleased {
		t.Fatalf("status = %s, want released", rec.Status)
	}

	// One ledger entry per committed transition, gapless.
	entries, err = history.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history after release: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("history length = %d, want 6", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("entry %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}
	if entries[len(entries)-1].EventType != EventReleased {
		t.Fatalf("last event = %s, want %s", entries[len(entries)-1].EventType, EventReleased)
	}

	// Both transition outbox messages were enqueued.
	var outCount int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE payload->>'payment_id' = $1 AND topic IN ($2, $3)`,
		rec.ID, TopicCaptured, TopicReleased).Scan(&outCount)
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outCount != 2 {
		t.Fatalf("outbox messages = %d, want 2", outCount)
	}
}
