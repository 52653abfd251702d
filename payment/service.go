package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lexflow/actor"
	"lexflow/fault"
	"lexflow/pricing"
)

// ErrAmountMismatch marks a capture whose amount differs from the escrow
// total. The capture is rejected and nothing moves; matchable with errors.Is.
var ErrAmountMismatch = errors.New("capture amount mismatch")

// RateCardSource supplies the provider rate card at payment creation; the
// quote it yields is snapshotted and never recomputed.
type RateCardSource interface {
	Get(ctx context.Context, id string) (pricing.RateCard, error)
}

// Config carries the billing knobs the service needs.
type Config struct {
	Currency           string
	TaxRatePercent     decimal.Decimal
	DefaultHoldingDays int
	MaxRetries         int
}

// Service owns the escrow lifecycle of payments. Every transition is applied
// optimistically: losers of a version race see ConcurrentModification and the
// service re-reads and retries up to Config.MaxRetries.
type Service struct {
	store   Store
	cards   RateCardSource
	gateway Gateway
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewService(store Store, cards RateCardSource, gateway Gateway, cfg Config, log *slog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		cards:   cards,
		gateway: gateway,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// CreateParams describes a new escrow payment for a case.
type CreateParams struct {
	CaseID     string
	ClientID   string
	ProviderID string
	RateCardID string
	Tier       pricing.Tier
	// HoldingDays <= 0 takes the platform default.
	HoldingDays      int
	ImmediateRelease bool
}

// Create computes the amount from the rate card, opens a gateway order for
// it and stores the payment in pending.
func (s *Service) Create(ctx context.Context, who actor.Actor, params CreateParams) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	if params.CaseID == "" || params.ClientID == "" || params.ProviderID == "" {
		return Record{}, fault.New(fault.KindValidation, "payment: case, client and provider ids required")
	}
	if !pricing.ValidTier(params.Tier) {
		return Record{}, fault.New(fault.KindValidation, "payment: invalid complexity tier %q", params.Tier)
	}

	card, err := s.cards.Get(ctx, params.RateCardID)
	if err != nil {
		return Record{}, err
	}
	quote, err := pricing.Compute(card, params.Tier, s.cfg.TaxRatePercent)
	if err != nil {
		return Record{}, err
	}

	holdingDays := params.HoldingDays
	if holdingDays <= 0 {
		holdingDays = s.cfg.DefaultHoldingDays
	}

	id := uuid.NewString()
	orderID, err := s.gateway.CreateOrder(ctx, quote.Total, s.cfg.Currency, map[string]string{
		"payment_id": id,
		"case_id":    params.CaseID,
	})
	if err != nil {
		return Record{}, fault.Wrap(fault.KindExternalDependency, fmt.Errorf("payment: create gateway order: %w", err))
	}

	rec := Record{
		ID:               id,
		CaseID:           params.CaseID,
		ClientID:         params.ClientID,
		ProviderID:       params.ProviderID,
		RateCardID:       params.RateCardID,
		Tier:             params.Tier,
		BaseAmount:       quote.Base,
		TaxAmount:        quote.Tax,
		TotalAmount:      quote.Total,
		Currency:         s.cfg.Currency,
		HoldingDays:      holdingDays,
		ImmediateRelease: params.ImmediateRelease,
		GatewayOrderID:   orderID,
	}
	stored, err := s.store.Insert(ctx, rec, who.ID)
	if err != nil {
		return Record{}, err
	}
	s.log.Info("payment created", "payment_id", stored.ID, "case_id", stored.CaseID, "total", stored.TotalAmount.String())
	return stored, nil
}

// Get loads a payment and verifies its amount invariant.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := rec.CheckAmounts(); err != nil {
		s.log.Error("payment amounts inconsistent; entity frozen pending manual review",
			"payment_id", rec.ID, "err", err)
		return Record{}, err
	}
	return rec, nil
}

// ListByCase returns the case's payments, newest first.
func (s *Service) ListByCase(ctx context.Context, caseID string) ([]Record, error) {
	recs, err := s.store.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := rec.CheckAmounts(); err != nil {
			s.log.Error("payment amounts inconsistent; entity frozen pending manual review",
				"payment_id", rec.ID, "err", err)
			return nil, err
		}
	}
	return recs, nil
}

// RecordCapture applies a confirmed gateway capture: pending -> received.
// Replays of the same capture reference are a no-op success.
func (s *Service) RecordCapture(ctx context.Context, who actor.Actor, paymentID string, proof CaptureProof) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	if proof.OrderID == "" || proof.PaymentRef == "" {
		return Record{}, fault.New(fault.KindValidation, "payment: capture proof requires order id and payment ref")
	}

	return s.withRetry(ctx, paymentID, func(rec Record) (Mutation, error) {
		if rec.GatewayOrderID != proof.OrderID {
			return Mutation{}, fault.New(fault.KindValidation,
				"payment %s: unknown order %q", rec.ID, proof.OrderID)
		}
		if !proof.Amount.Equal(rec.TotalAmount) {
			return Mutation{}, fault.Wrap(fault.KindValidation,
				fmt.Errorf("payment %s: %w: captured %s, expected %s",
					rec.ID, ErrAmountMismatch, proof.Amount, rec.TotalAmount))
		}
		if err := s.guard(rec, StatusReceived); err != nil {
			return Mutation{}, err
		}
		// disputed -> received is a legal edge, but only dispute withdrawal
		// may walk it.
		if rec.Status != StatusPending {
			return Mutation{}, fault.New(fault.KindGuardViolation,
				"payment %s: capture requires pending status, not %s", rec.ID, rec.Status)
		}

		verified, err := s.gateway.VerifyCapture(ctx, proof.OrderID, proof.PaymentRef, proof.Signature)
		if err != nil {
			return Mutation{}, fault.Wrap(fault.KindExternalDependency, fmt.Errorf("payment: verify capture: %w", err))
		}
		if !verified {
			return Mutation{}, fault.New(fault.KindValidation, "payment %s: capture signature rejected", rec.ID)
		}

		ref := proof.PaymentRef
		return Mutation{
			PaymentID:      rec.ID,
			FromStatus:     rec.Status,
			FromVersion:    rec.Version,
			ToStatus:       StatusReceived,
			Changes:        Changes{GatewayPaymentRef: &ref},
			Event:          EventCaptured,
			ActorID:        who.ID,
			Payload:        map[string]any{"payment_ref": ref, "amount": proof.Amount.String()},
			OutboxTopic:    TopicCaptured,
			OutboxPayload:  map[string]any{"payment_id": rec.ID, "case_id": rec.CaseID},
			IdempotencyKey: "capture:" + ref,
		}, nil
	})
}

// MarkWorkSubmitted moves received -> work_submitted when the linked work
// item completes. Driven by the outbox dispatcher, not by user calls.
func (s *Service) MarkWorkSubmitted(ctx context.Context, paymentID, note string) (Record, error) {
	return s.withRetry(ctx, paymentID, func(rec Record) (Mutation, error) {
		if err := s.guard(rec, StatusWorkSubmitted); err != nil {
			return Mutation{}, err
		}
		m := Mutation{
			PaymentID:   rec.ID,
			FromStatus:  rec.Status,
			FromVersion: rec.Version,
			ToStatus:    StatusWorkSubmitted,
			Event:       EventWorkSubmitted,
			ActorID:     actor.System.ID,
		}
		if note != "" {
			m.Changes.SubmissionNote = &note
			m.Payload = map[string]any{"note": note}
		}
		return m, nil
	})
}

// Approve moves work_submitted -> approved, either by explicit client
// decision or by the scheduler once the auto-approval deadline passed. The
// release date is set here; immediate-release payments go straight to the
// release path after the transition commits.
func (s *Service) Approve(ctx context.Context, who actor.Actor, paymentID string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}

	rec, err := s.withRetry(ctx, paymentID, func(rec Record) (Mutation, error) {
		if !who.CanActAs(actor.RoleClient) {
			return Mutation{}, fault.New(fault.KindForbidden, "payment %s: only the client may approve", rec.ID)
		}
		if err := s.guard(rec, StatusApproved); err != nil {
			return Mutation{}, err
		}
		// Immediate-release payments get a due-now date so the scheduler
		// picks them up promptly if the inline release attempt fails.
		releaseDate := s.now().UTC()
		if !rec.ImmediateRelease {
			releaseDate = releaseDate.AddDate(0, 0, rec.HoldingDays)
		}
		return Mutation{
			PaymentID:   rec.ID,
			FromStatus:  rec.Status,
			FromVersion: rec.Version,
			ToStatus:    StatusApproved,
			Changes:     Changes{SetReleaseDate: true, ReleaseDate: &releaseDate},
			Event:       EventApproved,
			ActorID:     who.ID,
			Payload:     map[string]any{"release_date": releaseDate},
		}, nil
	})
	if err != nil {
		return Record{}, err
	}

	if rec.ImmediateRelease {
		released, err := s.Release(ctx, actor.System, rec.ID)
		if err != nil {
			// The approved row keeps its release date; the scheduler
			// finishes the job.
			s.log.Warn("immediate release failed; deferring to scheduler", "payment_id", rec.ID, "err", err)
			return rec, nil
		}
		return released, nil
	}
	return rec, nil
}

// Release moves approved -> released and performs the transfer to the
// provider. It is idempotent: releasing an already-released payment returns
// it unchanged with no second transfer, tolerating at-least-once delivery
// from the scheduler. Once the gateway acknowledges the transfer the
// transition is guaranteed to complete: the attempt marker makes the
// scheduler re-drive unconfirmed releases after a crash, and the gateway
// deduplicates by the payment id.
func (s *Service) Release(ctx context.Context, who actor.Actor, paymentID string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}

	rec, err := s.Get(ctx, paymentID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusReleased {
		return rec, nil
	}
	if err := s.guard(rec, StatusReleased); err != nil {
		return Record{}, err
	}

	// Persist the attempt before calling out so a crash between transfer
	// and finalize is recoverable.
	if rec.ReleaseAttemptedAt == nil {
		attemptedAt := s.now().UTC()
		rec, err = s.store.Apply(ctx, Mutation{
			PaymentID:   rec.ID,
			FromStatus:  rec.Status,
			FromVersion: rec.Version,
			ToStatus:    rec.Status,
			Changes:     Changes{SetReleaseAttempt: true, ReleaseAttemptedAt: &attemptedAt},
			Event:       EventReleaseAttempted,
			ActorID:     who.ID,
		})
		if err != nil {
			return Record{}, err
		}
	}

	transferID, err := s.gateway.Transfer(ctx, rec.ProviderID, rec.TotalAmount, rec.ID)
	if err != nil {
		return Record{}, fault.Wrap(fault.KindExternalDependency, fmt.Errorf("payment: transfer: %w", err))
	}

	released, err := s.store.Apply(ctx, Mutation{
		PaymentID:   rec.ID,
		FromStatus:  rec.Status,
		FromVersion: rec.Version,
		ToStatus:    StatusReleased,
		Changes:     Changes{GatewayTransferID: &transferID},
		Event:       EventReleased,
		ActorID:     who.ID,
		Payload:     map[string]any{"transfer_id": transferID},
		OutboxTopic: TopicReleased,
		OutboxPayload: map[string]any{
			"payment_id": rec.ID,
			"case_id":    rec.CaseID,
		},
	})
	if err != nil {
		if errors.Is(err, fault.ConcurrentModification) {
			// A concurrent caller finalized the same release; the gateway
			// deduplicated the transfer, so adopt its outcome.
			current, getErr := s.Get(ctx, paymentID)
			if getErr == nil && current.Status == StatusReleased {
				return current, nil
			}
		}
		return Record{}, err
	}
	s.log.Info("payment released", "payment_id", released.ID, "transfer_id", transferID)
	return released, nil
}

// Cancel voids a payment before funds were captured: pending -> cancelled.
func (s *Service) Cancel(ctx context.Context, who actor.Actor, paymentID string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	return s.withRetry(ctx, paymentID, func(rec Record) (Mutation, error) {
		if err := s.guard(rec, StatusCancelled); err != nil {
			return Mutation{}, err
		}
		return Mutation{
			PaymentID:   rec.ID,
			FromStatus:  rec.Status,
			FromVersion: rec.Version,
			ToStatus:    StatusCancelled,
			Event:       EventCancelled,
			ActorID:     who.ID,
		}, nil
	})
}

// ResolveToApproved exits disputed in the provider's favor: the payment
// returns to approved with an immediate release date and the ordinary
// release machinery finishes the transfer. Called by the dispute service
// inside its resolution transaction via BuildResolutionMutation; this
// wrapper serves direct admin use.
func (s *Service) ResolveToApproved(ctx context.Context, who actor.Actor, paymentID string) (Record, error) {
	return s.withRetry(ctx, paymentID, func(rec Record) (Mutation, error) {
		return BuildResolutionMutation(rec, StatusApproved, who.ID, s.now().UTC())
	})
}

// Refund exits disputed in the client's favor: disputed -> refunded.
func (s *Service) Refund(ctx context.Context, who actor.Actor, paymentID string) (Record, error) {
	return s.withRetry(ctx, paymentID, func(rec Record) (Mutation, error) {
		return BuildResolutionMutation(rec, StatusRefunded, who.ID, s.now().UTC())
	})
}

// BuildResolutionMutation constructs the payment-side mutation for an admin
// ruling on a disputed payment: refunded in the client's favor, or back to
// approved with an immediate release date in the provider's favor. The
// dispute service applies it in the same transaction that closes the
// dispute row. Withdrawals go through BuildWithdrawalMutation instead.
func BuildResolutionMutation(rec Record, to Status, actorID string, now time.Time) (Mutation, error) {
	if rec.Status != StatusDisputed {
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: not disputed (status %s)", rec.ID, rec.Status)
	}
	if !CanTransition(StatusDisputed, to) {
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: illegal dispute exit to %s", rec.ID, to)
	}

	event := EventDisputeClosed
	changes := Changes{SetDispute: true} // clears dispute_id and return_status
	payload := map[string]any{"exit_status": string(to)}

	switch to {
	case StatusRefunded:
		if rec.ReleaseAttemptedAt != nil && rec.GatewayTransferID == nil {
			return Mutation{}, fault.New(fault.KindInconsistent,
				"payment %s: unconfirmed transfer attempt; reconcile with the gateway before refunding", rec.ID)
		}
		event = EventRefunded
	case StatusApproved:
		// Provider prevailed: release immediately rather than restarting
		// the holding period.
		releaseDate := now
		changes.SetReleaseDate = true
		changes.ReleaseDate = &releaseDate
	default:
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: a resolution refunds or re-approves, not %s", rec.ID, to)
	}

	var outboxTopic string
	var outboxPayload map[string]any
	if to == StatusRefunded {
		outboxTopic = TopicRefunded
		outboxPayload = map[string]any{"payment_id": rec.ID, "case_id": rec.CaseID}
	}

	return Mutation{
		PaymentID:     rec.ID,
		FromStatus:    rec.Status,
		FromVersion:   rec.Version,
		ToStatus:      to,
		Changes:       changes,
		Event:         event,
		ActorID:       actorID,
		Payload:       payload,
		OutboxTopic:   outboxTopic,
		OutboxPayload: outboxPayload,
	}, nil
}

// BuildWithdrawalMutation constructs the payment-side mutation for a
// dispute withdrawn without a ruling: disputed -> the remembered return
// status with the dispute linkage cleared and nothing else touched. A
// payment returning to approved keeps its original release date, so the
// remaining holding period still runs.
func BuildWithdrawalMutation(rec Record, actorID string) (Mutation, error) {
	if rec.Status != StatusDisputed {
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: not disputed (status %s)", rec.ID, rec.Status)
	}
	if rec.ReturnStatus == nil {
		return Mutation{}, fault.New(fault.KindInconsistent,
			"payment %s: disputed without a return status", rec.ID)
	}
	to := *rec.ReturnStatus
	if !CanTransition(StatusDisputed, to) {
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: illegal dispute exit to %s", rec.ID, to)
	}
	return Mutation{
		PaymentID:   rec.ID,
		FromStatus:  rec.Status,
		FromVersion: rec.Version,
		ToStatus:    to,
		Changes:     Changes{SetDispute: true}, // clears dispute_id and return_status
		Event:       EventDisputeClosed,
		ActorID:     actorID,
		Payload:     map[string]any{"exit_status": string(to)},
	}, nil
}

// BuildFreezeMutation constructs the payment-side mutation for raising a
// dispute: X -> disputed with the return state remembered. Applied by the
// dispute service in the transaction that inserts the dispute row.
func BuildFreezeMutation(rec Record, disputeID, actorID, reason string) (Mutation, error) {
	if !rec.Status.Disputable() {
		if rec.Status.Terminal() {
			return Mutation{}, fault.New(fault.KindGuardViolation,
				"payment %s: cannot dispute terminal status %s", rec.ID, rec.Status)
		}
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: cannot dispute from status %s", rec.ID, rec.Status)
	}
	// Once the attempt marker is set the transfer may already be with the
	// gateway; the payment cannot be frozen until the release settles.
	// Writing the marker bumps the version, so a freeze built from a
	// pre-marker read loses the version check and re-reads into this guard.
	if rec.Status == StatusApproved && rec.ReleaseAttemptedAt != nil {
		return Mutation{}, fault.New(fault.KindGuardViolation,
			"payment %s: release in progress; dispute after it settles", rec.ID)
	}
	returnStatus := rec.Status
	return Mutation{
		PaymentID:   rec.ID,
		FromStatus:  rec.Status,
		FromVersion: rec.Version,
		ToStatus:    StatusDisputed,
		Changes: Changes{
			SetDispute:   true,
			DisputeID:    &disputeID,
			ReturnStatus: &returnStatus,
		},
		Event:   EventDisputed,
		ActorID: actorID,
		Comment: reason,
		Payload: map[string]any{"dispute_id": disputeID, "return_status": string(returnStatus)},
	}, nil
}

// guard rejects illegal transitions without mutating anything.
func (s *Service) guard(rec Record, to Status) error {
	if err := rec.CheckAmounts(); err != nil {
		s.log.Error("payment amounts inconsistent; entity frozen pending manual review",
			"payment_id", rec.ID, "err", err)
		return err
	}
	if rec.Status.Terminal() {
		return fault.New(fault.KindGuardViolation,
			"payment %s: status %s is terminal", rec.ID, rec.Status)
	}
	if !CanTransition(rec.Status, to) {
		return fault.New(fault.KindGuardViolation,
			"payment %s: illegal transition %s -> %s", rec.ID, rec.Status, to)
	}
	return nil
}

// withRetry re-reads and re-applies a mutation builder until it sticks,
// loses permanently, or the retry budget runs out.
func (s *Service) withRetry(ctx context.Context, paymentID string, build func(Record) (Mutation, error)) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		rec, err := s.store.Get(ctx, paymentID)
		if err != nil {
			return Record{}, err
		}

		m, err := build(rec)
		if err != nil {
			return Record{}, err
		}

		applied, err := s.store.Apply(ctx, m)
		switch {
		case err == nil:
			return applied, nil
		case errors.Is(err, ErrDuplicateCaptureRef):
			// Replay of an already-processed capture: success, no mutation.
			return rec, nil
		case errors.Is(err, fault.ConcurrentModification):
			lastErr = err
			continue
		default:
			return Record{}, err
		}
	}
	return Record{}, lastErr
}
