package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexflow/actor"
	"lexflow/fault"
	"lexflow/payment"
)

// Payments is the slice of the payment service disputes depend on: reading
// current state to build freeze and exit mutations, and triggering the
// release path after a provider-favor resolution.
type Payments interface {
	Get(ctx context.Context, id string) (payment.Record, error)
	Release(ctx context.Context, who actor.Actor, paymentID string) (payment.Record, error)
}

type Config struct {
	SLADays    int
	MaxRetries int
}

// Service owns the dispute lifecycle. Raising freezes the payment, closing
// unfreezes it; both sides always move in one transaction via the Store.
type Service struct {
	store    Store
	payments Payments
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, payments Payments, cfg Config, log *slog.Logger) *Service {
	return &Service{store: store, payments: payments, cfg: cfg, log: log, now: time.Now}
}

// Raise opens a dispute against the payment and freezes it in place. Only
// the payment's client or provider may raise; one blocking dispute per
// payment at a time.
func (s *Service) Raise(ctx context.Context, who actor.Actor, paymentID, reason string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return Record{}, fault.New(fault.KindValidation, "dispute: reason is required")
	}

	disputeID := uuid.NewString()
	rec := Record{ID: disputeID, PaymentID: paymentID, RaisedBy: who.ID, Reason: reason}

	var created Record
	err := s.retryOnRace(func() error {
		pay, err := s.payments.Get(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := s.requireParty(who, pay); err != nil {
			return err
		}
		freeze, err := payment.BuildFreezeMutation(pay, disputeID, who.ID, reason)
		if err != nil {
			return err
		}
		created, err = s.store.CreateWithFreeze(ctx, rec, freeze)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	s.log.Info("dispute raised",
		"dispute_id", created.ID, "payment_id", paymentID, "raised_by", who.ID)
	return created, nil
}

// Withdraw closes the dispute without a ruling and restores the payment to
// the status it held when the dispute was raised. Only the raiser, or an
// admin, may withdraw.
func (s *Service) Withdraw(ctx context.Context, who actor.Actor, disputeID string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if d.RaisedBy != who.ID && !who.CanActAs() {
		return Record{}, fault.New(fault.KindForbidden,
			"dispute %s: only the raiser may withdraw", disputeID)
	}
	if !d.Status.Blocking() {
		return Record{}, fault.New(fault.KindGuardViolation,
			"dispute %s: already closed (status %s)", disputeID, d.Status)
	}

	var closed Record
	err = s.retryOnRace(func() error {
		pay, err := s.payments.Get(ctx, d.PaymentID)
		if err != nil {
			return err
		}
		// Withdrawal restores the payment as it was frozen; in particular
		// the original release date survives, so a payment that returns to
		// approved still serves out its remaining holding period.
		exit, err := payment.BuildWithdrawalMutation(pay, who.ID)
		if err != nil {
			return err
		}
		closed, err = s.store.CloseWithRelease(ctx, CloseParams{
			DisputeID: disputeID,
			ToStatus:  StatusWithdrawn,
			ActorID:   who.ID,
		}, exit)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	s.log.Info("dispute withdrawn", "dispute_id", disputeID, "payment_id", d.PaymentID)
	return closed, nil
}

// Resolve records an admin ruling. Favor-provider sends the payment back to
// approved and releases immediately; favor-client and split refund. A split
// refunds in full here, with the partial settlement handled off-platform and
// noted in the resolution text.
func (s *Service) Resolve(ctx context.Context, who actor.Actor, disputeID string, outcome Outcome, resolution string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	if !who.CanActAs() {
		return Record{}, fault.New(fault.KindForbidden, "dispute: only admins resolve disputes")
	}
	if !ValidOutcome(outcome) {
		return Record{}, fault.New(fault.KindValidation, "dispute: unknown outcome %q", outcome)
	}
	if strings.TrimSpace(resolution) == "" {
		return Record{}, fault.New(fault.KindValidation, "dispute: resolution note is required")
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if !d.Status.Blocking() {
		return Record{}, fault.New(fault.KindGuardViolation,
			"dispute %s: already closed (status %s)", disputeID, d.Status)
	}

	exitStatus := payment.StatusRefunded
	if outcome == OutcomeFavorProvider {
		exitStatus = payment.StatusApproved
	}

	var closed Record
	err = s.retryOnRace(func() error {
		pay, err := s.payments.Get(ctx, d.PaymentID)
		if err != nil {
			return err
		}
		exit, err := payment.BuildResolutionMutation(pay, exitStatus, who.ID, s.now().UTC())
		if err != nil {
			return err
		}
		closed, err = s.store.CloseWithRelease(ctx, CloseParams{
			DisputeID:  disputeID,
			ToStatus:   StatusResolved,
			Outcome:    &outcome,
			Resolution: &resolution,
			ActorID:    who.ID,
		}, exit)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	s.log.Info("dispute resolved",
		"dispute_id", disputeID, "payment_id", d.PaymentID, "outcome", string(outcome))

	if outcome == OutcomeFavorProvider {
		// Release right away; if the gateway is down the approved payment
		// carries release_date = now and the scheduler picks it up.
		if _, err := s.payments.Release(ctx, actor.System, d.PaymentID); err != nil {
			s.log.Warn("post-resolution release deferred to scheduler",
				"payment_id", d.PaymentID, "error", err)
		}
	}
	return closed, nil
}

// EscalateStale flags disputes that breached the resolution SLA. Returns the
// number of disputes escalated in this pass.
func (s *Service) EscalateStale(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.SLADays)
	stale, err := s.store.StaleOpen(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range stale {
		if _, err := s.store.Escalate(ctx, d.ID); err != nil {
			s.log.Error("dispute escalation failed", "dispute_id", d.ID, "error", err)
			continue
		}
		s.log.Warn("dispute breached resolution SLA",
			"dispute_id", d.ID, "payment_id", d.PaymentID, "raised_at", d.RaisedAt)
		n++
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByPayment(ctx context.Context, paymentID string) ([]Record, error) {
	return s.store.ListByPayment(ctx, paymentID)
}

// OpenForPayment implements the freeze check used by the work-item service.
func (s *Service) OpenForPayment(ctx context.Context, paymentID string) (bool, error) {
	return s.store.OpenDisputeForPayment(ctx, paymentID)
}

func (s *Service) requireParty(who actor.Actor, pay payment.Record) error {
	if who.CanActAs() {
		return nil
	}
	if who.ID == pay.ClientID || who.ID == pay.ProviderID {
		return nil
	}
	return fault.New(fault.KindForbidden,
		"payment %s: actor %s is not a party to this payment", pay.ID, who.ID)
}

// retryOnRace reruns fn when the payment's optimistic update lost a race,
// rebuilding the mutation from fresh state each attempt.
func (s *Service) retryOnRace(fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, fault.ConcurrentModification) {
			return err
		}
	}
	return fmt.Errorf("dispute: retries exhausted: %w", err)
}
