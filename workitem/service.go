package workitem

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lexflow/actor"
	"lexflow/fault"
)

// TimeEntrySource supplies actual hours recorded for a work item. It is an
// optional collaborator: a nil source (or a miss) leaves estimates standing.
type TimeEntrySource interface {
	ActualHours(ctx context.Context, workItemID string) (hours decimal.Decimal, ok bool, err error)
}

// DisputeChecker reports whether a payment is frozen by an open dispute.
// Approval paths consult it so work is never approved under a live dispute.
type DisputeChecker interface {
	OpenDisputeForPayment(ctx context.Context, paymentID string) (bool, error)
}

// Config carries workflow defaults.
type Config struct {
	AutoApproveDays int
	MaxRetries      int
}

// Service owns the work-item workflow. It never moves money: the paid state
// only follows an observed payment.released event.
type Service struct {
	store    Store
	timeSrc  TimeEntrySource
	disputes DisputeChecker
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, timeSrc TimeEntrySource, disputes DisputeChecker, cfg Config, log *slog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AutoApproveDays <= 0 {
		cfg.AutoApproveDays = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		timeSrc:  timeSrc,
		disputes: disputes,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// CreateParams describes a new work item under a case.
type CreateParams struct {
	CaseID     string
	ClientID   string
	ProviderID string
	PaymentID  *string

	Title       string
	Description string
	Priority    Priority
	DueDate     *time.Time

	EstimatedHours decimal.Decimal
	BillingRate    decimal.Decimal

	AutoApprove bool
	// AutoApproveDays <= 0 takes the platform default.
	AutoApproveDays int
}

// Create stores a new pending work item.
func (s *Service) Create(ctx context.Context, who actor.Actor, params CreateParams) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	if params.CaseID == "" || params.ClientID == "" || params.ProviderID == "" {
		return Record{}, fault.New(fault.KindValidation, "workitem: case, client and provider ids required")
	}
	if params.Title == "" {
		return Record{}, fault.New(fault.KindValidation, "workitem: title required")
	}
	if params.Priority == "" {
		params.Priority = PriorityMedium
	}
	if !ValidPriority(params.Priority) {
		return Record{}, fault.New(fault.KindValidation, "workitem: invalid priority %q", params.Priority)
	}
	if params.EstimatedHours.IsNegative() || params.BillingRate.IsNegative() {
		return Record{}, fault.New(fault.KindValidation, "workitem: hours and rate must be non-negative")
	}

	days := params.AutoApproveDays
	if days <= 0 {
		days = s.cfg.AutoApproveDays
	}

	rec := Record{
		ID:              uuid.NewString(),
		CaseID:          params.CaseID,
		ClientID:        params.ClientID,
		ProviderID:      params.ProviderID,
		PaymentID:       params.PaymentID,
		Title:           params.Title,
		Description:     params.Description,
		Priority:        params.Priority,
		DueDate:         params.DueDate,
		EstimatedHours:  params.EstimatedHours,
		BillingRate:     params.BillingRate,
		EstimatedAmount: params.BillingRate.Mul(params.EstimatedHours).Round(2),
		AutoApprove:     params.AutoApprove,
		AutoApproveDays: days,
	}
	return s.store.Insert(ctx, rec, who.ID)
}

// Get loads a work item.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// ListByCase returns the case's work items, newest first.
func (s *Service) ListByCase(ctx context.Context, caseID string) ([]Record, error) {
	return s.store.ListByCase(ctx, caseID)
}

// Start begins execution: pending -> in_progress. Provider only.
func (s *Service) Start(ctx context.Context, who actor.Actor, id string) (Record, error) {
	return s.transition(ctx, who, id, StatusInProgress, EventStarted, "", func(rec Record) error {
		return s.requireProvider(who, rec)
	})
}

// Hold pauses execution: in_progress -> on_hold.
func (s *Service) Hold(ctx context.Context, who actor.Actor, id string) (Record, error) {
	return s.transition(ctx, who, id, StatusOnHold, EventHeld, "", func(rec Record) error {
		return s.requireProvider(who, rec)
	})
}

// Resume returns to execution from on_hold or revision_required.
func (s *Service) Resume(ctx context.Context, who actor.Actor, id string) (Record, error) {
	return s.transition(ctx, who, id, StatusInProgress, EventResumed, "", func(rec Record) error {
		return s.requireProvider(who, rec)
	})
}

// Submit completes the work: in_progress -> completed. Provider only;
// requires at least one deliverable reference or a non-empty description.
// Actual hours come from the time-entry collaborator when recorded,
// otherwise the estimate stands. Publishes workitem.completed for the
// payment machine.
func (s *Service) Submit(ctx context.Context, who actor.Actor, id, description string, deliverables []string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	if len(deliverables) == 0 && description == "" {
		return Record{}, fault.New(fault.KindValidation,
			"workitem: submission requires a deliverable or a description")
	}

	return s.withRetry(ctx, id, func(rec Record) (Mutation, error) {
		if err := s.requireProvider(who, rec); err != nil {
			return Mutation{}, err
		}
		if err := s.guard(rec, StatusCompleted); err != nil {
			return Mutation{}, err
		}

		completedAt := s.now().UTC()
		changes := Changes{
			Deliverables:  deliverables,
			SetCompletion: true,
			CompletedAt:   &completedAt,
		}
		if description != "" {
			changes.Description = &description
		}
		if rec.AutoApprove {
			eligible := completedAt.AddDate(0, 0, rec.AutoApproveDays)
			changes.EligibleDate = &eligible
		}

		if s.timeSrc != nil {
			hours, ok, err := s.timeSrc.ActualHours(ctx, rec.ID)
			if err != nil {
				return Mutation{}, fault.Wrap(fault.KindExternalDependency, err)
			}
			if ok {
				amount := rec.BillingRate.Mul(hours).Round(2)
				changes.SetActuals = true
				changes.ActualHours = &hours
				changes.ActualAmount = &amount
			}
		}

		payload := map[string]any{"deliverables": len(deliverables)}
		outboxPayload := map[string]any{
			"work_item_id": rec.ID,
			"case_id":      rec.CaseID,
			"note":         description,
		}
		if rec.PaymentID != nil {
			outboxPayload["payment_id"] = *rec.PaymentID
		}

		return Mutation{
			WorkItemID:    rec.ID,
			FromStatus:    rec.Status,
			FromVersion:   rec.Version,
			ToStatus:      StatusCompleted,
			Changes:       changes,
			Event:         EventCompleted,
			ActorID:       who.ID,
			Payload:       payload,
			OutboxTopic:   TopicCompleted,
			OutboxPayload: outboxPayload,
		}, nil
	})
}

// Review records the client's verdict on completed work. Approval is blocked
// while a dispute on the linked payment is open; revision requires feedback.
func (s *Service) Review(ctx context.Context, who actor.Actor, id string, decision ReviewDecision, feedback string) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}

	switch decision {
	case DecisionApprove:
		return s.approve(ctx, who, id, false)
	case DecisionRevise:
		if feedback == "" {
			return Record{}, fault.New(fault.KindValidation, "workitem: revision feedback required")
		}
		return s.transition(ctx, who, id, StatusRevisionRequired, EventRevisionRequired, feedback, func(rec Record) error {
			return s.requireClient(who, rec)
		})
	default:
		return Record{}, fault.New(fault.KindValidation, "workitem: unknown review decision %q", decision)
	}
}

// AutoApprove is the scheduler's path: completed -> approved once the
// eligibility date has passed with no client action and no open dispute.
func (s *Service) AutoApprove(ctx context.Context, id string) (Record, error) {
	return s.approve(ctx, actor.System, id, true)
}

func (s *Service) approve(ctx context.Context, who actor.Actor, id string, auto bool) (Record, error) {
	return s.withRetry(ctx, id, func(rec Record) (Mutation, error) {
		if !auto {
			if err := s.requireClient(who, rec); err != nil {
				return Mutation{}, err
			}
		} else {
			if !rec.AutoApprove {
				return Mutation{}, fault.New(fault.KindGuardViolation,
					"workitem %s: auto-approval not enabled", rec.ID)
			}
			if rec.EligibleDate == nil || s.now().Before(*rec.EligibleDate) {
				return Mutation{}, fault.New(fault.KindGuardViolation,
					"workitem %s: auto-approval not yet eligible", rec.ID)
			}
		}
		if err := s.guard(rec, StatusApproved); err != nil {
			return Mutation{}, err
		}

		if rec.PaymentID != nil && s.disputes != nil {
			open, err := s.disputes.OpenDisputeForPayment(ctx, *rec.PaymentID)
			if err != nil {
				return Mutation{}, err
			}
			if open {
				return Mutation{}, fault.New(fault.KindGuardViolation,
					"workitem %s: payment %s has an open dispute", rec.ID, *rec.PaymentID)
			}
		}

		outboxPayload := map[string]any{
			"work_item_id": rec.ID,
			"case_id":      rec.CaseID,
			"auto":         auto,
		}
		if rec.PaymentID != nil {
			outboxPayload["payment_id"] = *rec.PaymentID
		}

		return Mutation{
			WorkItemID:    rec.ID,
			FromStatus:    rec.Status,
			FromVersion:   rec.Version,
			ToStatus:      StatusApproved,
			Event:         EventApproved,
			ActorID:       who.ID,
			Payload:       map[string]any{"auto": auto},
			OutboxTopic:   TopicApproved,
			OutboxPayload: outboxPayload,
		}, nil
	})
}

// MarkPaid closes the loop when the linked payment reaches released:
// approved -> paid. Driven by the outbox dispatcher.
func (s *Service) MarkPaid(ctx context.Context, id string) (Record, error) {
	return s.transition(ctx, actor.System, id, StatusPaid, EventPaid, "", nil)
}

// Cancel voids the item from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, who actor.Actor, id string) (Record, error) {
	return s.transition(ctx, who, id, StatusCancelled, EventCancelled, "", nil)
}

// AddCommunication appends an immutable message. Allowed in any non-terminal
// state; never changes status.
func (s *Service) AddCommunication(ctx context.Context, who actor.Actor, id string, commType CommunicationType, body string) (Communication, error) {
	if err := who.Require(); err != nil {
		return Communication{}, err
	}
	if !ValidCommunicationType(commType) {
		return Communication{}, fault.New(fault.KindValidation, "workitem: invalid communication type %q", commType)
	}
	if body == "" {
		return Communication{}, fault.New(fault.KindValidation, "workitem: message body required")
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Communication{}, err
	}
	if rec.Status.Terminal() {
		return Communication{}, fault.New(fault.KindGuardViolation,
			"workitem %s: no communications on terminal status %s", rec.ID, rec.Status)
	}

	return s.store.AddCommunication(ctx, Communication{
		WorkItemID: id,
		AuthorID:   who.ID,
		Type:       commType,
		Body:       body,
	})
}

// Communications returns the item's messages in arrival order.
func (s *Service) Communications(ctx context.Context, id string) ([]Communication, error) {
	return s.store.ListCommunications(ctx, id)
}

func (s *Service) requireProvider(who actor.Actor, rec Record) error {
	if !who.CanActAs(actor.RoleProvider) || (who.Role == actor.RoleProvider && who.ID != rec.ProviderID) {
		return fault.New(fault.KindForbidden, "workitem %s: provider-only action", rec.ID)
	}
	return nil
}

func (s *Service) requireClient(who actor.Actor, rec Record) error {
	if !who.CanActAs(actor.RoleClient) || (who.Role == actor.RoleClient && who.ID != rec.ClientID) {
		return fault.New(fault.KindForbidden, "workitem %s: client-only action", rec.ID)
	}
	return nil
}

func (s *Service) guard(rec Record, to Status) error {
	if rec.Status.Terminal() {
		return fault.New(fault.KindGuardViolation,
			"workitem %s: status %s is terminal", rec.ID, rec.Status)
	}
	if !CanTransition(rec.Status, to) {
		return fault.New(fault.KindGuardViolation,
			"workitem %s: illegal transition %s -> %s", rec.ID, rec.Status, to)
	}
	return nil
}

// transition applies a simple status move with no column changes.
func (s *Service) transition(ctx context.Context, who actor.Actor, id string, to Status, event, comment string, check func(Record) error) (Record, error) {
	if err := who.Require(); err != nil {
		return Record{}, err
	}
	return s.withRetry(ctx, id, func(rec Record) (Mutation, error) {
		if check != nil {
			if err := check(rec); err != nil {
				return Mutation{}, err
			}
		}
		if err := s.guard(rec, to); err != nil {
			return Mutation{}, err
		}
		return Mutation{
			WorkItemID:  rec.ID,
			FromStatus:  rec.Status,
			FromVersion: rec.Version,
			ToStatus:    to,
			Event:       event,
			ActorID:     who.ID,
			Comment:     comment,
		}, nil
	})
}

func (s *Service) withRetry(ctx context.Context, id string, build func(Record) (Mutation, error)) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		m, err := build(rec)
		if err != nil {
			return Record{}, err
		}
		applied, err := s.store.Apply(ctx, m)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, fault.ConcurrentModification) {
			lastErr = err
			continue
		}
		return Record{}, err
	}
	return Record{}, lastErr
}
