// Package scheduler drives the timer-based transitions: holding-period
// releases, interrupted-release recovery, work-item auto-approval and
// dispute SLA escalation. Every pass re-derives its work set from the
// database, so a restart between ticks loses nothing.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"lexflow/actor"
	"lexflow/payment"
	"lexflow/workitem"
)

var actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lexflow_scheduler_actions_total",
	Help: "Entities acted on per scheduler pass.",
}, []string{"pass", "result"})

// PaymentScanner lists payments with pending timer work.
type PaymentScanner interface {
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReleaseAttempted(ctx context.Context, limit int) ([]string, error)
}

// Releaser performs the release transition. Release is idempotent, so the
// re-scan pass can safely hit payments whose transfer already went through.
type Releaser interface {
	Release(ctx context.Context, who actor.Actor, paymentID string) (payment.Record, error)
}

// WorkItemScanner lists completed items whose review window has lapsed.
type WorkItemScanner interface {
	EligibleForAutoApproval(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Approver performs the auto-approval transition.
type Approver interface {
	AutoApprove(ctx context.Context, id string) (workitem.Record, error)
}

// DisputeEscalator flags disputes that breached the resolution SLA.
type DisputeEscalator interface {
	EscalateStale(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Scheduler struct {
	payScan  PaymentScanner
	releaser Releaser
	wiScan   WorkItemScanner
	approver Approver
	disputes DisputeEscalator
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func New(payScan PaymentScanner, releaser Releaser, wiScan WorkItemScanner, approver Approver, disputes DisputeEscalator, cfg Config, log *slog.Logger) *Scheduler {
	return &Scheduler{
		payScan:  payScan,
		releaser: releaser,
		wiScan:   wiScan,
		approver: approver,
		disputes: disputes,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled. The first pass fires
// immediately so restarts catch up without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduler pass failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("scheduler pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes all passes concurrently. Passes touch disjoint work sets
// and each action is individually guarded, so ordering between them does
// not matter.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.releaseDue(ctx) })
	g.Go(func() error { return s.recoverAttempts(ctx) })
	g.Go(func() error { return s.autoApprove(ctx) })
	g.Go(func() error { return s.escalateDisputes(ctx) })
	return g.Wait()
}

// releaseDue releases approved payments whose holding period has elapsed.
func (s *Scheduler) releaseDue(ctx context.Context) error {
	ids, err := s.payScan.DueForRelease(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.releaser.Release(ctx, actor.System, id); err != nil {
			actionsTotal.WithLabelValues("release_due", "error").Inc()
			s.log.Error("scheduled release failed", "payment_id", id, "error", err)
			continue
		}
		actionsTotal.WithLabelValues("release_due", "ok").Inc()
		s.log.Info("holding period elapsed, payment released", "payment_id", id)
	}
	return nil
}

// recoverAttempts retries payments stuck mid-release: the attempt marker was
// persisted but the process died before the transfer was recorded. The
// gateway's idempotency key prevents a double payout.
func (s *Scheduler) recoverAttempts(ctx context.Context) error {
	ids, err := s.payScan.ReleaseAttempted(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.releaser.Release(ctx, actor.System, id); err != nil {
			actionsTotal.WithLabelValues("release_recover", "error").Inc()
			s.log.Error("release recovery failed", "payment_id", id, "error", err)
			continue
		}
		actionsTotal.WithLabelValues("release_recover", "ok").Inc()
		s.log.Info("interrupted release recovered", "payment_id", id)
	}
	return nil
}

// autoApprove approves completed items whose review window has lapsed.
// Items under a payment dispute are excluded by the scan itself.
func (s *Scheduler) autoApprove(ctx context.Context) error {
	ids, err := s.wiScan.EligibleForAutoApproval(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.approver.AutoApprove(ctx, id); err != nil {
			actionsTotal.WithLabelValues("auto_approve", "error").Inc()
			s.log.Error("auto-approval failed", "work_item_id", id, "error", err)
			continue
		}
		actionsTotal.WithLabelValues("auto_approve", "ok").Inc()
		s.log.Info("review window lapsed, work item auto-approved", "work_item_id", id)
	}
	return nil
}

func (s *Scheduler) escalateDisputes(ctx context.Context) error {
	n, err := s.disputes.EscalateStale(ctx, s.cfg.BatchSize)
	if err != nil {
		actionsTotal.WithLabelValues("dispute_sla", "error").Inc()
		return err
	}
	actionsTotal.WithLabelValues("dispute_sla", "ok").Add(float64(n))
	return nil
}
