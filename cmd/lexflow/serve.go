package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lexflow/actor"
	"lexflow/api"
	"lexflow/config"
	"lexflow/db"
	"lexflow/dispute"
	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/outbox"
	"lexflow/payment"
	"lexflow/pricing"
	"lexflow/scheduler"
	"lexflow/workitem"
)

// services bundles everything serve and scheduler wire up from one pool.
type services struct {
	pool      *pgxpool.Pool
	payments  *payment.Service
	payRepo   *payment.Repository
	workItems *workitem.Service
	wiRepo    *workitem.Repository
	disputes  *dispute.Service
	cards     *pricing.Repository
	history   *ledger.Reader
	worker    *outbox.Worker
	log       *slog.Logger
}

func buildServices(ctx context.Context, cfg config.Config, log *slog.Logger) (*services, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}

	taxRate, err := decimal.NewFromString(cfg.Billing.TaxRatePercent)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse tax rate %q: %w", cfg.Billing.TaxRatePercent, err)
	}

	cards := pricing.NewRepository(pool)
	payRepo := payment.NewRepository(pool)
	payments := payment.NewService(payRepo, cards, newHMACGateway(cfg.Gateway.Secret), payment.Config{
		Currency:           cfg.Billing.Currency,
		TaxRatePercent:     taxRate,
		DefaultHoldingDays: cfg.Billing.DefaultHoldingDays,
		MaxRetries:         cfg.Billing.MaxRetries,
	}, log)

	dispRepo := dispute.NewRepository(pool)
	disputes := dispute.NewService(dispRepo, payments, dispute.Config{
		SLADays:    cfg.Billing.DisputeSLADays,
		MaxRetries: cfg.Billing.MaxRetries,
	}, log)

	wiRepo := workitem.NewRepository(pool)
	workItems := workitem.NewService(wiRepo, nil, dispRepo, workitem.Config{
		AutoApproveDays: cfg.Billing.AutoApproveDays,
		MaxRetries:      cfg.Billing.MaxRetries,
	}, log)

	worker := outbox.NewWorker(pool, cfg.SchedulerInterval(), cfg.Scheduler.BatchSize, 5, log)
	registerHandlers(worker, payments, workItems, wiRepo, log)

	return &services{
		pool:      pool,
		payments:  payments,
		payRepo:   payRepo,
		workItems: workItems,
		wiRepo:    wiRepo,
		disputes:  disputes,
		cards:     cards,
		history:   ledger.NewReader(pool),
		worker:    worker,
		log:       log,
	}, nil
}

// registerHandlers wires the outbox topics that couple the payment and
// work-item machines together.
func registerHandlers(worker *outbox.Worker, payments *payment.Service, workItems *workitem.Service, wiRepo *workitem.Repository, log *slog.Logger) {
	worker.Register(workitem.TopicCompleted, func(ctx context.Context, payload map[string]any) error {
		paymentID, ok := payload["payment_id"].(string)
		if !ok || paymentID == "" {
			return nil
		}
		note, _ := payload["note"].(string)
		_, err := payments.MarkWorkSubmitted(ctx, paymentID, note)
		if errors.Is(err, fault.GuardViolation) {
			// Redelivery after a crash: the payment already moved on.
			return nil
		}
		return err
	})

	worker.Register(workitem.TopicApproved, func(ctx context.Context, payload map[string]any) error {
		paymentID, ok := payload["payment_id"].(string)
		if !ok || paymentID == "" {
			return nil
		}
		_, err := payments.Approve(ctx, actor.System, paymentID)
		if errors.Is(err, fault.GuardViolation) {
			return nil
		}
		return err
	})

	worker.Register(payment.TopicReleased, func(ctx context.Context, payload map[string]any) error {
		paymentID, ok := payload["payment_id"].(string)
		if !ok || paymentID == "" {
			return nil
		}
		ids, err := wiRepo.IDsByPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := workItems.MarkPaid(ctx, id); err != nil && !errors.Is(err, fault.GuardViolation) {
				return err
			}
		}
		return nil
	})

	// Notification fan-out to the surrounding platform happens off-process;
	// these handlers record the event stream until that integration lands.
	for _, topic := range []string{payment.TopicCaptured, payment.TopicRefunded, dispute.TopicEscalated} {
		worker.Register(topic, func(_ context.Context, payload map[string]any) error {
			log.Info("event published", "topic", topic, "payload", payload)
			return nil
		})
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox worker and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svcs, err := buildServices(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svcs.pool.Close()

			sched := scheduler.New(svcs.payRepo, svcs.payments, svcs.wiRepo, svcs.workItems, svcs.disputes,
				scheduler.Config{Interval: cfg.SchedulerInterval(), BatchSize: cfg.Scheduler.BatchSize}, log)

			server := &http.Server{
				Addr: cfg.Server.Addr,
				Handler: api.NewServer(svcs.payments, svcs.workItems, svcs.disputes, svcs.cards, svcs.history,
					actor.NewVerifier(cfg.Auth.JWTSecret), log).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("http server listening", "addr", cfg.Server.Addr)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return ignoreCancel(svcs.worker.Run(ctx)) })
			g.Go(func() error { return ignoreCancel(sched.Run(ctx)) })

			return g.Wait()
		},
	}
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run only the timer scheduler and outbox worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svcs, err := buildServices(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svcs.pool.Close()

			sched := scheduler.New(svcs.payRepo, svcs.payments, svcs.wiRepo, svcs.workItems, svcs.disputes,
				scheduler.Config{Interval: cfg.SchedulerInterval(), BatchSize: cfg.Scheduler.BatchSize}, log)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCancel(svcs.worker.Run(ctx)) })
			g.Go(func() error { return ignoreCancel(sched.Run(ctx)) })
			return g.Wait()
		},
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
