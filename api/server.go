// Package api exposes the payment, work-item and dispute services over
// HTTP. Identity arrives as a bearer JWT minted by the surrounding platform;
// the handlers only translate between JSON and the service layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lexflow/actor"
	"lexflow/dispute"
	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/payment"
	"lexflow/pricing"
	"lexflow/workitem"
)

// PaymentService is the payment surface the handlers call.
type PaymentService interface {
	Create(ctx context.Context, who actor.Actor, params payment.CreateParams) (payment.Record, error)
	Get(ctx context.Context, id string) (payment.Record, error)
	ListByCase(ctx context.Context, caseID string) ([]payment.Record, error)
	RecordCapture(ctx context.Context, who actor.Actor, paymentID string, proof payment.CaptureProof) (payment.Record, error)
	Cancel(ctx context.Context, who actor.Actor, paymentID string) (payment.Record, error)
}

// WorkItemService is the work-item surface the handlers call.
type WorkItemService interface {
	Create(ctx context.Context, who actor.Actor, params workitem.CreateParams) (workitem.Record, error)
	Get(ctx context.Context, id string) (workitem.Record, error)
	ListByCase(ctx context.Context, caseID string) ([]workitem.Record, error)
	Start(ctx context.Context, who actor.Actor, id string) (workitem.Record, error)
	Submit(ctx context.Context, who actor.Actor, id, description string, deliverables []string) (workitem.Record, error)
	Review(ctx context.Context, who actor.Actor, id string, decision workitem.ReviewDecision, feedback string) (workitem.Record, error)
	AddCommunication(ctx context.Context, who actor.Actor, id string, commType workitem.CommunicationType, body string) (workitem.Communication, error)
	Communications(ctx context.Context, id string) ([]workitem.Communication, error)
}

// RateCardService is the pricing surface the handlers call. Edits never
// touch open escrows: quotes are snapshotted at payment creation.
type RateCardService interface {
	Create(ctx context.Context, params pricing.CreateParams) (pricing.RateCard, error)
	Update(ctx context.Context, id string, params pricing.CreateParams) (pricing.RateCard, error)
	Deactivate(ctx context.Context, providerID, id string) error
	Get(ctx context.Context, id string) (pricing.RateCard, error)
	ListByProvider(ctx context.Context, providerID string) ([]pricing.RateCard, error)
}

// DisputeService is the dispute surface the handlers call.
type DisputeService interface {
	Raise(ctx context.Context, who actor.Actor, paymentID, reason string) (dispute.Record, error)
	Withdraw(ctx context.Context, who actor.Actor, disputeID string) (dispute.Record, error)
	Resolve(ctx context.Context, who actor.Actor, disputeID string, outcome dispute.Outcome, resolution string) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, error)
}

// HistorySource reads an entity's append-only event history.
type HistorySource interface {
	History(ctx context.Context, entityID string) ([]ledger.Entry, error)
}

// TokenVerifier maps a bearer token onto an actor.
type TokenVerifier interface {
	Verify(tokenString string) (actor.Actor, error)
}

type Server struct {
	payments  PaymentService
	workItems WorkItemService
	disputes  DisputeService
	rateCards RateCardService
	history   HistorySource
	verifier  TokenVerifier
	log       *slog.Logger
}

func NewServer(payments PaymentService, workItems WorkItemService, disputes DisputeService, rateCards RateCardService, history HistorySource, verifier TokenVerifier, log *slog.Logger) *Server {
	return &Server{
		payments:  payments,
		workItems: workItems,
		disputes:  disputes,
		rateCards: rateCards,
		history:   history,
		verifier:  verifier,
		log:       log,
	}
}

// Handler returns the chi router with all routes mounted. The metrics and
// health endpoints sit outside the auth middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withActor)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", s.handleCreatePayment)
			r.Get("/", s.handleListPayments)
			r.Get("/{id}", s.handleGetPayment)
			r.Post("/{id}/capture", s.handleCapturePayment)
			r.Post("/{id}/cancel", s.handleCancelPayment)
		})

		r.Route("/work-items", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkItem)
			r.Get("/", s.handleListWorkItems)
			r.Get("/{id}", s.handleGetWorkItem)
			r.Post("/{id}/start", s.handleStartWorkItem)
			r.Post("/{id}/submit", s.handleSubmitWorkItem)
			r.Post("/{id}/review", s.handleReviewWorkItem)
			r.Post("/{id}/communications", s.handleAddCommunication)
			r.Get("/{id}/communications", s.handleListCommunications)
		})

		r.Route("/rate-cards", func(r chi.Router) {
			r.Post("/", s.handleCreateRateCard)
			r.Get("/", s.handleListRateCards)
			r.Get("/{id}", s.handleGetRateCard)
			r.Put("/{id}", s.handleUpdateRateCard)
			r.Post("/{id}/deactivate", s.handleDeactivateRateCard)
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Post("/", s.handleRaiseDispute)
			r.Get("/{id}", s.handleGetDispute)
			r.Post("/{id}/withdraw", s.handleWithdrawDispute)
			r.Post("/{id}/resolve", s.handleResolveDispute)
		})

		r.Get("/history/{entityID}", s.handleHistory)
	})

	return r
}

type actorKey struct{}

// withActor authenticates the bearer token and stores the actor in the
// request context.
func (s *Server) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		who, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, who)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) actor.Actor {
	who, _ := r.Context().Value(actorKey{}).(actor.Actor)
	return who
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": msg}})
}

// writeFault maps the error taxonomy onto HTTP status codes.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindGuardViolation, fault.KindConcurrentModification:
		status = http.StatusConflict
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindForbidden:
		status = http.StatusForbidden
	case fault.KindExternalDependency:
		status = http.StatusBadGateway
	case fault.KindInconsistent:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
