package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"lexflow/actor"
	"lexflow/dispute"
	"lexflow/payment"
	"lexflow/pricing"
	"lexflow/workitem"
)

type createPaymentRequest struct {
	CaseID           string `json:"case_id"`
	ClientID         string `json:"client_id"`
	ProviderID       string `json:"provider_id"`
	RateCardID       string `json:"rate_card_id"`
	Tier             string `json:"tier"`
	HoldingDays      int    `json:"holding_days"`
	ImmediateRelease bool   `json:"immediate_release"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.payments.Create(r.Context(), actorFrom(r), payment.CreateParams{
		CaseID:           req.CaseID,
		ClientID:         req.ClientID,
		ProviderID:       req.ProviderID,
		RateCardID:       req.RateCardID,
		Tier:             pricing.Tier(req.Tier),
		HoldingDays:      req.HoldingDays,
		ImmediateRelease: req.ImmediateRelease,
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentView(rec))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentView(rec))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	caseID := r.URL.Query().Get("case_id")
	if caseID == "" {
		writeError(w, http.StatusBadRequest, "case_id query parameter required")
		return
	}
	recs, err := s.payments.ListByCase(r.Context(), caseID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	views := make([]paymentView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toPaymentView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

type capturePaymentRequest struct {
	OrderID    string          `json:"order_id"`
	PaymentRef string          `json:"payment_ref"`
	Signature  string          `json:"signature"`
	Amount     decimal.Decimal `json:"amount"`
}

func (s *Server) handleCapturePayment(w http.ResponseWriter, r *http.Request) {
	var req capturePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.payments.RecordCapture(r.Context(), actorFrom(r), chi.URLParam(r, "id"), payment.CaptureProof{
		OrderID:    req.OrderID,
		PaymentRef: req.PaymentRef,
		Signature:  req.Signature,
		Amount:     req.Amount,
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentView(rec))
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.payments.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentView(rec))
}

type createWorkItemRequest struct {
	CaseID     string  `json:"case_id"`
	ClientID   string  `json:"client_id"`
	ProviderID string  `json:"provider_id"`
	PaymentID  *string `json:"payment_id"`

	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`

	EstimatedHours decimal.Decimal `json:"estimated_hours"`
	BillingRate    decimal.Decimal `json:"billing_rate"`

	AutoApprove     bool `json:"auto_approve"`
	AutoApproveDays int  `json:"auto_approve_days"`
}

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req createWorkItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.workItems.Create(r.Context(), actorFrom(r), workitem.CreateParams{
		CaseID:          req.CaseID,
		ClientID:        req.ClientID,
		ProviderID:      req.ProviderID,
		PaymentID:       req.PaymentID,
		Title:           req.Title,
		Description:     req.Description,
		Priority:        workitem.Priority(req.Priority),
		DueDate:         req.DueDate,
		EstimatedHours:  req.EstimatedHours,
		BillingRate:     req.BillingRate,
		AutoApprove:     req.AutoApprove,
		AutoApproveDays: req.AutoApproveDays,
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkItemView(rec))
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	rec, err := s.workItems.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemView(rec))
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	caseID := r.URL.Query().Get("case_id")
	if caseID == "" {
		writeError(w, http.StatusBadRequest, "case_id query parameter required")
		return
	}
	recs, err := s.workItems.ListByCase(r.Context(), caseID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	views := make([]workItemView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toWorkItemView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStartWorkItem(w http.ResponseWriter, r *http.Request) {
	rec, err := s.workItems.Start(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemView(rec))
}

type submitWorkItemRequest struct {
	Description  string   `json:"description"`
	Deliverables []string `json:"deliverables"`
}

func (s *Server) handleSubmitWorkItem(w http.ResponseWriter, r *http.Request) {
	var req submitWorkItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.workItems.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Description, req.Deliverables)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemView(rec))
}

type reviewWorkItemRequest struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleReviewWorkItem(w http.ResponseWriter, r *http.Request) {
	var req reviewWorkItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.workItems.Review(r.Context(), actorFrom(r), chi.URLParam(r, "id"),
		workitem.ReviewDecision(req.Decision), req.Feedback)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemView(rec))
}

type addCommunicationRequest struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

func (s *Server) handleAddCommunication(w http.ResponseWriter, r *http.Request) {
	var req addCommunicationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.workItems.AddCommunication(r.Context(), actorFrom(r), chi.URLParam(r, "id"),
		workitem.CommunicationType(req.Type), req.Body)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommunicationView(c))
}

func (s *Server) handleListCommunications(w http.ResponseWriter, r *http.Request) {
	comms, err := s.workItems.Communications(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	views := make([]communicationView, 0, len(comms))
	for _, c := range comms {
		views = append(views, toCommunicationView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

type raiseDisputeRequest struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.disputes.Raise(r.Context(), actorFrom(r), req.PaymentID, req.Reason)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(rec))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

func (s *Server) handleWithdrawDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputes.Withdraw(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

type resolveDisputeRequest struct {
	Outcome    string `json:"outcome"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.disputes.Resolve(r.Context(), actorFrom(r), chi.URLParam(r, "id"),
		dispute.Outcome(req.Outcome), req.Resolution)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

type rateCardRequest struct {
	ProviderID         string          `json:"provider_id"`
	BaseRate           decimal.Decimal `json:"base_rate"`
	BillingUnit        string          `json:"billing_unit"`
	MinimumCharge      decimal.Decimal `json:"minimum_charge"`
	AdvancePercent     decimal.Decimal `json:"advance_percent"`
	SimpleMultiplier   decimal.Decimal `json:"simple_multiplier"`
	ModerateMultiplier decimal.Decimal `json:"moderate_multiplier"`
	ComplexMultiplier  decimal.Decimal `json:"complex_multiplier"`
	CapacityLimit      int             `json:"capacity_limit"`
}

func (r rateCardRequest) toParams() pricing.CreateParams {
	return pricing.CreateParams{
		ProviderID:         r.ProviderID,
		BaseRate:           r.BaseRate,
		Unit:               pricing.BillingUnit(r.BillingUnit),
		MinimumCharge:      r.MinimumCharge,
		AdvancePercent:     r.AdvancePercent,
		SimpleMultiplier:   r.SimpleMultiplier,
		ModerateMultiplier: r.ModerateMultiplier,
		ComplexMultiplier:  r.ComplexMultiplier,
		CapacityLimit:      r.CapacityLimit,
	}
}

// requireCardOwner admits the card's provider and platform operators.
func (s *Server) requireCardOwner(w http.ResponseWriter, r *http.Request, providerID string) bool {
	who := actorFrom(r)
	if who.ID == providerID && who.Role == actor.RoleProvider {
		return true
	}
	if who.CanActAs() {
		return true
	}
	writeError(w, http.StatusForbidden, "only the owning provider may manage this rate card")
	return false
}

func (s *Server) handleCreateRateCard(w http.ResponseWriter, r *http.Request) {
	var req rateCardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireCardOwner(w, r, req.ProviderID) {
		return
	}
	card, err := s.rateCards.Create(r.Context(), req.toParams())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateCardView(card))
}

func (s *Server) handleGetRateCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.rateCards.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateCardView(card))
}

func (s *Server) handleListRateCards(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "provider_id query parameter required")
		return
	}
	cards, err := s.rateCards.ListByProvider(r.Context(), providerID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	views := make([]rateCardView, 0, len(cards))
	for _, card := range cards {
		views = append(views, toRateCardView(card))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUpdateRateCard(w http.ResponseWriter, r *http.Request) {
	var req rateCardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireCardOwner(w, r, req.ProviderID) {
		return
	}
	card, err := s.rateCards.Update(r.Context(), chi.URLParam(r, "id"), req.toParams())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateCardView(card))
}

func (s *Server) handleDeactivateRateCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.rateCards.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if !s.requireCardOwner(w, r, card.ProviderID) {
		return
	}
	if err := s.rateCards.Deactivate(r.Context(), card.ProviderID, card.ID); err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.History(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryView(entries))
}
