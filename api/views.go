package api

import (
	"time"

	"github.com/shopspring/decimal"

	"lexflow/dispute"
	"lexflow/ledger"
	"lexflow/payment"
	"lexflow/pricing"
	"lexflow/workitem"
)

// The view structs pin the wire format so internal record layout can move
// without breaking clients.

type paymentView struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	ClientID   string `json:"client_id"`
	ProviderID string `json:"provider_id"`
	RateCardID string `json:"rate_card_id"`
	Tier       string `json:"tier"`

	BaseAmount  decimal.Decimal `json:"base_amount"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`

	Status  string `json:"status"`
	Version int    `json:"version"`

	HoldingDays      int        `json:"holding_days"`
	ImmediateRelease bool       `json:"immediate_release"`
	ReleaseDate      *time.Time `json:"release_date,omitempty"`

	DisputeID    *string `json:"dispute_id,omitempty"`
	ReturnStatus *string `json:"return_status,omitempty"`

	GatewayOrderID    string  `json:"gateway_order_id"`
	GatewayPaymentRef *string `json:"gateway_payment_ref,omitempty"`
	GatewayTransferID *string `json:"gateway_transfer_id,omitempty"`

	SubmissionNote *string `json:"submission_note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toPaymentView(rec payment.Record) paymentView {
	var returnStatus *string
	if rec.ReturnStatus != nil {
		s := string(*rec.ReturnStatus)
		returnStatus = &s
	}
	return paymentView{
		ID:                rec.ID,
		CaseID:            rec.CaseID,
		ClientID:          rec.ClientID,
		ProviderID:        rec.ProviderID,
		RateCardID:        rec.RateCardID,
		Tier:              string(rec.Tier),
		BaseAmount:        rec.BaseAmount,
		TaxAmount:         rec.TaxAmount,
		TotalAmount:       rec.TotalAmount,
		Currency:          rec.Currency,
		Status:            string(rec.Status),
		Version:           rec.Version,
		HoldingDays:       rec.HoldingDays,
		ImmediateRelease:  rec.ImmediateRelease,
		ReleaseDate:       rec.ReleaseDate,
		DisputeID:         rec.DisputeID,
		ReturnStatus:      returnStatus,
		GatewayOrderID:    rec.GatewayOrderID,
		GatewayPaymentRef: rec.GatewayPaymentRef,
		GatewayTransferID: rec.GatewayTransferID,
		SubmissionNote:    rec.SubmissionNote,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

type workItemView struct {
	ID         string  `json:"id"`
	CaseID     string  `json:"case_id"`
	ClientID   string  `json:"client_id"`
	ProviderID string  `json:"provider_id"`
	PaymentID  *string `json:"payment_id,omitempty"`

	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`

	EstimatedHours  decimal.Decimal  `json:"estimated_hours"`
	ActualHours     *decimal.Decimal `json:"actual_hours,omitempty"`
	BillingRate     decimal.Decimal  `json:"billing_rate"`
	EstimatedAmount decimal.Decimal  `json:"estimated_amount"`
	ActualAmount    *decimal.Decimal `json:"actual_amount,omitempty"`

	Status  string `json:"status"`
	Version int    `json:"version"`

	Deliverables []string `json:"deliverables"`

	AutoApprove     bool       `json:"auto_approve"`
	AutoApproveDays int        `json:"auto_approve_days"`
	EligibleDate    *time.Time `json:"eligible_date,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toWorkItemView(rec workitem.Record) workItemView {
	return workItemView{
		ID:              rec.ID,
		CaseID:          rec.CaseID,
		ClientID:        rec.ClientID,
		ProviderID:      rec.ProviderID,
		PaymentID:       rec.PaymentID,
		Title:           rec.Title,
		Description:     rec.Description,
		Priority:        string(rec.Priority),
		DueDate:         rec.DueDate,
		EstimatedHours:  rec.EstimatedHours,
		ActualHours:     rec.ActualHours,
		BillingRate:     rec.BillingRate,
		EstimatedAmount: rec.EstimatedAmount,
		ActualAmount:    rec.ActualAmount,
		Status:          string(rec.Status),
		Version:         rec.Version,
		Deliverables:    rec.Deliverables,
		AutoApprove:     rec.AutoApprove,
		AutoApproveDays: rec.AutoApproveDays,
		EligibleDate:    rec.EligibleDate,
		CompletedAt:     rec.CompletedAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

type communicationView struct {
	ID         int64     `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	AuthorID   string    `json:"author_id"`
	Type       string    `json:"type"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

func toCommunicationView(c workitem.Communication) communicationView {
	return communicationView{
		ID:         c.ID,
		WorkItemID: c.WorkItemID,
		AuthorID:   c.AuthorID,
		Type:       string(c.Type),
		Body:       c.Body,
		CreatedAt:  c.CreatedAt,
	}
}

type disputeView struct {
	ID         string     `json:"id"`
	PaymentID  string     `json:"payment_id"`
	RaisedBy   string     `json:"raised_by"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	Outcome    *string    `json:"outcome,omitempty"`
	Resolution *string    `json:"resolution,omitempty"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func toDisputeView(rec dispute.Record) disputeView {
	var outcome *string
	if rec.Outcome != nil {
		s := string(*rec.Outcome)
		outcome = &s
	}
	return disputeView{
		ID:         rec.ID,
		PaymentID:  rec.PaymentID,
		RaisedBy:   rec.RaisedBy,
		Reason:     rec.Reason,
		Status:     string(rec.Status),
		Outcome:    outcome,
		Resolution: rec.Resolution,
		RaisedAt:   rec.RaisedAt,
		ResolvedAt: rec.ResolvedAt,
	}
}

type historyEntryView struct {
	EntityID   string         `json:"entity_id"`
	Seq        int            `json:"seq"`
	EntityKind string         `json:"entity_kind"`
	EventType  string         `json:"event_type"`
	PrevStatus string         `json:"prev_status,omitempty"`
	NewStatus  string         `json:"new_status"`
	ActorID    string         `json:"actor_id"`
	Comment    string         `json:"comment,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toHistoryView(entries []ledger.Entry) []historyEntryView {
	out := make([]historyEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryView{
			EntityID:   e.EntityID,
			Seq:        e.Seq,
			EntityKind: string(e.EntityKind),
			EventType:  e.EventType,
			PrevStatus: e.PrevStatus,
			NewStatus:  e.NewStatus,
			ActorID:    e.ActorID,
			Comment:    e.Comment,
			Payload:    e.Payload,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

type rateCardView struct {
	ID                 string          `json:"id"`
	ProviderID         string          `json:"provider_id"`
	BaseRate           decimal.Decimal `json:"base_rate"`
	BillingUnit        string          `json:"billing_unit"`
	MinimumCharge      decimal.Decimal `json:"minimum_charge"`
	AdvancePercent     decimal.Decimal `json:"advance_percent"`
	SimpleMultiplier   decimal.Decimal `json:"simple_multiplier"`
	ModerateMultiplier decimal.Decimal `json:"moderate_multiplier"`
	ComplexMultiplier  decimal.Decimal `json:"complex_multiplier"`
	Active             bool            `json:"active"`
	CapacityLimit      int             `json:"capacity_limit"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toRateCardView(card pricing.RateCard) rateCardView {
	return rateCardView{
		ID:                 card.ID,
		ProviderID:         card.ProviderID,
		BaseRate:           card.BaseRate,
		BillingUnit:        string(card.Unit),
		MinimumCharge:      card.MinimumCharge,
		AdvancePercent:     card.AdvancePercent,
		SimpleMultiplier:   card.SimpleMultiplier,
		ModerateMultiplier: card.ModerateMultiplier,
		ComplexMultiplier:  card.ComplexMultiplier,
		Active:             card.Active,
		CapacityLimit:      card.CapacityLimit,
		CreatedAt:          card.CreatedAt,
		UpdatedAt:          card.UpdatedAt,
	}
}
