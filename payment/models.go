package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"lexflow/fault"
	"lexflow/pricing"
)

// Status is the closed escrow lifecycle enum.
type Status string

const (
	StatusPending       Status = "pending"
	StatusReceived      Status = "received"
	StatusWorkSubmitted Status = "work_submitted"
	StatusApproved      Status = "approved"
	StatusReleased      Status = "released"
	StatusRefunded      Status = "refunded"
	StatusCancelled     Status = "cancelled"
	StatusDisputed      Status = "disputed"
)

// transitions is the single source of truth for legal moves. disputed may
// return to approved only through dispute resolution in the provider's
// favor; release then flows along the ordinary approved -> released edge so
// the release-attempt restart scan covers it.
var transitions = map[Status][]Status{
	StatusPending:       {StatusReceived, StatusCancelled},
	StatusReceived:      {StatusWorkSubmitted, StatusDisputed},
	StatusWorkSubmitted: {StatusApproved, StatusDisputed},
	StatusApproved:      {StatusReleased, StatusDisputed},
	StatusDisputed:      {StatusRefunded, StatusReceived, StatusWorkSubmitted, StatusApproved},
	StatusReleased:      nil,
	StatusRefunded:      nil,
	StatusCancelled:     nil,
}

// Terminal reports whether no further transition can ever succeed.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Disputable reports whether a dispute may be raised from this state.
func (s Status) Disputable() bool {
	return CanTransition(s, StatusDisputed)
}

// Record is one escrow transaction tied to one case and one
// (client, provider) pair. Amounts are snapshotted at creation and never
// recomputed.
type Record struct {
	ID         string
	CaseID     string
	ClientID   string
	ProviderID string
	RateCardID string
	Tier       pricing.Tier

	BaseAmount  decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
	Currency    string

	Status  Status
	Version int

	HoldingDays      int
	ImmediateRelease bool
	ReleaseDate      *time.Time

	DisputeID    *string
	ReturnStatus *Status

	GatewayOrderID    string
	GatewayPaymentRef *string
	GatewayTransferID *string

	SubmissionNote     *string
	ReleaseAttemptedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckAmounts enforces total == base + tax. A mismatch is a bug, not a
// transient condition: the record is reported inconsistent and callers must
// freeze it pending manual review.
func (r Record) CheckAmounts() error {
	if !r.TotalAmount.Equal(r.BaseAmount.Add(r.TaxAmount)) {
		return fault.New(fault.KindInconsistent,
			"payment %s: total %s != base %s + tax %s",
			r.ID, r.TotalAmount, r.BaseAmount, r.TaxAmount)
	}
	return nil
}

// CaptureProof is the normalized gateway webhook payload confirming that
// client funds were captured into escrow.
type CaptureProof struct {
	OrderID    string
	PaymentRef string
	Signature  string
	Amount     decimal.Decimal
}

// Ledger event types for payment transitions.
const (
	EventCreated          = "PAYMENT_CREATED"
	EventCaptured         = "PAYMENT_CAPTURED"
	EventWorkSubmitted    = "PAYMENT_WORK_SUBMITTED"
	EventApproved         = "PAYMENT_APPROVED"
	EventReleaseAttempted = "PAYMENT_RELEASE_ATTEMPTED"
	EventReleased         = "PAYMENT_RELEASED"
	EventRefunded         = "PAYMENT_REFUNDED"
	EventCancelled        = "PAYMENT_CANCELLED"
	EventDisputed         = "PAYMENT_DISPUTED"
	EventDisputeClosed    = "PAYMENT_DISPUTE_CLOSED"
)

// Outbox topics published by the payment machine.
const (
	TopicReleased = "payment.released"
	TopicRefunded = "payment.refunded"
	TopicCaptured = "payment.captured"
)
