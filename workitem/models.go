package workitem

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the closed work-item lifecycle enum.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusOnHold           Status = "on_hold"
	StatusCompleted        Status = "completed"
	StatusApproved         Status = "approved"
	StatusRevisionRequired Status = "revision_required"
	StatusPaid             Status = "paid"
	StatusCancelled        Status = "cancelled"
)

// transitions is the single source of truth for legal moves.
var transitions = map[Status][]Status{
	StatusPending:          {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusCompleted, StatusOnHold, StatusCancelled},
	StatusOnHold:           {StatusInProgress, StatusCancelled},
	StatusCompleted:        {StatusApproved, StatusRevisionRequired, StatusCancelled},
	StatusRevisionRequired: {StatusInProgress, StatusCancelled},
	StatusApproved:         {StatusPaid},
	StatusPaid:             nil,
	StatusCancelled:        nil,
}

// Terminal reports whether no further transition can ever succeed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
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

// Priority of a work item, for the surrounding case-management screens.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Record is one billable unit of work under a case, optionally linked 1:1 to
// a payment. The work item never moves money; it only observes payment state
// through published events.
type Record struct {
	ID         string
	CaseID     string
	ClientID   string
	ProviderID string
	PaymentID  *string

	Title       string
	Description string
	Priority    Priority
	DueDate     *time.Time

	EstimatedHours  decimal.Decimal
	ActualHours     *decimal.Decimal
	BillingRate     decimal.Decimal
	EstimatedAmount decimal.Decimal
	ActualAmount    *decimal.Decimal

	Status  Status
	Version int

	Deliverables []string

	AutoApprove     bool
	AutoApproveDays int
	EligibleDate    *time.Time
	CompletedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommunicationType tags a free-form work-item message.
type CommunicationType string

const (
	CommGeneral         CommunicationType = "general"
	CommUpdate          CommunicationType = "update"
	CommQuestion        CommunicationType = "question"
	CommApprovalRequest CommunicationType = "approval_request"
	CommRevisionRequest CommunicationType = "revision_request"
)

func ValidCommunicationType(t CommunicationType) bool {
	switch t {
	case CommGeneral, CommUpdate, CommQuestion, CommApprovalRequest, CommRevisionRequest:
		return true
	default:
		return false
	}
}

// Communication is an immutable timestamped message on a work item. Messages
// never change the item's status and are stored in arrival order.
type Communication struct {
	ID         int64
	WorkItemID string
	AuthorID   string
	Type       CommunicationType
	Body       string
	CreatedAt  time.Time
}

// ReviewDecision is the client's verdict on completed work.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionRevise  ReviewDecision = "revise"
)

// Ledger event types for work-item transitions.
const (
	EventCreated          = "WORK_ITEM_CREATED"
	EventStarted          = "WORK_ITEM_STARTED"
	EventHeld             = "WORK_ITEM_ON_HOLD"
	EventResumed          = "WORK_ITEM_RESUMED"
	EventCompleted        = "WORK_ITEM_COMPLETED"
	EventApproved         = "WORK_ITEM_APPROVED"
	EventRevisionRequired = "WORK_ITEM_REVISION_REQUIRED"
	EventPaid             = "WORK_ITEM_PAID"
	EventCancelled        = "WORK_ITEM_CANCELLED"
)

// Outbox topics published by the work-item machine.
const (
	TopicCompleted = "workitem.completed"
	TopicApproved  = "workitem.approved"
)
