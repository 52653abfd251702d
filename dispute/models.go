package dispute

import "time"

// Status represents the lifecycle of a dispute record. Escalated disputes
// are still open for freeze purposes; only resolution or withdrawal lifts
// the hold on the payment.
type Status string

const (
	StatusOpen      Status = "open"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
	StatusWithdrawn Status = "withdrawn"
)

// Blocking reports whether the dispute still freezes timer-driven progress.
func (s Status) Blocking() bool {
	return s == StatusOpen || s == StatusEscalated
}

// Outcome is the human resolution decision. Resolution always requires an
// explicit decision; the scheduler only escalates, never resolves.
type Outcome string

const (
	OutcomeFavorClient   Outcome = "favor_client"
	OutcomeFavorProvider Outcome = "favor_provider"
	OutcomeSplit         Outcome = "split"
)

func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeFavorClient, OutcomeFavorProvider, OutcomeSplit:
		return true
	default:
		return false
	}
}

// Record mirrors the disputes table. A dispute is attached to exactly one
// payment and, transitively, to its work item.
type Record struct {
	ID         string
	PaymentID  string
	RaisedBy   string
	Reason     string
	Status     Status
	Outcome    *Outcome
	Resolution *string
	RaisedAt   time.Time
	ResolvedAt *time.Time
}

// Ledger event types for dispute records.
const (
	EventRaised    = "DISPUTE_RAISED"
	EventWithdrawn = "DISPUTE_WITHDRAWN"
	EventResolved  = "DISPUTE_RESOLVED"
	EventEscalated = "DISPUTE_ESCALATED"
)

// TopicEscalated is published when a dispute breaches the resolution SLA.
const TopicEscalated = "dispute.escalated"
