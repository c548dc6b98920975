package ledger

// Status is the lifecycle state of a payment record or invoice.
type Status string

const (
	StatusProcessing            Status = "processing"
	StatusCompleted             Status = "completed"
	StatusCancelledInProcessing Status = "cancelled_in_processing"
	StatusCancelled             Status = "cancelled"
	StatusRefundedInProcessing  Status = "refunded_in_processing"
	StatusRefunded              Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusCancelledInProcessing,
		StatusCancelled, StatusRefundedInProcessing, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further cancellation can apply. A cancelled
// invoice can still be refunded; a refunded one is final.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// Transition represents a status change.
type Transition struct {
	From Status
	To   Status
}

var validTransitions = map[Transition]bool{
	{StatusProcessing, StatusCompleted}:                       true, // First successful charge
	{StatusCompleted, StatusCancelledInProcessing}:            true, // Cancel requested
	{StatusCancelledInProcessing, StatusCancelled}:            true, // Platform confirmed termination
	{StatusCompleted, StatusCancelled}:                        true, // Platform-initiated termination
	{StatusCompleted, StatusRefundedInProcessing}:             true, // Refund requested
	{StatusCancelledInProcessing, StatusRefundedInProcessing}: true,
	{StatusCancelled, StatusRefundedInProcessing}:             true,
	{StatusRefundedInProcessing, StatusRefunded}:              true, // Refund confirmed
	{StatusCompleted, StatusRefunded}:                         true, // Platform-initiated refund
	{StatusCancelledInProcessing, StatusRefunded}:             true,
	{StatusCancelled, StatusRefunded}:                         true,
}

// reinstatements are only taken when the notification explicitly reverses a
// pending request (auto-renew re-enabled, refund declined).
var reinstatements = map[Transition]bool{
	{StatusCancelledInProcessing, StatusCompleted}: true,
	{StatusRefundedInProcessing, StatusCompleted}:  true,
}

// CanTransition checks if a status change is valid.
func CanTransition(from, to Status) bool {
	return validTransitions[Transition{from, to}]
}

// Decision is what the ledger does with a requested status change.
type Decision int

const (
	DecisionApply Decision = iota
	DecisionNoop           // duplicate or stale; already at or past the target
	DecisionDefer          // target requires a step that has not arrived yet
)

// Decide classifies a requested change from current to target.
func Decide(current, target Status, reinstate bool) Decision {
	if current == target {
		return DecisionNoop
	}
	if reinstate && reinstatements[Transition{current, target}] {
		return DecisionApply
	}
	if CanTransition(current, target) {
		return DecisionApply
	}
	if current == StatusProcessing && target != StatusProcessing {
		return DecisionDefer
	}
	return DecisionNoop
}
