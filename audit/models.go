package audit

import "time"

// Action names a discrete state change recorded in the trail.
type Action string

const (
	ActionContractCreated   Action = "CONTRACT_CREATED"
	ActionContractOffered   Action = "CONTRACT_OFFERED"
	ActionContractAccepted  Action = "CONTRACT_ACCEPTED"
	ActionContractActivated Action = "CONTRACT_ACTIVATED"
	ActionContractCompleted Action = "CONTRACT_COMPLETED"
	ActionContractDisputed  Action = "CONTRACT_DISPUTED"
	ActionContractResumed   Action = "CONTRACT_RESUMED"
	ActionContractCancelled Action = "CONTRACT_CANCELLED"

	ActionChangeProposed Action = "CHANGE_PROPOSED"
	ActionChangeAccepted Action = "CHANGE_ACCEPTED"
	ActionChangeRejected Action = "CHANGE_REJECTED"

	ActionEscrowOpened    Action = "ESCROW_OPENED"
	ActionDepositReceived Action = "DEPOSIT_RECEIVED"
	ActionFundsReleased   Action = "FUNDS_RELEASED"
	ActionFundsRefunded   Action = "FUNDS_REFUNDED"
	ActionEscrowAdjusted  Action = "ESCROW_ADJUSTED"
	ActionEscrowHeld      Action = "ESCROW_HELD"
	ActionHoldCleared     Action = "ESCROW_HOLD_CLEARED"
	ActionEntriesVoided   Action = "SCHEDULE_ENTRIES_VOIDED"
	ActionPaymentFailed   Action = "PAYMENT_FAILED"

	ActionMilestoneStarted   Action = "MILESTONE_STARTED"
	ActionMilestoneCompleted Action = "MILESTONE_COMPLETED"
	ActionMilestoneBlocked   Action = "MILESTONE_BLOCKED"
	ActionMilestoneUnblocked Action = "MILESTONE_UNBLOCKED"

	ActionCompletionSubmitted Action = "COMPLETION_SUBMITTED"
	ActionCompletionApproved  Action = "COMPLETION_APPROVED"
	ActionCompletionRejected  Action = "COMPLETION_REJECTED"
	ActionCompletionDisputed  Action = "COMPLETION_DISPUTED"

	ActionDisputeOpened      Action = "DISPUTE_OPENED"
	ActionDisputeUnderReview Action = "DISPUTE_UNDER_REVIEW"
	ActionDisputeMediated    Action = "DISPUTE_MEDIATED"
	ActionDisputeResolved    Action = "DISPUTE_RESOLVED"
)

// ActorSystem attributes entries written without a human actor.
const ActorSystem = "system"

// Entry is an immutable audit record. Details must be JSON encodable.
type Entry struct {
	ID         int64
	ContractID string
	Action     Action
	Actor      string
	Timestamp  time.Time
	Details    map[string]any
}
