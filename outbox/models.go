package outbox

import "time"

// Topics published by the lifecycle engine. Routing keys on the exchange are
// the topic names verbatim.
const (
	TopicContractCreated       = "contract.created"
	TopicContractStatusChanged = "contract.status_changed"
	TopicDepositReceived       = "escrow.deposit_received"
	TopicFundsReleased         = "escrow.funds_released"
	TopicFundsRefunded         = "escrow.funds_refunded"
	TopicCompletionSubmitted   = "completion.submitted"
	TopicCompletionApproved    = "completion.approved"
	TopicCompletionRejected    = "completion.rejected"
	TopicDisputeOpened         = "dispute.opened"
	TopicDisputeResolved       = "dispute.resolved"
)

// Status values for outbox rows.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}
