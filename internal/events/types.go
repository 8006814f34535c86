package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventSignalReceived  Event = "signal.received"
	EventSignalDuplicate Event = "signal.duplicate"
	EventSignalRejected  Event = "signal.rejected"
	EventOrderCreated    Event = "order.created"
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderFailed     Event = "order.failed"
	EventOrderReconciled Event = "order.reconciled"
	EventOrderFilled     Event = "order.filled"
	EventPositionUpdated Event = "position.updated"
	EventBreakerState    Event = "breaker.state"
)

// OrderEvent is the payload for order lifecycle topics.
type OrderEvent struct {
	OrderID       string
	Symbol        string
	Side          string
	Status        string
	BrokerOrderID string
}

// PositionEvent is the payload for position.updated.
type PositionEvent struct {
	Symbol   string
	Size     string
	AvgPrice string
}

// BreakerEvent is the payload for breaker.state.
type BreakerEvent struct {
	From string
	To   string
}
