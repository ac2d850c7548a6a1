package msg

// Topic names
const (
	TopicOrdersIntents    = "orders.intents"
	TopicOrdersExecutions = "orders.executions"
)

// TradeIntentMsg is a request to execute a trade. Exactly one of Qty and
// Notional is positive. IntentID is the idempotency key: redelivered intents
// with the same id must not trade twice.
type TradeIntentMsg struct {
	EventID      string  `json:"event_id"`
	IntentID     string  `json:"intent_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // "buy" or "sell"
	Qty          float64 `json:"qty,omitempty"`
	Notional     float64 `json:"notional,omitempty"`
	Urgency      string  `json:"urgency,omitempty"` // low | normal | high
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// ExecutionEventMsg reports the outcome of executing one intent.
type ExecutionEventMsg struct {
	EventID      string `json:"event_id"`
	IntentID     string `json:"intent_id"`
	OrderID      string `json:"order_id,omitempty"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Status       string `json:"status"` // "executed", "failed", "duplicate"
	Reason       string `json:"reason,omitempty"`
	TsUnixMillis int64  `json:"ts_unix_millis"`
}
