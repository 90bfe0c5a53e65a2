package pkg

const (
	HeaderTraceId string = "X-Trace-Id"
	HeaderUserId  string = "X-User-Id"
)

const (
	TraceId string = "trace_id"
	OrderId string = "order_id"
	TxHash  string = "tx_hash"
)

type OrderStatus string

const (
	OrderStatusPending              OrderStatus = "pending"
	OrderStatusPendingConfirmations OrderStatus = "pending_confirmations"
	OrderStatusPaid                 OrderStatus = "paid"
	OrderStatusFulfilled            OrderStatus = "fulfilled"
	OrderStatusCancelled            OrderStatus = "cancelled"
	OrderStatusExpired              OrderStatus = "expired"
	OrderStatusUnderReview          OrderStatus = "under_review"
)

// Open reports whether the order is still awaiting payment confirmation.
// Polling only ever touches open orders.
func (s OrderStatus) Open() bool {
	return s == OrderStatusPending || s == OrderStatusPendingConfirmations
}

// Terminal reports whether the order can never transition again.
// under_review requires manual intervention and is not revisited by polling.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusUnderReview:
		return true
	}
	return false
}
