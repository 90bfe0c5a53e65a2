package views

import (
	"time"

	"github.com/google/uuid"
)

type CreateOrderRequest struct {
	ProductID     uuid.UUID `json:"productId" binding:"required"`
	Quantity      int       `json:"quantity" binding:"required,gt=0,lte=100"`
	PaymentWallet string    `json:"paymentWallet" binding:"required"`
}

type NotifyPaymentRequest struct {
	TransactionHash string `json:"transactionHash" binding:"required"`
}

type PaymentStatusResponse struct {
	OrderID               uuid.UUID `json:"orderId"`
	Status                string    `json:"status"`
	Confirmations         uint64    `json:"confirmations"`
	RequiredConfirmations uint64    `json:"requiredConfirmations"`
	TransactionHash       string    `json:"transactionHash,omitempty"`
	ExpiresAt             time.Time `json:"expiresAt"`
}

type RevenueReport struct {
	Since       time.Time `json:"since"`
	PaidOrders  int       `json:"paidOrders"`
	RevenueUSDT string    `json:"revenueUsdt"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// MonitoringReport is the sweeper's operational snapshot, recomputed on
// demand and never persisted.
type MonitoringReport struct {
	PendingOrders          int       `json:"pendingOrders"`
	ExpiredOrders          int       `json:"expiredOrders"`
	SuspiciousTransactions []Suspect `json:"suspiciousTransactions"`
	TotalVerified          int64     `json:"totalVerified"`
	LastCheck              time.Time `json:"lastCheck"`
}

// Suspect is one under-review order in the monitoring report.
type Suspect struct {
	OrderID   uuid.UUID `json:"orderId"`
	Wallet    string    `json:"wallet"`
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flaggedAt"`
}
