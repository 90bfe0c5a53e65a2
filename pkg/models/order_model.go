package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stablepay/usdt-settlement/pkg"
)

// Order maps to table `orders`. It is the durable unit of settlement work:
// created at purchase time, transitioned by the settlement service only,
// never deleted.
type Order struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	ProductID       uuid.UUID
	Quantity        int
	UnitPriceUSDT   decimal.Decimal
	TotalPriceUSDT  decimal.Decimal
	PaymentWallet   string // buyer address expected to send the transfer
	ReceivingWallet string // merchant collection address
	ChainID         int64
	Status          pkg.OrderStatus
	TransactionHash string // empty until a candidate transaction is recorded
	BlockNumber     uint64
	Confirmations   uint64
	Message         string // last verification/cancellation note, for operators
	ExpiresAt       time.Time
	PaidAt          *time.Time
	FulfilledAt     *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the payment window has closed at the given instant.
func (o Order) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
