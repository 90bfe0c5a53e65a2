package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product maps to table `products`
type Product struct {
	ID            uuid.UUID
	Name          string
	UnitPriceUSDT decimal.Decimal
	MaxPerUser    int // 0 = unlimited
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
