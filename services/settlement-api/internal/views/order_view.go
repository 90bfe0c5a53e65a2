package views

import (
	"time"

	"github.com/google/uuid"

	"github.com/stablepay/usdt-settlement/pkg/models"
)

type OrderResponse struct {
	ID              uuid.UUID  `json:"id"`
	ProductID       uuid.UUID  `json:"productId"`
	Quantity        int        `json:"quantity"`
	UnitPriceUSDT   string     `json:"unitPriceUsdt"`
	TotalPriceUSDT  string     `json:"totalPriceUsdt"`
	PaymentWallet   string     `json:"paymentWallet"`
	ReceivingWallet string     `json:"receivingWallet"`
	ChainID         int64      `json:"chainId"`
	Status          string     `json:"status"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	Confirmations   uint64     `json:"confirmations"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	PaidAt          *time.Time `json:"paidAt,omitempty"`
	FulfilledAt     *time.Time `json:"fulfilledAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func ToOrderResponse(order models.Order) OrderResponse {
	return OrderResponse{
		ID:              order.ID,
		ProductID:       order.ProductID,
		Quantity:        order.Quantity,
		UnitPriceUSDT:   order.UnitPriceUSDT.StringFixed(2),
		TotalPriceUSDT:  order.TotalPriceUSDT.StringFixed(2),
		PaymentWallet:   order.PaymentWallet,
		ReceivingWallet: order.ReceivingWallet,
		ChainID:         order.ChainID,
		Status:          string(order.Status),
		TransactionHash: order.TransactionHash,
		Confirmations:   order.Confirmations,
		ExpiresAt:       order.ExpiresAt,
		PaidAt:          order.PaidAt,
		FulfilledAt:     order.FulfilledAt,
		CancelledAt:     order.CancelledAt,
		CreatedAt:       order.CreatedAt,
	}
}

func ToOrderResponses(orders []models.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, ToOrderResponse(order))
	}
	return out
}
