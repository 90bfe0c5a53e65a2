package views

import (
	"time"

	"github.com/google/uuid"
)

// CheckJob is the payload carried on the verification-check topic. Each job
// asks the worker to re-verify one order no earlier than DueAt. Delivery is
// at-least-once; the settlement service treats duplicate checks as no-ops.
type CheckJob struct {
	OrderID uuid.UUID `json:"orderId" validate:"required"`
	Attempt int       `json:"attempt" validate:"min=1"`
	DueAt   time.Time `json:"dueAt" validate:"required"`
	TraceID string    `json:"traceId"`
}
