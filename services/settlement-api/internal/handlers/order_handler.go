package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/settlement"
	"github.com/stablepay/usdt-settlement/pkg/utils"
	pkgviews "github.com/stablepay/usdt-settlement/pkg/views"
	"github.com/stablepay/usdt-settlement/services/settlement-api/internal/views"
)

type OrderHandler struct {
	logger  *zap.Logger
	service settlement.Service
}

func NewOrderHandler(logger *zap.Logger, svc settlement.Service) *OrderHandler {
	return &OrderHandler{logger: logger, service: svc}
}

// RegisterRoutes registers order routes on the provided router group.
func (h *OrderHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/status", h.GetPaymentStatus)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/orders/:id/notify-payment", h.NotifyPayment)
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	traceID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req pkgviews.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkg.ErrorResponse{
			Code:    pkg.ErrInvalidInputCode.Code,
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), userID, req)
	if err != nil {
		h.respondError(c, traceID, err)
		return
	}
	c.JSON(http.StatusCreated, views.ToOrderResponse(order))
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	traceID, userID, ok := h.identify(c)
	if !ok {
		return
	}
	orders, err := h.service.ListOrders(c.Request.Context(), userID, 100)
	if err != nil {
		h.respondError(c, traceID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": views.ToOrderResponses(orders)})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	traceID, userID, ok := h.identify(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		h.respondError(c, traceID, err)
		return
	}
	c.JSON(http.StatusOK, views.ToOrderResponse(order))
}

func (h *OrderHandler) GetPaymentStatus(c *gin.Context) {
	traceID, userID, ok := h.identify(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	status, err := h.service.PaymentStatus(c.Request.Context(), orderID, userID)
	if err != nil {
		h.respondError(c, traceID, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	traceID, userID, ok := h.identify(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	if err := h.service.CancelOrder(c.Request.Context(), orderID, userID); err != nil {
		h.respondError(c, traceID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *OrderHandler) NotifyPayment(c *gin.Context) {
	traceID, userID, ok := h.identify(c)
	if !ok {
		return
	}
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req pkgviews.NotifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkg.ErrorResponse{
			Code:    pkg.ErrInvalidInputCode.Code,
			Message: "invalid request body",
			Details: err.Error(),
		})
		return
	}

	status, err := h.service.NotifyPayment(c.Request.Context(), orderID, userID, req.TransactionHash)
	if err != nil {
		h.respondError(c, traceID, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// identify resolves the trace ID and the calling user from headers. Auth is
// terminated upstream; the gateway forwards the authenticated user ID.
func (h *OrderHandler) identify(c *gin.Context) (string, uuid.UUID, bool) {
	traceID, err := utils.GetTraceID(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, pkg.ErrorResponse{
			Code:    pkg.ErrServerCode.Code,
			Message: err.Error(),
		})
		return "", uuid.Nil, false
	}
	userID, err := uuid.Parse(c.GetHeader(pkg.HeaderUserId))
	if err != nil {
		c.JSON(http.StatusUnauthorized, pkg.ErrorResponse{
			Code:    pkg.ErrUnauthorizedCode.Code,
			Message: "missing or malformed user id header",
		})
		return "", uuid.Nil, false
	}
	return traceID, userID, true
}

func (h *OrderHandler) orderID(c *gin.Context) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkg.ErrorResponse{
			Code:    pkg.ErrInvalidInputCode.Code,
			Message: "malformed order id",
		})
		return uuid.Nil, false
	}
	return orderID, true
}

func (h *OrderHandler) respondError(c *gin.Context, traceID string, err error) {
	resp := pkg.ToErrorResponse(h.logger, traceID, err)
	c.JSON(resp.Status, resp)
}
