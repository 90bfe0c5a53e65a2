package handlers

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/chain"
	"github.com/stablepay/usdt-settlement/pkg/explorer"
	"github.com/stablepay/usdt-settlement/pkg/settlement"
	"github.com/stablepay/usdt-settlement/pkg/utils"
	"github.com/stablepay/usdt-settlement/pkg/verification"
)

// ChainHandler serves the read-only chain and reporting endpoints. These are
// thin pass-throughs to the RPC accessor, the explorer client, and the
// settlement service.
type ChainHandler struct {
	logger        *zap.Logger
	rpc           chain.RPC
	verifier      verification.Engine
	explorer      *explorer.Client
	risk          settlement.RiskAnalyzer
	service       settlement.Service
	tokenContract common.Address
	tokenDecimals int32
}

func NewChainHandler(
	logger *zap.Logger,
	rpc chain.RPC,
	verifier verification.Engine,
	exp *explorer.Client,
	risk settlement.RiskAnalyzer,
	service settlement.Service,
	tokenContract string,
	tokenDecimals int32,
) *ChainHandler {
	return &ChainHandler{
		logger:        logger,
		rpc:           rpc,
		verifier:      verifier,
		explorer:      exp,
		risk:          risk,
		service:       service,
		tokenContract: common.HexToAddress(tokenContract),
		tokenDecimals: tokenDecimals,
	}
}

func (h *ChainHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/balance", h.GetBalance)
	r.GET("/wallets/:address/transfers", h.GetTransferHistory)
	r.GET("/wallets/:address/risk", h.GetRisk)
	r.GET("/transactions/:hash/confirmations", h.GetConfirmations)
	r.GET("/network/gas", h.GetGasPrice)
	r.GET("/network/stats", h.GetNetworkStats)
	r.GET("/reports/revenue", h.GetRevenueReport)
}

func (h *ChainHandler) GetBalance(c *gin.Context) {
	address, ok := h.address(c)
	if !ok {
		return
	}
	raw, err := h.rpc.TokenBalance(c.Request.Context(), h.tokenContract, common.HexToAddress(address))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"balance": decimal.NewFromBigInt(raw, -h.tokenDecimals).String(),
	})
}

func (h *ChainHandler) GetTransferHistory(c *gin.Context) {
	address, ok := h.address(c)
	if !ok {
		return
	}
	transfers := h.verifier.FindTokenTransfers(c.Request.Context(), address, 0, 0)
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

func (h *ChainHandler) GetRisk(c *gin.Context) {
	address, ok := h.address(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.risk.Assess(c.Request.Context(), address))
}

func (h *ChainHandler) GetConfirmations(c *gin.Context) {
	hash := c.Param("hash")
	receipt, err := h.rpc.TransactionReceipt(c.Request.Context(), common.HexToHash(hash))
	if chain.IsNotFound(err) {
		c.JSON(http.StatusNotFound, pkg.ErrorResponse{
			Code:    pkg.ErrRecordNotFoundCode.Code,
			Message: "transaction not found",
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	head, err := h.rpc.BlockNumber(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	var confirmations uint64
	if block := receipt.BlockNumber.Uint64(); head >= block {
		confirmations = head - block
	}
	c.JSON(http.StatusOK, gin.H{
		"hash":          hash,
		"blockNumber":   receipt.BlockNumber.Uint64(),
		"confirmations": confirmations,
		"required":      h.verifier.RequiredConfirmations(),
	})
}

func (h *ChainHandler) GetGasPrice(c *gin.Context) {
	price, err := h.rpc.SuggestGasPrice(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gasPriceWei":  price.String(),
		"gasPriceGwei": decimal.NewFromBigInt(price, -9).String(),
	})
}

func (h *ChainHandler) GetNetworkStats(c *gin.Context) {
	head, err := h.rpc.BlockNumber(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"headBlock": head,
		"explorer":  h.explorer.Snapshot(c.Request.Context()),
	})
}

func (h *ChainHandler) GetRevenueReport(c *gin.Context) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, pkg.ErrorResponse{
				Code:    pkg.ErrInvalidInputCode.Code,
				Message: "since must be RFC3339",
			})
			return
		}
		since = parsed
	}
	report, err := h.service.RevenueReport(c.Request.Context(), since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ChainHandler) address(c *gin.Context) (string, bool) {
	address := c.Param("address")
	if !chain.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, pkg.ErrorResponse{
			Code:    pkg.ErrInvalidInputCode.Code,
			Message: "malformed address",
		})
		return "", false
	}
	return address, true
}

func (h *ChainHandler) respondError(c *gin.Context, err error) {
	traceID, _ := utils.GetTraceID(c)
	resp := pkg.ToErrorResponse(h.logger, traceID, err)
	c.JSON(resp.Status, resp)
}
