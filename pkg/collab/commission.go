package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg/utils"
)

// CommissionProcessor settles referral commission for a paid order.
type CommissionProcessor interface {
	ProcessCommission(ctx context.Context, orderID uuid.UUID) error
}

type CommissionProcessorImpl struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

func NewCommissionProcessor(logger *zap.Logger, baseURL string) CommissionProcessor {
	return &CommissionProcessorImpl{
		logger:  logger,
		client:  utils.NewHTTPClient(),
		baseURL: baseURL,
	}
}

func (c *CommissionProcessorImpl) ProcessCommission(ctx context.Context, orderID uuid.UUID) error {
	payload, err := json.Marshal(map[string]any{"orderId": orderID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/commissions/process", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("commission service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("commission service returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
