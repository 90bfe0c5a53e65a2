// Package collab holds clients for the external collaborators settlement
// hands off to after payment is confirmed: the reward-granting service and
// the commission service. Both are black boxes that may fail; a failure
// during fulfillment triggers the compensating rollback in the settlement
// service.
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

// DrawResult is what the reward service produced for one order.
type DrawResult struct {
	DrawID uuid.UUID    `json:"drawId"`
	Items  []RewardItem `json:"items"`
}

type RewardItem struct {
	ItemID uuid.UUID `json:"itemId"`
	Name   string    `json:"name"`
	Rarity string    `json:"rarity"`
}

// RewardGranter executes the draw purchased by an order and grants its items
// to the buyer.
type RewardGranter interface {
	ExecuteDraw(ctx context.Context, orderID, productID uuid.UUID, quantity int) (*DrawResult, error)
	GrantToUser(ctx context.Context, userID uuid.UUID, item RewardItem, orderID, drawID uuid.UUID) error
}

type RewardGranterImpl struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

func NewRewardGranter(logger *zap.Logger, baseURL string) RewardGranter {
	return &RewardGranterImpl{
		logger:  logger,
		client:  utils.NewHTTPClient(),
		baseURL: baseURL,
	}
}

func (r *RewardGranterImpl) ExecuteDraw(ctx context.Context, orderID, productID uuid.UUID, quantity int) (*DrawResult, error) {
	body := map[string]any{
		"orderId":   orderID,
		"productId": productID,
		"quantity":  quantity,
	}
	var result DrawResult
	if err := r.post(ctx, "/v1/draws/execute", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *RewardGranterImpl) GrantToUser(ctx context.Context, userID uuid.UUID, item RewardItem, orderID, drawID uuid.UUID) error {
	body := map[string]any{
		"userId":  userID,
		"itemId":  item.ItemID,
		"orderId": orderID,
		"drawId":  drawID,
	}
	return r.post(ctx, "/v1/rewards/grant", body, nil)
}

func (r *RewardGranterImpl) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reward service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reward service returned %d on %s: %s", resp.StatusCode, path, string(snippet))
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed reward service response: %w", err)
	}
	return nil
}
