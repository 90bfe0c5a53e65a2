// Package settlement owns the order lifecycle: creation, scheduled
// re-checks, explicit payment notifications, fulfillment handoff, and the
// periodic sweep. Every order mutation goes through this package; the
// verification engine only reports facts.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/chain"
	"github.com/stablepay/usdt-settlement/pkg/collab"
	"github.com/stablepay/usdt-settlement/pkg/models"
	"github.com/stablepay/usdt-settlement/pkg/repositories"
	"github.com/stablepay/usdt-settlement/pkg/scheduler"
	"github.com/stablepay/usdt-settlement/pkg/verification"
	"github.com/stablepay/usdt-settlement/pkg/views"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Config carries the merchant-side settlement parameters.
type Config struct {
	ReceivingWallet string        `mapstructure:"receiving_wallet" validate:"required"`
	ChainID         int64         `mapstructure:"chain_id" validate:"required"`
	ExpiryWindow    time.Duration `mapstructure:"order_expiry_window"`
	CheckDelay      time.Duration `mapstructure:"check_delay"`
	ScanBlocks      uint64        `mapstructure:"scan_blocks"`
}

func (c *Config) applyDefaults() {
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 30 * time.Minute
	}
	if c.CheckDelay <= 0 {
		c.CheckDelay = 60 * time.Second
	}
	if c.ScanBlocks == 0 {
		c.ScanBlocks = 1000
	}
}

type Service interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, req views.CreateOrderRequest) (models.Order, error)
	GetOrder(ctx context.Context, orderID, callerUserID uuid.UUID) (models.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error)
	PaymentStatus(ctx context.Context, orderID, callerUserID uuid.UUID) (views.PaymentStatusResponse, error)
	CancelOrder(ctx context.Context, orderID, callerUserID uuid.UUID) error
	// NotifyPayment verifies a buyer-reported transaction hash. Hard
	// verification failures are returned to the caller with the reason
	// and leave the order untouched.
	NotifyPayment(ctx context.Context, orderID, callerUserID uuid.UUID, txHash string) (views.PaymentStatusResponse, error)
	// RunScheduledCheck executes one verification check for an order. It
	// is idempotent: an order no longer open is a no-op. While the order
	// stays open and unexpired, a follow-up check is scheduled.
	RunScheduledCheck(ctx context.Context, job views.CheckJob) error
	// FulfillOrder hands a paid order to the reward and commission
	// collaborators. Any failure converts the order to cancelled so it
	// is never left ambiguously paid.
	FulfillOrder(ctx context.Context, orderID uuid.UUID) error
	RevenueReport(ctx context.Context, since time.Time) (views.RevenueReport, error)
}

type ServiceImpl struct {
	logger     *zap.Logger
	cnf        Config
	verifier   verification.Engine
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	checks     scheduler.Scheduler
	rewards    collab.RewardGranter
	commission collab.CommissionProcessor
	now        func() time.Time
}

func NewService(
	logger *zap.Logger,
	cnf Config,
	verifier verification.Engine,
	orders repositories.OrderRepository,
	products repositories.ProductRepository,
	checks scheduler.Scheduler,
	rewards collab.RewardGranter,
	commission collab.CommissionProcessor,
) *ServiceImpl {
	cnf.applyDefaults()
	return &ServiceImpl{
		logger:     logger,
		cnf:        cnf,
		verifier:   verifier,
		orders:     orders,
		products:   products,
		checks:     checks,
		rewards:    rewards,
		commission: commission,
		now:        time.Now,
	}
}

func (s *ServiceImpl) CreateOrder(ctx context.Context, userID uuid.UUID, req views.CreateOrderRequest) (models.Order, error) {
	if !chain.IsValidAddress(req.PaymentWallet) {
		return models.Order{}, pkg.NewAppError(pkg.ErrInvalidInputCode, "payment wallet is not a valid address", nil)
	}

	product, err := s.products.FindByID(ctx, req.ProductID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, pkg.NewAppError(pkg.ErrRecordNotFoundCode, "product not found", err)
	}
	if err != nil {
		return models.Order{}, pkg.NewAppError(pkg.ErrServerCode, "failed to load product", err)
	}
	if !product.Active {
		return models.Order{}, pkg.NewAppError(pkg.ErrProductInactiveCode, "product is not available", nil)
	}

	if product.MaxPerUser > 0 {
		purchased, err := s.orders.CountPurchases(ctx, userID, product.ID)
		if err != nil {
			return models.Order{}, pkg.NewAppError(pkg.ErrServerCode, "failed to check purchase cap", err)
		}
		if purchased+req.Quantity > product.MaxPerUser {
			return models.Order{}, pkg.NewAppError(pkg.ErrLimitExceededCode,
				fmt.Sprintf("purchase cap is %d per user", product.MaxPerUser), nil)
		}
	}

	now := s.now().UTC()
	order := models.Order{
		ID:              uuid.New(),
		UserID:          userID,
		ProductID:       product.ID,
		Quantity:        req.Quantity,
		UnitPriceUSDT:   product.UnitPriceUSDT,
		TotalPriceUSDT:  product.UnitPriceUSDT.Mul(decimal.NewFromInt(int64(req.Quantity))).Round(2),
		PaymentWallet:   req.PaymentWallet,
		ReceivingWallet: s.cnf.ReceivingWallet,
		ChainID:         s.cnf.ChainID,
		Status:          pkg.OrderStatusPending,
		ExpiresAt:       now.Add(s.cnf.ExpiryWindow),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := s.orders.Create(ctx, order, product.MaxPerUser)
	if err != nil {
		return models.Order{}, s.dbError(ctx, err)
	}
	if !created {
		// A concurrent order won the race for the remaining cap.
		return models.Order{}, pkg.NewAppError(pkg.ErrLimitExceededCode,
			fmt.Sprintf("purchase cap is %d per user", product.MaxPerUser), nil)
	}

	s.scheduleCheck(ctx, order.ID, 1)
	s.logger.Info("order created",
		zap.String(pkg.OrderId, order.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("total_usdt", order.TotalPriceUSDT.String()),
		zap.Time("expires_at", order.ExpiresAt))
	return order, nil
}

func (s *ServiceImpl) GetOrder(ctx context.Context, orderID, callerUserID uuid.UUID) (models.Order, error) {
	return s.loadOwned(ctx, orderID, callerUserID)
}

func (s *ServiceImpl) ListOrders(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	orders, err := s.orders.FindByUser(ctx, userID, limit)
	if err != nil {
		return nil, s.dbError(ctx, err)
	}
	return orders, nil
}

func (s *ServiceImpl) PaymentStatus(ctx context.Context, orderID, callerUserID uuid.UUID) (views.PaymentStatusResponse, error) {
	order, err := s.loadOwned(ctx, orderID, callerUserID)
	if err != nil {
		return views.PaymentStatusResponse{}, err
	}
	return s.statusOf(order), nil
}

func (s *ServiceImpl) CancelOrder(ctx context.Context, orderID, callerUserID uuid.UUID) error {
	order, err := s.loadOwned(ctx, orderID, callerUserID)
	if err != nil {
		return err
	}
	if order.Status != pkg.OrderStatusPending {
		return pkg.NewAppError(pkg.ErrInvalidStateCode,
			fmt.Sprintf("order is %s, only pending orders can be cancelled", order.Status), nil)
	}
	changed, err := s.orders.MarkCancelled(ctx, orderID, pkg.OrderStatusPending, "cancelled by user", s.now().UTC())
	if err != nil {
		return pkg.NewAppError(pkg.ErrServerCode, "failed to cancel order", err)
	}
	if !changed {
		return pkg.NewAppError(pkg.ErrInvalidStateCode, "order state changed concurrently", nil)
	}
	s.logger.Info("order cancelled", zap.String(pkg.OrderId, orderID.String()))
	return nil
}

func (s *ServiceImpl) NotifyPayment(ctx context.Context, orderID, callerUserID uuid.UUID, txHash string) (views.PaymentStatusResponse, error) {
	if !txHashRe.MatchString(txHash) {
		return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrInvalidInputCode, "malformed transaction hash", nil)
	}
	order, err := s.loadOwned(ctx, orderID, callerUserID)
	if err != nil {
		return views.PaymentStatusResponse{}, err
	}
	if !order.Status.Open() {
		return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrInvalidStateCode,
			fmt.Sprintf("order is %s", order.Status), nil)
	}

	result, err := s.verifier.Verify(ctx, txHash, order.PaymentWallet, order.ReceivingWallet, order.TotalPriceUSDT)
	if err != nil {
		return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrUpstreamCode, "verification temporarily unavailable", err)
	}

	switch {
	case result.IsValid:
		block := result.Receipt.BlockNumber.Uint64()
		changed, err := s.orders.MarkPaid(ctx, orderID, txHash, block, result.Confirmations, s.now().UTC())
		if err != nil {
			return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrServerCode, "failed to record payment", err)
		}
		if changed {
			if err = s.FulfillOrder(ctx, orderID); err != nil {
				s.logger.Error("fulfillment failed after payment notification",
					zap.String(pkg.OrderId, orderID.String()), zap.Error(err))
			}
		}
	case result.Soft:
		block := result.Receipt.BlockNumber.Uint64()
		if _, err = s.orders.UpdateConfirmations(ctx, orderID, txHash, block, result.Confirmations); err != nil {
			return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrServerCode, "failed to record confirmation progress", err)
		}
		s.scheduleCheck(ctx, orderID, 1)
	default:
		// Hard failure: the order stays open for a different, correct
		// transaction the buyer may send later.
		return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrPaymentVerificationCode, result.Reason, nil)
	}

	order, err = s.orders.FindByID(ctx, orderID)
	if err != nil {
		return views.PaymentStatusResponse{}, pkg.NewAppError(pkg.ErrServerCode, "failed to reload order", err)
	}
	return s.statusOf(order), nil
}

func (s *ServiceImpl) RunScheduledCheck(ctx context.Context, job views.CheckJob) error {
	order, err := s.orders.FindByID(ctx, job.OrderID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn("check job references unknown order", zap.String(pkg.OrderId, job.OrderID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if !order.Status.Open() {
		return nil
	}

	outcome := s.checkOrder(ctx, order, nil)
	// Expired orders are transitioned by the sweeper; stop polling them
	// here so the queue drains. An order with a matched transaction keeps
	// polling past its window: it can only leave via paid or review.
	if outcome.remainOpen && (outcome.matched || !order.Expired(s.now().UTC())) {
		s.scheduleCheck(ctx, order.ID, job.Attempt+1)
	}
	return nil
}

// checkOutcome reports what one verification pass established. matched means
// a payment transaction is attached to the order (found this pass or
// earlier), so the order must not be expired out from under it while the
// chain catches up.
type checkOutcome struct {
	remainOpen bool
	verified   bool
	matched    bool
}

// checkOrder runs one candidate-search-then-verify pass. Verification and
// explorer errors are logged, never propagated: one order's failure must not
// abort a batch or kill the polling loop. A non-nil risk gate is consulted
// before a verified payment is accepted; a suspicious payer parks the order
// under review instead.
func (s *ServiceImpl) checkOrder(ctx context.Context, order models.Order, gate RiskAnalyzer) checkOutcome {
	log := s.logger.With(zap.String(pkg.OrderId, order.ID.String()))

	txHash := order.TransactionHash
	if txHash == "" {
		transfers := s.verifier.ScanRecent(ctx, order.ReceivingWallet, s.cnf.ScanBlocks)
		match, ok := s.verifier.MatchCandidate(transfers, order.PaymentWallet, order.ReceivingWallet, order.TotalPriceUSDT, order.CreatedAt)
		if !ok {
			log.Debug("no candidate transaction found")
			return checkOutcome{remainOpen: true}
		}
		if _, err := s.orders.RecordCandidate(ctx, order.ID, match.Hash, match.Block()); err != nil {
			log.Error("failed to record candidate transaction", zap.Error(err))
			return checkOutcome{remainOpen: true, matched: true}
		}
		txHash = match.Hash
		log.Info("candidate transaction discovered", zap.String(pkg.TxHash, txHash))
	}

	result, err := s.verifier.Verify(ctx, txHash, order.PaymentWallet, order.ReceivingWallet, order.TotalPriceUSDT)
	if err != nil {
		log.Warn("verification temporarily unavailable", zap.String(pkg.TxHash, txHash), zap.Error(err))
		return checkOutcome{remainOpen: true, matched: true}
	}

	switch {
	case result.IsValid:
		if gate != nil {
			if assessment := gate.Assess(ctx, order.PaymentWallet); assessment.Suspicious {
				reason := fmt.Sprintf("risk score %d: %s", assessment.Score, strings.Join(assessment.Reasons, "; "))
				log.Warn("payer flagged as suspicious, parking order for review",
					zap.String("wallet", order.PaymentWallet),
					zap.Int("risk_score", assessment.Score))
				if _, err = s.orders.MarkUnderReview(ctx, order.ID, reason); err != nil {
					log.Error("failed to park order under review", zap.Error(err))
					return checkOutcome{remainOpen: true, matched: true}
				}
				return checkOutcome{}
			}
		}
		block := result.Receipt.BlockNumber.Uint64()
		changed, err := s.orders.MarkPaid(ctx, order.ID, txHash, block, result.Confirmations, s.now().UTC())
		if err != nil {
			log.Error("failed to mark order paid", zap.Error(err))
			return checkOutcome{remainOpen: true, matched: true}
		}
		if changed {
			log.Info("payment confirmed", zap.String(pkg.TxHash, txHash), zap.Uint64("confirmations", result.Confirmations))
			if err = s.FulfillOrder(ctx, order.ID); err != nil {
				log.Error("fulfillment failed", zap.Error(err))
			}
		}
		return checkOutcome{verified: true}
	case result.Soft:
		block := result.Receipt.BlockNumber.Uint64()
		if _, err = s.orders.UpdateConfirmations(ctx, order.ID, txHash, block, result.Confirmations); err != nil {
			log.Error("failed to update confirmations", zap.Error(err))
		}
		log.Info("awaiting confirmations",
			zap.String(pkg.TxHash, txHash),
			zap.Uint64("confirmations", result.Confirmations),
			zap.Uint64("required", s.verifier.RequiredConfirmations()))
		return checkOutcome{remainOpen: true, matched: true}
	default:
		// The recorded hash will never validate. Detach it so candidate
		// search resumes on the next cycle.
		log.Warn("verification hard failure", zap.String(pkg.TxHash, txHash), zap.String("reason", result.Reason))
		if _, err = s.orders.ClearTransaction(ctx, order.ID, result.Reason); err != nil {
			log.Error("failed to clear transaction hash", zap.Error(err))
		}
		return checkOutcome{remainOpen: true}
	}
}

func (s *ServiceImpl) FulfillOrder(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case pkg.OrderStatusFulfilled:
		return nil
	case pkg.OrderStatusPaid:
	default:
		return fmt.Errorf("order %s is %s, not paid", orderID, order.Status)
	}

	log := s.logger.With(zap.String(pkg.OrderId, orderID.String()))
	if err = s.grantRewards(ctx, order); err != nil {
		log.Error("fulfillment failed, cancelling order", zap.Error(err))
		changed, dbErr := s.orders.MarkCancelled(ctx, orderID, pkg.OrderStatusPaid,
			fmt.Sprintf("fulfillment failed: %v", err), s.now().UTC())
		if dbErr != nil {
			log.Error("failed to cancel order after fulfillment failure", zap.Error(dbErr))
		} else if changed {
			log.Warn("paid order cancelled after fulfillment failure, funds received on-chain require manual reconciliation")
		}
		return err
	}

	changed, err := s.orders.MarkFulfilled(ctx, orderID, s.now().UTC())
	if err != nil {
		return err
	}
	if changed {
		log.Info("order fulfilled")
	}
	return nil
}

func (s *ServiceImpl) grantRewards(ctx context.Context, order models.Order) error {
	draw, err := s.rewards.ExecuteDraw(ctx, order.ID, order.ProductID, order.Quantity)
	if err != nil {
		return fmt.Errorf("draw execution: %w", err)
	}
	for _, item := range draw.Items {
		if err = s.rewards.GrantToUser(ctx, order.UserID, item, order.ID, draw.DrawID); err != nil {
			return fmt.Errorf("granting item %s: %w", item.ItemID, err)
		}
	}
	if err = s.commission.ProcessCommission(ctx, order.ID); err != nil {
		return fmt.Errorf("commission processing: %w", err)
	}
	return nil
}

func (s *ServiceImpl) RevenueReport(ctx context.Context, since time.Time) (views.RevenueReport, error) {
	total, count, err := s.orders.RevenueSince(ctx, since)
	if err != nil {
		return views.RevenueReport{}, pkg.NewAppError(pkg.ErrServerCode, "failed to compute revenue", err)
	}
	return views.RevenueReport{
		Since:       since,
		PaidOrders:  count,
		RevenueUSDT: total.StringFixed(2),
		GeneratedAt: s.now().UTC(),
	}, nil
}

func (s *ServiceImpl) scheduleCheck(ctx context.Context, orderID uuid.UUID, attempt int) {
	job := views.CheckJob{
		OrderID: orderID,
		Attempt: attempt,
		DueAt:   s.now().UTC().Add(s.cnf.CheckDelay),
		TraceID: traceFromContext(ctx),
	}
	if err := s.checks.Schedule(job); err != nil {
		// The sweeper re-scans open orders, so a lost check is recovered.
		s.logger.Error("failed to schedule verification check",
			zap.String(pkg.OrderId, orderID.String()), zap.Error(err))
	}
}

// dbError funnels repository failures through the shared SQL error
// mapping so duplicates and malformed values surface with their own
// status instead of a blanket internal error.
func (s *ServiceImpl) dbError(ctx context.Context, err error) error {
	return pkg.HandleSQLError(traceFromContext(ctx), s.logger, err)
}

func traceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(pkg.TraceId).(string); ok {
		return v
	}
	return ""
}

func (s *ServiceImpl) loadOwned(ctx context.Context, orderID, callerUserID uuid.UUID) (models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, pkg.NewAppError(pkg.ErrRecordNotFoundCode, "order not found", err)
	}
	if err != nil {
		return models.Order{}, s.dbError(ctx, err)
	}
	if order.UserID != callerUserID {
		return models.Order{}, pkg.NewAppError(pkg.ErrUnauthorizedCode, "order belongs to another user", nil)
	}
	return order, nil
}

func (s *ServiceImpl) statusOf(order models.Order) views.PaymentStatusResponse {
	return views.PaymentStatusResponse{
		OrderID:               order.ID,
		Status:                string(order.Status),
		Confirmations:         order.Confirmations,
		RequiredConfirmations: s.verifier.RequiredConfirmations(),
		TransactionHash:       order.TransactionHash,
		ExpiresAt:             order.ExpiresAt,
	}
}
