package settlement

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/repositories"
	"github.com/stablepay/usdt-settlement/pkg/views"
)

// SweeperConfig tunes the periodic reconciliation pass.
type SweeperConfig struct {
	Interval        time.Duration `mapstructure:"sweep_interval"`
	Window          time.Duration `mapstructure:"sweep_window"`
	InterOrderDelay time.Duration `mapstructure:"sweep_inter_order_delay"`
	BatchLimit      int           `mapstructure:"sweep_batch_limit"`
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.InterOrderDelay <= 0 {
		c.InterOrderDelay = 200 * time.Millisecond
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
}

// Sweeper periodically re-scans every open order as a safety net against
// lost check jobs and process restarts. It shares the settlement service
// instance used by the API and worker, adding only the risk gate: a payment
// the sweeper verifies from a suspicious payer is parked under review
// instead of paid.
type Sweeper struct {
	logger *zap.Logger
	cnf    SweeperConfig
	svc    *ServiceImpl
	orders repositories.OrderRepository
	risk   RiskAnalyzer

	totalVerified atomic.Int64
	lastCheck     atomic.Int64 // unix nanos of the last completed sweep
}

func NewSweeper(logger *zap.Logger, cnf SweeperConfig, svc *ServiceImpl, orders repositories.OrderRepository, risk RiskAnalyzer) *Sweeper {
	cnf.applyDefaults()
	return &Sweeper{
		logger: logger,
		cnf:    cnf,
		svc:    svc,
		orders: orders,
		risk:   risk,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	w.logger.Info("settlement sweeper started",
		zap.Duration("interval", w.cnf.Interval),
		zap.Duration("window", w.cnf.Window))
	ticker := time.NewTicker(w.cnf.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("settlement sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass over open orders in the recent window.
func (w *Sweeper) Sweep(ctx context.Context) {
	now := w.svc.now().UTC()
	orders, err := w.orders.ListOpenCreatedAfter(ctx, now.Add(-w.cnf.Window), w.cnf.BatchLimit)
	if err != nil {
		w.logger.Error("sweep failed to list open orders", zap.Error(err))
		return
	}

	var verified, expired int
	for i, order := range orders {
		if ctx.Err() != nil {
			return
		}
		// Space out orders so one sweep cannot saturate the shared
		// explorer rate limit.
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cnf.InterOrderDelay):
			}
		}

		outcome := w.svc.checkOrder(ctx, order, w.risk)
		if outcome.verified {
			verified++
		} else if !outcome.matched && order.Expired(w.svc.now().UTC()) {
			// Expiry applies only while no payment transaction is in
			// sight. A matched order past its window keeps waiting for
			// confirmations instead of being expired out of reach.
			changed, err := w.orders.MarkExpired(ctx, order.ID, w.svc.now().UTC())
			if err != nil {
				w.logger.Error("failed to expire order",
					zap.String(pkg.OrderId, order.ID.String()), zap.Error(err))
			} else if changed {
				expired++
				w.logger.Info("order expired", zap.String(pkg.OrderId, order.ID.String()))
			}
		}
	}

	w.totalVerified.Add(int64(verified))
	w.lastCheck.Store(w.svc.now().UTC().UnixNano())
	if len(orders) > 0 {
		w.logger.Info("sweep completed",
			zap.Int("open_orders", len(orders)),
			zap.Int("verified", verified),
			zap.Int("expired", expired))
	}
}

// Report assembles the operational snapshot from current order counts.
func (w *Sweeper) Report(ctx context.Context) (views.MonitoringReport, error) {
	counts, err := w.orders.CountByStatus(ctx)
	if err != nil {
		return views.MonitoringReport{}, err
	}

	report := views.MonitoringReport{
		PendingOrders: counts[pkg.OrderStatusPending] + counts[pkg.OrderStatusPendingConfirmations],
		ExpiredOrders: counts[pkg.OrderStatusExpired],
		TotalVerified: w.totalVerified.Load(),
	}
	if nanos := w.lastCheck.Load(); nanos > 0 {
		report.LastCheck = time.Unix(0, nanos).UTC()
	}

	flagged, err := w.orders.RecentUnderReview(ctx, w.svc.now().UTC().Add(-w.cnf.Window), 50)
	if err != nil {
		return views.MonitoringReport{}, err
	}
	for _, order := range flagged {
		report.SuspiciousTransactions = append(report.SuspiciousTransactions, views.Suspect{
			OrderID:   order.ID,
			Wallet:    order.PaymentWallet,
			Amount:    order.TotalPriceUSDT.StringFixed(2),
			Reason:    order.Message,
			FlaggedAt: order.UpdatedAt,
		})
	}
	return report, nil
}
