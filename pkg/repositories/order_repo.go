package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/database"
	"github.com/stablepay/usdt-settlement/pkg/models"
)

const orderColumns = `id, user_id, product_id, quantity, unit_price_usdt, total_price_usdt,
	payment_wallet, receiving_wallet, chain_id, status, tx_hash, block_number, confirmations,
	message, expires_at, paid_at, fulfilled_at, cancelled_at, created_at, updated_at`

// OrderRepository is the only write path to the orders table. Status
// transitions are conditional updates keyed on the current status, so a
// transition applied twice (or raced by a concurrent check) is a safe no-op;
// each returns whether a row actually changed.
type OrderRepository interface {
	// Create inserts the order after re-checking the per-user purchase
	// cap inside the same transaction, so two concurrent orders cannot
	// both sneak under the cap. It returns false when the cap would be
	// exceeded; a maxPerUser of zero disables the check.
	Create(ctx context.Context, order models.Order, maxPerUser int) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (models.Order, error)
	FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error)
	// CountPurchases sums the quantities of a user's non-failed orders
	// for a product, for enforcing per-user purchase caps. Cancelled and
	// expired orders do not count against the cap.
	CountPurchases(ctx context.Context, userID, productID uuid.UUID) (int, error)
	// ListOpenCreatedAfter returns open orders created after cutoff,
	// oldest first, for sweeper reconciliation.
	ListOpenCreatedAfter(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)

	// RecordCandidate attaches a discovered transaction hash to an open
	// order that has none yet.
	RecordCandidate(ctx context.Context, id uuid.UUID, txHash string, blockNumber uint64) (bool, error)
	// UpdateConfirmations stores partial confirmation progress and moves a
	// pending order to pending_confirmations.
	UpdateConfirmations(ctx context.Context, id uuid.UUID, txHash string, blockNumber, confirmations uint64) (bool, error)
	// ClearTransaction detaches a hash that hard-failed verification so
	// candidate search can resume for the still-open order.
	ClearTransaction(ctx context.Context, id uuid.UUID, message string) (bool, error)
	MarkPaid(ctx context.Context, id uuid.UUID, txHash string, blockNumber, confirmations uint64, at time.Time) (bool, error)
	MarkFulfilled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkCancelled transitions from exactly the given status, which is
	// pending for user cancellation and paid for fulfillment rollback.
	MarkCancelled(ctx context.Context, id uuid.UUID, from pkg.OrderStatus, message string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkUnderReview(ctx context.Context, id uuid.UUID, message string) (bool, error)

	CountByStatus(ctx context.Context) (map[pkg.OrderStatus]int, error)
	RecentUnderReview(ctx context.Context, since time.Time, limit int) ([]models.Order, error)
	// RevenueSince sums total prices of orders paid at or after since.
	RevenueSince(ctx context.Context, since time.Time) (decimal.Decimal, int, error)
}

type OrderRepositoryImpl struct {
	db *database.DB
}

func NewOrderRepository(db *database.DB) OrderRepository {
	return &OrderRepositoryImpl{db: db}
}

func (r *OrderRepositoryImpl) Create(ctx context.Context, order models.Order, maxPerUser int) (bool, error) {
	created := true
	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if maxPerUser > 0 {
			// Lock the product row so concurrent purchases of the same
			// product serialize on the cap check.
			var productID uuid.UUID
			if err := tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`,
				order.ProductID).Scan(&productID); err != nil {
				return err
			}
			var purchased int
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(quantity), 0) FROM orders
				WHERE user_id = $1 AND product_id = $2 AND status NOT IN ($3, $4)`,
				order.UserID, order.ProductID, pkg.OrderStatusCancelled, pkg.OrderStatusExpired,
			).Scan(&purchased); err != nil {
				return err
			}
			if purchased+order.Quantity > maxPerUser {
				created = false
				return nil
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, product_id, quantity, unit_price_usdt, total_price_usdt,
				payment_wallet, receiving_wallet, chain_id, status, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			order.ID, order.UserID, order.ProductID, order.Quantity, order.UnitPriceUSDT, order.TotalPriceUSDT,
			order.PaymentWallet, order.ReceivingWallet, order.ChainID, order.Status, order.ExpiresAt,
			order.CreatedAt, order.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *OrderRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (models.Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (r *OrderRepositoryImpl) FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (r *OrderRepositoryImpl) CountPurchases(ctx context.Context, userID, productID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM orders
		WHERE user_id = $1 AND product_id = $2 AND status NOT IN ($3, $4)`,
		userID, productID, pkg.OrderStatusCancelled, pkg.OrderStatusExpired,
	).Scan(&count)
	return count, err
}

func (r *OrderRepositoryImpl) ListOpenCreatedAfter(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ($1, $2) AND created_at > $3
		ORDER BY created_at LIMIT $4`,
		pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (r *OrderRepositoryImpl) RecordCandidate(ctx context.Context, id uuid.UUID, txHash string, blockNumber uint64) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET tx_hash = $1, block_number = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5) AND tx_hash = ''`,
		txHash, blockNumber, id, pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations)
}

func (r *OrderRepositoryImpl) UpdateConfirmations(ctx context.Context, id uuid.UUID, txHash string, blockNumber, confirmations uint64) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET status = $1, tx_hash = $2, block_number = $3, confirmations = $4, updated_at = now()
		WHERE id = $5 AND status IN ($6, $7)`,
		pkg.OrderStatusPendingConfirmations, txHash, blockNumber, confirmations,
		id, pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations)
}

func (r *OrderRepositoryImpl) ClearTransaction(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET tx_hash = '', block_number = 0, confirmations = 0, message = $1,
			status = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)`,
		message, pkg.OrderStatusPending, id, pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations)
}

func (r *OrderRepositoryImpl) MarkPaid(ctx context.Context, id uuid.UUID, txHash string, blockNumber, confirmations uint64, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET status = $1, tx_hash = $2, block_number = $3, confirmations = $4,
			paid_at = COALESCE(paid_at, $5), updated_at = now()
		WHERE id = $6 AND status IN ($7, $8)`,
		pkg.OrderStatusPaid, txHash, blockNumber, confirmations, at,
		id, pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations)
}

func (r *OrderRepositoryImpl) MarkFulfilled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET status = $1, fulfilled_at = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		pkg.OrderStatusFulfilled, at, id, pkg.OrderStatusPaid)
}

func (r *OrderRepositoryImpl) MarkCancelled(ctx context.Context, id uuid.UUID, from pkg.OrderStatus, message string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET status = $1, message = $2, cancelled_at = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		pkg.OrderStatusCancelled, message, at, id, from)
}

func (r *OrderRepositoryImpl) MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ($3, $4) AND expires_at < $5`,
		pkg.OrderStatusExpired, id, pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations, at)
}

func (r *OrderRepositoryImpl) MarkUnderReview(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	return r.exec(ctx, `
		UPDATE orders SET status = $1, message = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)`,
		pkg.OrderStatusUnderReview, message, id, pkg.OrderStatusPending, pkg.OrderStatusPendingConfirmations)
}

func (r *OrderRepositoryImpl) CountByStatus(ctx context.Context) (map[pkg.OrderStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[pkg.OrderStatus]int)
	for rows.Next() {
		var status pkg.OrderStatus
		var count int
		if err = rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *OrderRepositoryImpl) RecentUnderReview(ctx context.Context, since time.Time, limit int) ([]models.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND updated_at >= $2
		ORDER BY updated_at DESC LIMIT $3`,
		pkg.OrderStatusUnderReview, since, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (r *OrderRepositoryImpl) RevenueSince(ctx context.Context, since time.Time) (decimal.Decimal, int, error) {
	var total decimal.Decimal
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_price_usdt), 0), COUNT(*) FROM orders
		WHERE status IN ($1, $2) AND paid_at >= $3`,
		pkg.OrderStatusPaid, pkg.OrderStatusFulfilled, since,
	).Scan(&total, &count)
	return total, count, err
}

func (r *OrderRepositoryImpl) exec(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &o.UnitPriceUSDT, &o.TotalPriceUSDT,
		&o.PaymentWallet, &o.ReceivingWallet, &o.ChainID, &o.Status, &o.TransactionHash,
		&o.BlockNumber, &o.Confirmations, &o.Message, &o.ExpiresAt, &o.PaidAt, &o.FulfilledAt,
		&o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
