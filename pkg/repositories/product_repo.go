package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/stablepay/usdt-settlement/pkg/database"
	"github.com/stablepay/usdt-settlement/pkg/models"
)

// ProductRepository provides the read-only catalog lookups used at order
// creation time.
type ProductRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (models.Product, error)
	ListActive(ctx context.Context) ([]models.Product, error)
}

type ProductRepositoryImpl struct {
	db *database.DB
}

func NewProductRepository(db *database.DB) ProductRepository {
	return &ProductRepositoryImpl{db: db}
}

func (r *ProductRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (models.Product, error) {
	var p models.Product
	err := r.db.QueryRow(ctx, `
		SELECT id, name, unit_price_usdt, max_per_user, active, created_at, updated_at
		FROM products WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.UnitPriceUSDT, &p.MaxPerUser, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *ProductRepositoryImpl) ListActive(ctx context.Context) ([]models.Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, unit_price_usdt, max_per_user, active, created_at, updated_at
		FROM products WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err = rows.Scan(&p.ID, &p.Name, &p.UnitPriceUSDT, &p.MaxPerUser, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
