package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagen/internal/domain"
)

// OrderRepositoryPG implements domain.OrderRepository.
type OrderRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new order repository backed by PostgreSQL.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepositoryPG {
	return &OrderRepositoryPG{pool: pool}
}

// Create inserts a new order record.
func (r *OrderRepositoryPG) Create(ctx context.Context, order *domain.Order) error {
	query := `
INSERT INTO orders (id, model, prompt, base_parameters, status, project_id)
VALUES ($1, $2, $3, $4, $5, $6);
`
	params, err := marshalMap(order.BaseParameters)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		order.ID,
		order.Model,
		order.Prompt,
		params,
		order.Status,
		nullableString(order.ProjectID),
	)
	return err
}

// GetByID fetches an order by its identifier.
func (r *OrderRepositoryPG) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `
SELECT id, model, prompt, base_parameters, status, COALESCE(project_id, ''), created_at
FROM orders
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, orderID)
	var order domain.Order
	var params []byte
	if err := row.Scan(
		&order.ID,
		&order.Model,
		&order.Prompt,
		&params,
		&order.Status,
		&order.ProjectID,
		&order.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalMap(params, &order.BaseParameters); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatus advances the order's status.
func (r *OrderRepositoryPG) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	query := `
UPDATE orders
SET status = $2
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, orderID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
