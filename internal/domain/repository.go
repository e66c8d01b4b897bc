package domain

import "context"

// OrderRepository defines persistence for order entities.
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, orderID string) (*Order, error)
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus) error
}

// GenerationRepository defines persistence for generation entities, keyed by
// the external prediction id.
type GenerationRepository interface {
	Create(ctx context.Context, generation *Generation) error
	GetByID(ctx context.Context, generationID string) (*Generation, error)
	UpdateStatus(ctx context.Context, generationID string, status GenerationStatus, errMsg *string) error
	ListByOrderID(ctx context.Context, orderID string) ([]Generation, error)
}

// ProductRepository handles persistence for generated products.
type ProductRepository interface {
	Create(ctx context.Context, product *Product) error
	ListByGenerationID(ctx context.Context, generationID string) ([]Product, error)
}
