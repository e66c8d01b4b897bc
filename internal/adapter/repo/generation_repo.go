package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagen/internal/domain"
)

// GenerationRepositoryPG implements domain.GenerationRepository.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a new generation repository backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

// Create inserts a new generation record keyed by the prediction id.
func (r *GenerationRepositoryPG) Create(ctx context.Context, generation *domain.Generation) error {
	query := `
INSERT INTO generations (id, order_id, model, prompt, parameters, status, error_message, return_metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	params, err := marshalMap(generation.Parameters)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(generation.ReturnMetadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		generation.ID,
		generation.OrderID,
		generation.Model,
		generation.Prompt,
		params,
		generation.Status,
		generation.ErrorMessage,
		metadata,
	)
	return err
}

// GetByID fetches a generation by its prediction id.
func (r *GenerationRepositoryPG) GetByID(ctx context.Context, generationID string) (*domain.Generation, error) {
	query := selectGeneration + `
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, generationID)
	generation, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return generation, nil
}

// UpdateStatus updates a generation's status and optionally its error.
func (r *GenerationRepositoryPG) UpdateStatus(ctx context.Context, generationID string, status domain.GenerationStatus, errMsg *string) error {
	query := `
UPDATE generations
SET status = $2,
    error_message = COALESCE($3, error_message)
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, generationID, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByOrderID returns every generation belonging to the order, oldest first.
func (r *GenerationRepositoryPG) ListByOrderID(ctx context.Context, orderID string) ([]domain.Generation, error) {
	query := selectGeneration + `
WHERE order_id = $1
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var generations []domain.Generation
	for rows.Next() {
		generation, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, *generation)
	}
	return generations, rows.Err()
}

const selectGeneration = `
SELECT id, order_id, model, prompt, parameters, status, error_message, return_metadata, created_at
FROM generations`

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var generation domain.Generation
	var params, metadata []byte
	if err := row.Scan(
		&generation.ID,
		&generation.OrderID,
		&generation.Model,
		&generation.Prompt,
		&params,
		&generation.Status,
		&generation.ErrorMessage,
		&metadata,
		&generation.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalMap(params, &generation.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalMap(metadata, &generation.ReturnMetadata); err != nil {
		return nil, err
	}
	return &generation, nil
}
