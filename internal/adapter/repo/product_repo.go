package repo

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"imagen/internal/domain"
)

// ProductRepositoryPG implements domain.ProductRepository.
type ProductRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewProductRepository creates a new product repository backed by PostgreSQL.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepositoryPG {
	return &ProductRepositoryPG{pool: pool}
}

// Create inserts a new product record.
func (r *ProductRepositoryPG) Create(ctx context.Context, product *domain.Product) error {
	query := `
INSERT INTO products (id, generation_id, kind, file_path, width, height, format, file_size, favorite, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	metadata, err := marshalMap(product.Metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		product.ID,
		product.GenerationID,
		product.Kind,
		product.FilePath,
		product.Width,
		product.Height,
		product.Format,
		product.FileSize,
		product.Favorite,
		metadata,
	)
	return err
}

// ListByGenerationID returns every product of a generation, oldest first.
func (r *ProductRepositoryPG) ListByGenerationID(ctx context.Context, generationID string) ([]domain.Product, error) {
	query := `
SELECT id, generation_id, kind, file_path, width, height, format, file_size, favorite, metadata, created_at
FROM products
WHERE generation_id = $1
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, query, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var product domain.Product
		var metadata []byte
		if err := rows.Scan(
			&product.ID,
			&product.GenerationID,
			&product.Kind,
			&product.FilePath,
			&product.Width,
			&product.Height,
			&product.Format,
			&product.FileSize,
			&product.Favorite,
			&metadata,
			&product.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := unmarshalMap(metadata, &product.Metadata); err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

// marshalMap encodes a parameter map for a jsonb column, mapping nil to
// SQL NULL.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalMap decodes a jsonb column into a map, leaving nil for NULL.
func unmarshalMap(data []byte, dest *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// nullableString maps the empty string to SQL NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
