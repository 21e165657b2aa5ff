package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/escolalink/escola-api/internal/models"
)

// MappingRepository manages the Kiwify product to course lookup table.
type MappingRepository struct {
	db *sqlx.DB
}

// NewMappingRepository constructs a MappingRepository.
func NewMappingRepository(db *sqlx.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// CourseIDForProduct resolves a Kiwify product to its course. Returns
// sql.ErrNoRows for unmapped products.
func (r *MappingRepository) CourseIDForProduct(ctx context.Context, kiwifyProductID string) (string, error) {
	const query = `SELECT course_id FROM kiwify_product_mappings WHERE kiwify_product_id = $1 LIMIT 1`
	var courseID string
	if err := r.db.GetContext(ctx, &courseID, query, kiwifyProductID); err != nil {
		if err == sql.ErrNoRows {
			return "", err
		}
		return "", fmt.Errorf("resolve product mapping: %w", err)
	}
	return courseID, nil
}

// List returns all mappings ordered by product id.
func (r *MappingRepository) List(ctx context.Context) ([]models.ProductMapping, error) {
	const query = `SELECT id, kiwify_product_id, course_id, created_at, updated_at FROM kiwify_product_mappings ORDER BY kiwify_product_id`
	var mappings []models.ProductMapping
	if err := r.db.SelectContext(ctx, &mappings, query); err != nil {
		return nil, fmt.Errorf("list product mappings: %w", err)
	}
	return mappings, nil
}

// Upsert inserts or replaces the course mapped to a product.
func (r *MappingRepository) Upsert(ctx context.Context, mapping *models.ProductMapping) error {
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now
	const query = `INSERT INTO kiwify_product_mappings (id, kiwify_product_id, course_id, created_at, updated_at)
        VALUES (:id, :kiwify_product_id, :course_id, :created_at, :updated_at)
        ON CONFLICT (kiwify_product_id) DO UPDATE SET course_id = EXCLUDED.course_id, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, mapping); err != nil {
		return fmt.Errorf("upsert product mapping: %w", err)
	}
	return nil
}

// Delete removes the mapping for a product and reports whether a row existed.
func (r *MappingRepository) Delete(ctx context.Context, kiwifyProductID string) (bool, error) {
	const query = `DELETE FROM kiwify_product_mappings WHERE kiwify_product_id = $1`
	res, err := r.db.ExecContext(ctx, query, kiwifyProductID)
	if err != nil {
		return false, fmt.Errorf("delete product mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mapping rows affected: %w", err)
	}
	return affected > 0, nil
}
