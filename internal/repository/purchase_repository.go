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

// PurchaseRepository manages persistence for Kiwify purchase records.
type PurchaseRepository struct {
	db *sqlx.DB
}

// NewPurchaseRepository constructs a PurchaseRepository.
func NewPurchaseRepository(db *sqlx.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// Upsert inserts the purchase or, when the transaction_id already exists,
// updates the mutable fields. Redelivery of the same event is therefore a
// no-op beyond rewriting identical values.
func (r *PurchaseRepository) Upsert(ctx context.Context, purchase *models.KiwifyPurchase) error {
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = now
	}
	purchase.UpdatedAt = now
	const query = `INSERT INTO kiwify_purchases (id, transaction_id, kiwify_product_id, buyer_email, purchase_date, status, amount, user_id, created_at, updated_at)
        VALUES (:id, :transaction_id, :kiwify_product_id, :buyer_email, :purchase_date, :status, :amount, :user_id, :created_at, :updated_at)
        ON CONFLICT (transaction_id) DO UPDATE SET status = EXCLUDED.status, amount = EXCLUDED.amount, user_id = EXCLUDED.user_id, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, purchase); err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of the purchase identified by transaction id
// and returns the number of rows matched. Zero means the purchase was never
// recorded.
func (r *PurchaseRepository) UpdateStatus(ctx context.Context, transactionID, status string) (int64, error) {
	const query = `UPDATE kiwify_purchases SET status = $2, updated_at = $3 WHERE transaction_id = $1`
	res, err := r.db.ExecContext(ctx, query, transactionID, status, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("update purchase status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purchase rows affected: %w", err)
	}
	return affected, nil
}

// FindByTransactionID returns the stored purchase for a transaction.
func (r *PurchaseRepository) FindByTransactionID(ctx context.Context, transactionID string) (*models.KiwifyPurchase, error) {
	const query = `SELECT id, transaction_id, kiwify_product_id, buyer_email, purchase_date, status, amount, user_id, created_at, updated_at FROM kiwify_purchases WHERE transaction_id = $1 LIMIT 1`
	var purchase models.KiwifyPurchase
	if err := r.db.GetContext(ctx, &purchase, query, transactionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find purchase: %w", err)
	}
	return &purchase, nil
}

// ListAll returns every recorded purchase, newest first. Used by tenant
// backup exports.
func (r *PurchaseRepository) ListAll(ctx context.Context) ([]models.KiwifyPurchase, error) {
	const query = `SELECT id, transaction_id, kiwify_product_id, buyer_email, purchase_date, status, amount, user_id, created_at, updated_at FROM kiwify_purchases ORDER BY purchase_date DESC`
	var purchases []models.KiwifyPurchase
	if err := r.db.SelectContext(ctx, &purchases, query); err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	return purchases, nil
}
