package models

import "time"

// Kiwify webhook event types the processor acts on. Any other type is
// acknowledged without side effects.
const (
	KiwifyEventPurchaseApproved     = "purchase_approved"
	KiwifyEventSubscriptionActive   = "subscription_activated"
	KiwifyEventPurchaseRefunded     = "purchase_refunded"
	KiwifyEventSubscriptionCanceled = "subscription_canceled"
)

// Purchase status values mirrored from the provider.
const (
	PurchaseStatusApproved = "approved"
	PurchaseStatusRefunded = "refunded"
	PurchaseStatusCanceled = "canceled"
)

// KiwifyEvent is the decoded webhook payload.
type KiwifyEvent struct {
	Event string `json:"webhook_event_type"`
	Order struct {
		TransactionID string  `json:"order_id"`
		ProductID     string  `json:"product_id"`
		Status        string  `json:"order_status"`
		Amount        float64 `json:"charge_amount"`
		ApprovedDate  string  `json:"approved_date"`
		Customer      struct {
			Email    string `json:"email"`
			FullName string `json:"full_name"`
		} `json:"Customer"`
	} `json:"order"`
}

// KiwifyPurchase is one recorded provider transaction. TransactionID is the
// natural idempotency key: redelivery updates, never duplicates.
type KiwifyPurchase struct {
	ID              string     `db:"id" json:"id"`
	TransactionID   string     `db:"transaction_id" json:"transaction_id"`
	KiwifyProductID string     `db:"kiwify_product_id" json:"kiwify_product_id"`
	BuyerEmail      string     `db:"buyer_email" json:"buyer_email"`
	PurchaseDate    time.Time  `db:"purchase_date" json:"purchase_date"`
	Status          string     `db:"status" json:"status"`
	Amount          float64    `db:"amount" json:"amount"`
	UserID          *string    `db:"user_id" json:"user_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// ProductMapping maps a Kiwify product to an internal course. Maintained by
// the super-admin console, read-only to the webhook processor.
type ProductMapping struct {
	ID              string    `db:"id" json:"id"`
	KiwifyProductID string    `db:"kiwify_product_id" json:"kiwify_product_id"`
	CourseID        string    `db:"course_id" json:"course_id"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}
