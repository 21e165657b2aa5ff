package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/escolalink/escola-api/internal/models"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
)

type webhookPurchaseRepository interface {
	Upsert(ctx context.Context, purchase *models.KiwifyPurchase) error
	UpdateStatus(ctx context.Context, transactionID, status string) (int64, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*models.KiwifyPurchase, error)
}

type webhookMappingRepository interface {
	CourseIDForProduct(ctx context.Context, kiwifyProductID string) (string, error)
}

type webhookAccessRepository interface {
	Grant(ctx context.Context, studentID, courseID string) error
	Revoke(ctx context.Context, studentID, courseID string) error
}

type webhookUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type webhookStudentRepository interface {
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
}

type mappingCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// WebhookOutcome labels what processing an event amounted to.
type WebhookOutcome string

const (
	OutcomeGranted      WebhookOutcome = "access_granted"
	OutcomeRevoked      WebhookOutcome = "access_revoked"
	OutcomeUnmapped     WebhookOutcome = "product_unmapped"
	OutcomeUnknownBuyer WebhookOutcome = "buyer_unknown"
	OutcomeNotStudent   WebhookOutcome = "buyer_not_student"
	OutcomeIgnored      WebhookOutcome = "ignored"
)

// WebhookResult is returned for every accepted event.
type WebhookResult struct {
	Outcome WebhookOutcome `json:"outcome"`
	Message string         `json:"message"`
}

const mappingCacheKeyPrefix = "kiwify:mapping:"

// WebhookService applies Kiwify payment events. Each event is recorded
// exactly once (purchase rows are upserted by transaction_id) and the derived
// course-access grant is reconciled with the event's implied state.
type WebhookService struct {
	purchases       webhookPurchaseRepository
	mappings        webhookMappingRepository
	access          webhookAccessRepository
	users           webhookUserRepository
	students        webhookStudentRepository
	cache           mappingCache
	secret          []byte
	mappingCacheTTL time.Duration
	logger          *zap.Logger
	metrics         *MetricsService
}

// NewWebhookService constructs the webhook processor.
func NewWebhookService(
	purchases webhookPurchaseRepository,
	mappings webhookMappingRepository,
	access webhookAccessRepository,
	users webhookUserRepository,
	students webhookStudentRepository,
	cache mappingCache,
	secret string,
	mappingCacheTTL time.Duration,
	logger *zap.Logger,
	metrics *MetricsService,
) *WebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mappingCacheTTL <= 0 {
		mappingCacheTTL = 10 * time.Minute
	}
	return &WebhookService{
		purchases:       purchases,
		mappings:        mappings,
		access:          access,
		users:           users,
		students:        students,
		cache:           cache,
		secret:          []byte(secret),
		mappingCacheTTL: mappingCacheTTL,
		logger:          logger,
		metrics:         metrics,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// provided signature header in constant time.
func (s *WebhookService) VerifySignature(body []byte, signature string) bool {
	if signature == "" || len(s.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body) //nolint:errcheck
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Process decodes and applies one event. The caller must have verified the
// signature already.
func (s *WebhookService) Process(ctx context.Context, body []byte) (*WebhookResult, error) {
	var event models.KiwifyEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidPayload.Code, appErrors.ErrInvalidPayload.Status, "malformed webhook payload")
	}

	var (
		result *WebhookResult
		err    error
	)
	switch event.Event {
	case models.KiwifyEventPurchaseApproved, models.KiwifyEventSubscriptionActive:
		result, err = s.applyApproval(ctx, event)
	case models.KiwifyEventPurchaseRefunded:
		result, err = s.applyRevocation(ctx, event, models.PurchaseStatusRefunded)
	case models.KiwifyEventSubscriptionCanceled:
		result, err = s.applyRevocation(ctx, event, models.PurchaseStatusCanceled)
	default:
		s.logger.Info("ignoring unhandled kiwify event", zap.String("event", event.Event))
		result = &WebhookResult{Outcome: OutcomeIgnored, Message: "event type not handled"}
	}

	if err != nil {
		s.metrics.RecordKiwifyEvent(event.Event, "error")
		return nil, err
	}
	s.metrics.RecordKiwifyEvent(event.Event, string(result.Outcome))
	return result, nil
}

// applyApproval records the purchase and grants course access when the
// product is mapped and the buyer resolves to a student. Unmapped products
// and unknown buyers are informational outcomes, not errors: the purchase is
// still durably recorded.
func (s *WebhookService) applyApproval(ctx context.Context, event models.KiwifyEvent) (*WebhookResult, error) {
	buyer, err := s.resolveBuyer(ctx, event.Order.Customer.Email)
	if err != nil {
		return nil, err
	}

	purchase := &models.KiwifyPurchase{
		TransactionID:   event.Order.TransactionID,
		KiwifyProductID: event.Order.ProductID,
		BuyerEmail:      event.Order.Customer.Email,
		PurchaseDate:    parsePurchaseDate(event.Order.ApprovedDate),
		Status:          models.PurchaseStatusApproved,
		Amount:          event.Order.Amount,
	}
	if buyer != nil {
		purchase.UserID = &buyer.ID
	}
	if err := s.purchases.Upsert(ctx, purchase); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to record purchase")
	}

	courseID, err := s.resolveCourse(ctx, event.Order.ProductID)
	if err != nil {
		return nil, err
	}
	if courseID == "" {
		s.logger.Info("purchase recorded for unmapped product",
			zap.String("transaction_id", event.Order.TransactionID),
			zap.String("kiwify_product_id", event.Order.ProductID))
		return &WebhookResult{Outcome: OutcomeUnmapped, Message: "purchase recorded, product not mapped to a course"}, nil
	}

	if buyer == nil {
		s.logger.Info("purchase recorded for unknown buyer",
			zap.String("transaction_id", event.Order.TransactionID),
			zap.String("buyer_email", event.Order.Customer.Email))
		return &WebhookResult{Outcome: OutcomeUnknownBuyer, Message: "purchase recorded, buyer has no profile"}, nil
	}

	student, err := s.resolveStudent(ctx, buyer.ID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		s.logger.Info("purchase recorded for non-student buyer",
			zap.String("transaction_id", event.Order.TransactionID),
			zap.String("user_id", buyer.ID))
		return &WebhookResult{Outcome: OutcomeNotStudent, Message: "purchase recorded, buyer is not a student"}, nil
	}

	if err := s.access.Grant(ctx, student.ID, courseID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to grant course access")
	}

	s.logger.Info("course access granted",
		zap.String("transaction_id", event.Order.TransactionID),
		zap.String("student_id", student.ID),
		zap.String("course_id", courseID))
	return &WebhookResult{Outcome: OutcomeGranted, Message: "purchase recorded and access granted"}, nil
}

// applyRevocation flips the stored purchase status and removes the matching
// grant. A refund for a transaction that was never recorded is a hard
// failure: the zero-row update is surfaced so the provider keeps retrying
// instead of the event disappearing.
func (s *WebhookService) applyRevocation(ctx context.Context, event models.KiwifyEvent, status string) (*WebhookResult, error) {
	affected, err := s.purchases.UpdateStatus(ctx, event.Order.TransactionID, status)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to update purchase status")
	}
	if affected == 0 {
		s.logger.Warn("revocation for unknown transaction",
			zap.String("transaction_id", event.Order.TransactionID),
			zap.String("event", event.Event))
		return nil, appErrors.Clone(appErrors.ErrPersistence, "no purchase recorded for transaction")
	}

	purchase, err := s.purchases.FindByTransactionID(ctx, event.Order.TransactionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load purchase")
	}

	if purchase.UserID == nil {
		s.logger.Info("purchase status updated, no buyer profile to revoke",
			zap.String("transaction_id", purchase.TransactionID))
		return &WebhookResult{Outcome: OutcomeUnknownBuyer, Message: "purchase updated, buyer has no profile"}, nil
	}

	student, err := s.resolveStudent(ctx, *purchase.UserID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		s.logger.Info("purchase status updated, buyer is not a student",
			zap.String("transaction_id", purchase.TransactionID))
		return &WebhookResult{Outcome: OutcomeNotStudent, Message: "purchase updated, buyer is not a student"}, nil
	}

	courseID, err := s.resolveCourse(ctx, purchase.KiwifyProductID)
	if err != nil {
		return nil, err
	}
	if courseID == "" {
		s.logger.Info("purchase status updated, product no longer mapped",
			zap.String("transaction_id", purchase.TransactionID),
			zap.String("kiwify_product_id", purchase.KiwifyProductID))
		return &WebhookResult{Outcome: OutcomeUnmapped, Message: "purchase updated, product not mapped to a course"}, nil
	}

	if err := s.access.Revoke(ctx, student.ID, courseID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to revoke course access")
	}

	s.logger.Info("course access revoked",
		zap.String("transaction_id", purchase.TransactionID),
		zap.String("student_id", student.ID),
		zap.String("course_id", courseID))
	return &WebhookResult{Outcome: OutcomeRevoked, Message: "purchase updated and access revoked"}, nil
}

// resolveBuyer maps the buyer email to a user profile, nil when none exists.
func (s *WebhookService) resolveBuyer(ctx context.Context, email string) (*models.User, error) {
	if email == "" {
		return nil, nil
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to resolve buyer")
	}
	return user, nil
}

// resolveStudent maps a user id to its student profile, nil when the user is
// not a student.
func (s *WebhookService) resolveStudent(ctx context.Context, userID string) (*models.Student, error) {
	student, err := s.students.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to resolve student")
	}
	return student, nil
}

// resolveCourse looks up the course mapped to a product, reading through the
// cache. Returns "" for unmapped products; negative results are not cached.
func (s *WebhookService) resolveCourse(ctx context.Context, kiwifyProductID string) (string, error) {
	key := mappingCacheKeyPrefix + kiwifyProductID

	if s.cache != nil {
		var cached string
		if err := s.cache.Get(ctx, key, &cached); err == nil && cached != "" {
			s.metrics.RecordCacheOperation(true)
			return cached, nil
		}
		s.metrics.RecordCacheOperation(false)
	}

	courseID, err := s.mappings.CourseIDForProduct(ctx, kiwifyProductID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to resolve product mapping")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, courseID, s.mappingCacheTTL); err != nil {
			s.logger.Warn("failed to cache product mapping", zap.String("kiwify_product_id", kiwifyProductID), zap.Error(err))
		}
	}
	return courseID, nil
}

func parsePurchaseDate(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
