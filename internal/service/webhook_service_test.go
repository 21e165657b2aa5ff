package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escolalink/escola-api/internal/models"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
)

type purchaseStoreStub struct {
	byTransaction map[string]*models.KiwifyPurchase
	upserts       int
	err           error
}

func newPurchaseStoreStub() *purchaseStoreStub {
	return &purchaseStoreStub{byTransaction: make(map[string]*models.KiwifyPurchase)}
}

func (s *purchaseStoreStub) Upsert(ctx context.Context, purchase *models.KiwifyPurchase) error {
	if s.err != nil {
		return s.err
	}
	s.upserts++
	copied := *purchase
	if existing, ok := s.byTransaction[purchase.TransactionID]; ok {
		copied.ID = existing.ID
	} else {
		copied.ID = fmt.Sprintf("purchase-%d", len(s.byTransaction)+1)
	}
	s.byTransaction[purchase.TransactionID] = &copied
	return nil
}

func (s *purchaseStoreStub) UpdateStatus(ctx context.Context, transactionID, status string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	purchase, ok := s.byTransaction[transactionID]
	if !ok {
		return 0, nil
	}
	purchase.Status = status
	return 1, nil
}

func (s *purchaseStoreStub) FindByTransactionID(ctx context.Context, transactionID string) (*models.KiwifyPurchase, error) {
	purchase, ok := s.byTransaction[transactionID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return purchase, nil
}

type mappingStoreStub struct {
	courses map[string]string
	lookups int
}

func (s *mappingStoreStub) CourseIDForProduct(ctx context.Context, kiwifyProductID string) (string, error) {
	s.lookups++
	courseID, ok := s.courses[kiwifyProductID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return courseID, nil
}

type accessStoreStub struct {
	granted map[string]struct{}
	err     error
}

func newAccessStoreStub() *accessStoreStub {
	return &accessStoreStub{granted: make(map[string]struct{})}
}

func (s *accessStoreStub) Grant(ctx context.Context, studentID, courseID string) error {
	if s.err != nil {
		return s.err
	}
	s.granted[studentID+"/"+courseID] = struct{}{}
	return nil
}

func (s *accessStoreStub) Revoke(ctx context.Context, studentID, courseID string) error {
	if s.err != nil {
		return s.err
	}
	delete(s.granted, studentID+"/"+courseID)
	return nil
}

type userStoreStub struct {
	byEmail map[string]*models.User
}

func (s *userStoreStub) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := s.byEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

type studentStoreStub struct {
	byUserID map[string]*models.Student
}

func (s *studentStoreStub) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	student, ok := s.byUserID[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return student, nil
}

type cacheStub struct {
	values map[string]string
	hits   int
	sets   int
}

func newCacheStub() *cacheStub {
	return &cacheStub{values: make(map[string]string)}
}

func (s *cacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	value, ok := s.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	s.hits++
	*(dest.(*string)) = value
	return nil
}

func (s *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.sets++
	s.values[key] = value.(string)
	return nil
}

type webhookFixture struct {
	svc       *WebhookService
	purchases *purchaseStoreStub
	mappings  *mappingStoreStub
	access    *accessStoreStub
	users     *userStoreStub
	students  *studentStoreStub
	cache     *cacheStub
}

const webhookTestSecret = "kiwify-test-secret"

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		purchases: newPurchaseStoreStub(),
		mappings:  &mappingStoreStub{courses: make(map[string]string)},
		access:    newAccessStoreStub(),
		users:     &userStoreStub{byEmail: make(map[string]*models.User)},
		students:  &studentStoreStub{byUserID: make(map[string]*models.Student)},
		cache:     newCacheStub(),
	}
	f.svc = NewWebhookService(f.purchases, f.mappings, f.access, f.users, f.students, f.cache,
		webhookTestSecret, time.Minute, nil, nil)
	return f
}

func (f *webhookFixture) withStudentBuyer(email, userID, studentID string) {
	f.users.byEmail[email] = &models.User{ID: userID, Email: email, Role: models.RoleStudent}
	f.students.byUserID[userID] = &models.Student{ID: studentID, UserID: &userID}
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookTestSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func approvalPayload(transactionID, productID, email string) []byte {
	return []byte(fmt.Sprintf(`{
		"webhook_event_type": "purchase_approved",
		"order": {
			"order_id": %q,
			"product_id": %q,
			"order_status": "paid",
			"charge_amount": 129.90,
			"approved_date": "2026-08-30 10:15:00",
			"Customer": {"email": %q, "full_name": "Ana Souza"}
		}
	}`, transactionID, productID, email))
}

func refundPayload(transactionID string) []byte {
	return []byte(fmt.Sprintf(`{
		"webhook_event_type": "purchase_refunded",
		"order": {"order_id": %q}
	}`, transactionID))
}

func TestVerifySignature(t *testing.T) {
	f := newWebhookFixture()
	body := approvalPayload("tx-1", "prod-1", "ana@example.com")

	assert.True(t, f.svc.VerifySignature(body, signBody(body)))
	assert.False(t, f.svc.VerifySignature(body, signBody([]byte("tampered"))))
	assert.False(t, f.svc.VerifySignature(body, ""))
}

func TestProcessApprovalGrantsAccess(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"
	f.withStudentBuyer("ana@example.com", "user-1", "student-1")

	result, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-1", "ana@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Contains(t, f.access.granted, "student-1/course-1")

	purchase := f.purchases.byTransaction["tx-1"]
	require.NotNil(t, purchase)
	assert.Equal(t, models.PurchaseStatusApproved, purchase.Status)
	require.NotNil(t, purchase.UserID)
	assert.Equal(t, "user-1", *purchase.UserID)
	assert.InDelta(t, 129.90, purchase.Amount, 0.001)
}

func TestProcessApprovalIsIdempotent(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"
	f.withStudentBuyer("ana@example.com", "user-1", "student-1")
	body := approvalPayload("tx-1", "prod-1", "ana@example.com")

	_, err := f.svc.Process(context.Background(), body)
	require.NoError(t, err)
	result, err := f.svc.Process(context.Background(), body)
	require.NoError(t, err)

	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Len(t, f.purchases.byTransaction, 1)
	assert.Len(t, f.access.granted, 1)
}

func TestProcessApprovalUnmappedProductStillRecords(t *testing.T) {
	f := newWebhookFixture()
	f.withStudentBuyer("ana@example.com", "user-1", "student-1")

	result, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-unknown", "ana@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmapped, result.Outcome)
	assert.Contains(t, f.purchases.byTransaction, "tx-1")
	assert.Empty(t, f.access.granted)
}

func TestProcessApprovalUnknownBuyerStillRecords(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"

	result, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-1", "stranger@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownBuyer, result.Outcome)

	purchase := f.purchases.byTransaction["tx-1"]
	require.NotNil(t, purchase)
	assert.Nil(t, purchase.UserID)
	assert.Empty(t, f.access.granted)
}

func TestProcessApprovalNonStudentBuyer(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"
	f.users.byEmail["staff@example.com"] = &models.User{ID: "user-9", Email: "staff@example.com", Role: models.RoleTeacher}

	result, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-1", "staff@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotStudent, result.Outcome)
	assert.Empty(t, f.access.granted)
}

func TestProcessRefundRevokesAccess(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"
	f.withStudentBuyer("ana@example.com", "user-1", "student-1")

	_, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-1", "ana@example.com"))
	require.NoError(t, err)
	require.Contains(t, f.access.granted, "student-1/course-1")

	result, err := f.svc.Process(context.Background(), refundPayload("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevoked, result.Outcome)
	assert.Empty(t, f.access.granted)
	assert.Equal(t, models.PurchaseStatusRefunded, f.purchases.byTransaction["tx-1"].Status)
}

func TestProcessRefundUnknownTransactionFails(t *testing.T) {
	f := newWebhookFixture()

	_, err := f.svc.Process(context.Background(), refundPayload("tx-missing"))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrPersistence.Code, appErr.Code)
}

func TestProcessSubscriptionCanceledRevokes(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"
	f.withStudentBuyer("ana@example.com", "user-1", "student-1")

	_, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-1", "ana@example.com"))
	require.NoError(t, err)

	body := []byte(`{"webhook_event_type": "subscription_canceled", "order": {"order_id": "tx-1"}}`)
	result, err := f.svc.Process(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevoked, result.Outcome)
	assert.Equal(t, models.PurchaseStatusCanceled, f.purchases.byTransaction["tx-1"].Status)
}

func TestProcessIgnoresUnknownEventType(t *testing.T) {
	f := newWebhookFixture()

	body := []byte(`{"webhook_event_type": "pix_created", "order": {"order_id": "tx-1"}}`)
	result, err := f.svc.Process(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Empty(t, f.purchases.byTransaction)
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	f := newWebhookFixture()

	_, err := f.svc.Process(context.Background(), []byte("{not json"))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrInvalidPayload.Code, appErr.Code)
}

func TestProcessCachesMappingLookups(t *testing.T) {
	f := newWebhookFixture()
	f.mappings.courses["prod-1"] = "course-1"
	f.withStudentBuyer("ana@example.com", "user-1", "student-1")

	_, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-1", "ana@example.com"))
	require.NoError(t, err)
	_, err = f.svc.Process(context.Background(), approvalPayload("tx-2", "prod-1", "ana@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.mappings.lookups)
	assert.Equal(t, 1, f.cache.hits)
}

func TestProcessDoesNotCacheUnmappedProducts(t *testing.T) {
	f := newWebhookFixture()

	_, err := f.svc.Process(context.Background(), approvalPayload("tx-1", "prod-unknown", "ana@example.com"))
	require.NoError(t, err)
	_, err = f.svc.Process(context.Background(), approvalPayload("tx-2", "prod-unknown", "ana@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, f.mappings.lookups)
	assert.Equal(t, 0, f.cache.sets)
}
