package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/escolalink/escola-api/internal/models"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
)

type mappingRepository interface {
	List(ctx context.Context) ([]models.ProductMapping, error)
	Upsert(ctx context.Context, mapping *models.ProductMapping) error
	Delete(ctx context.Context, kiwifyProductID string) (bool, error)
}

type mappingCacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

// UpsertMappingRequest binds a Kiwify product to a course.
type UpsertMappingRequest struct {
	KiwifyProductID string `json:"kiwify_product_id" validate:"required"`
	CourseID        string `json:"course_id" validate:"required"`
}

// MappingService exposes super-admin management of the product to course
// lookup table consumed by the webhook processor. Every write invalidates the
// cached lookup so the processor never acts on a stale mapping.
type MappingService struct {
	repo      mappingRepository
	cache     mappingCacheInvalidator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewMappingService constructs the mapping service.
func NewMappingService(repo mappingRepository, cache mappingCacheInvalidator, validate *validator.Validate, logger *zap.Logger) *MappingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MappingService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// List returns all configured mappings.
func (s *MappingService) List(ctx context.Context) ([]models.ProductMapping, error) {
	mappings, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to list product mappings")
	}
	return mappings, nil
}

// Upsert creates or replaces the course bound to a product.
func (s *MappingService) Upsert(ctx context.Context, req UpsertMappingRequest) (*models.ProductMapping, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid mapping payload")
	}
	mapping := &models.ProductMapping{
		KiwifyProductID: req.KiwifyProductID,
		CourseID:        req.CourseID,
	}
	if err := s.repo.Upsert(ctx, mapping); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to save product mapping")
	}
	s.invalidate(ctx, req.KiwifyProductID)
	return mapping, nil
}

// Delete removes the mapping for a product.
func (s *MappingService) Delete(ctx context.Context, kiwifyProductID string) error {
	existed, err := s.repo.Delete(ctx, kiwifyProductID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to delete product mapping")
	}
	if !existed {
		return appErrors.Clone(appErrors.ErrNotFound, "product mapping not found")
	}
	s.invalidate(ctx, kiwifyProductID)
	return nil
}

func (s *MappingService) invalidate(ctx context.Context, kiwifyProductID string) {
	if s.cache == nil {
		return
	}
	invalidateCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.cache.DeleteByPattern(invalidateCtx, mappingCacheKeyPrefix+kiwifyProductID); err != nil {
		s.logger.Warn("failed to invalidate mapping cache", zap.String("kiwify_product_id", kiwifyProductID), zap.Error(err))
	}
}
