package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/escolalink/escola-api/internal/models"
	"github.com/escolalink/escola-api/internal/repository"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
)

// Registration codes below this sequence are reserved for legacy records and
// must never be re-issued.
const minRegistrationSequence = 1000

type registrationStudentRepository interface {
	MaxRegistrationCode(ctx context.Context, tenantID, prefix string) (string, error)
	CreateWithGuardian(ctx context.Context, student *models.Student, guardian *models.Guardian) error
}

// StudentPayload carries the student fields for a registration.
type StudentPayload struct {
	FullName  string    `json:"full_name" validate:"required"`
	BirthDate time.Time `json:"birth_date" validate:"required"`
	ClassID   string    `json:"class_id" validate:"required"`
	CourseID  string    `json:"course_id" validate:"required"`
	UserID    *string   `json:"user_id,omitempty"`
}

// GuardianPayload carries the guardian created alongside the student.
type GuardianPayload struct {
	FullName     string `json:"full_name" validate:"required"`
	Relationship string `json:"relationship" validate:"required"`
	Phone        string `json:"phone"`
	Email        string `json:"email" validate:"omitempty,email"`
}

// RegisterStudentRequest is the full registration payload.
type RegisterStudentRequest struct {
	TenantID   string          `json:"tenant_id" validate:"required"`
	SchoolYear int             `json:"school_year" validate:"required,min=1900"`
	Student    StudentPayload  `json:"student"`
	Guardian   GuardianPayload `json:"guardian"`
}

// RegisterStudentResponse reports the created student and its code.
type RegisterStudentResponse struct {
	StudentID        string `json:"student_id"`
	RegistrationCode string `json:"registration_code"`
}

// RegistrationService allocates unique sequential registration codes and
// persists the registration. The database uniqueness constraint on
// (tenant_id, registration_code) is the sole concurrency control: conflicting
// inserts are detected and retried with a re-read of the current maximum.
type RegistrationService struct {
	repo         registrationStudentRepository
	validator    *validator.Validate
	logger       *zap.Logger
	metrics      *MetricsService
	maxAttempts  int
	retryBackoff time.Duration
}

// NewRegistrationService constructs the registration service.
func NewRegistrationService(repo registrationStudentRepository, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, maxAttempts int, retryBackoff time.Duration) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if retryBackoff <= 0 {
		retryBackoff = 100 * time.Millisecond
	}
	return &RegistrationService{
		repo:         repo,
		validator:    validate,
		logger:       logger,
		metrics:      metrics,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}
}

// Register validates the caller and payload, allocates the next free
// registration code for the tenant/year, and persists the student together
// with the guardian and primary link.
func (s *RegistrationService) Register(ctx context.Context, claims *models.JWTClaims, req RegisterStudentRequest) (*RegisterStudentResponse, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if claims.Role != models.RoleAdmin && claims.Role != models.RoleSecretary {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role not allowed to register students")
	}
	if claims.TenantID != req.TenantID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "tenant mismatch")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	prefix := strconv.Itoa(req.SchoolYear)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.nextCode(ctx, req.TenantID, prefix)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to read current registration codes")
		}

		student := &models.Student{
			TenantID:         req.TenantID,
			UserID:           req.Student.UserID,
			RegistrationCode: code,
			SchoolYear:       req.SchoolYear,
			ClassID:          req.Student.ClassID,
			CourseID:         req.Student.CourseID,
			FullName:         req.Student.FullName,
			BirthDate:        req.Student.BirthDate,
		}
		guardian := &models.Guardian{
			TenantID:     req.TenantID,
			FullName:     req.Guardian.FullName,
			Relationship: req.Guardian.Relationship,
			Phone:        req.Guardian.Phone,
			Email:        req.Guardian.Email,
		}

		err = s.repo.CreateWithGuardian(ctx, student, guardian)
		if err == nil {
			s.logger.Info("student registered",
				zap.String("tenant_id", req.TenantID),
				zap.String("student_id", student.ID),
				zap.String("registration_code", code),
				zap.Int("attempt", attempt))
			return &RegisterStudentResponse{StudentID: student.ID, RegistrationCode: code}, nil
		}

		if !repository.IsUniqueViolation(err) {
			return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to persist registration")
		}

		s.metrics.RecordCodeConflict()
		s.logger.Warn("registration code taken by concurrent writer",
			zap.String("tenant_id", req.TenantID),
			zap.String("registration_code", code),
			zap.Int("attempt", attempt))

		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "registration cancelled")
			}
		}
	}

	return nil, appErrors.Clone(appErrors.ErrAllocationExhausted,
		fmt.Sprintf("could not allocate a unique registration code after %d attempts", s.maxAttempts))
}

// nextCode derives the next candidate from the greatest existing code for the
// tenant/prefix. The maximum is re-read on every attempt; there is
// deliberately no in-process cache of the last issued code.
func (s *RegistrationService) nextCode(ctx context.Context, tenantID, prefix string) (string, error) {
	next := 1
	current, err := s.repo.MaxRegistrationCode(ctx, tenantID, prefix)
	switch {
	case err == nil:
		if suffix, parseErr := strconv.Atoi(strings.TrimPrefix(current, prefix)); parseErr == nil {
			next = suffix + 1
		}
	case errors.Is(err, sql.ErrNoRows):
		// first registration for this tenant/year
	default:
		return "", err
	}

	if next < minRegistrationSequence {
		next = minRegistrationSequence
	}
	return fmt.Sprintf("%s%04d", prefix, next), nil
}

// backoff scales linearly with the attempt number and adds up to 25% jitter
// so concurrent losers do not retry in lockstep.
func (s *RegistrationService) backoff(attempt int) time.Duration {
	base := s.retryBackoff * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}

func (s *RegistrationService) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
