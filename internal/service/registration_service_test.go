package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escolalink/escola-api/internal/models"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
)

// registrationStoreStub enforces (tenant, code) uniqueness like the database
// constraint does, so the allocator's retry loop can be exercised in-process.
type registrationStoreStub struct {
	mu       sync.Mutex
	codes    map[string]struct{}
	nextID   int
	readErr  error
	writeErr error
	// conflictsBeforeSuccess forces unique violations for the first N writes.
	conflictsBeforeSuccess int
}

func newRegistrationStoreStub() *registrationStoreStub {
	return &registrationStoreStub{codes: make(map[string]struct{})}
}

func (s *registrationStoreStub) seed(tenantID string, codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range codes {
		s.codes[tenantID+"/"+code] = struct{}{}
	}
}

func (s *registrationStoreStub) MaxRegistrationCode(ctx context.Context, tenantID, prefix string) (string, error) {
	if s.readErr != nil {
		return "", s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	max := ""
	for key := range s.codes {
		if !strings.HasPrefix(key, tenantID+"/") {
			continue
		}
		code := strings.TrimPrefix(key, tenantID+"/")
		if !strings.HasPrefix(code, prefix) {
			continue
		}
		if len(code) > len(max) || (len(code) == len(max) && code > max) {
			max = code
		}
	}
	if max == "" {
		return "", sql.ErrNoRows
	}
	return max, nil
}

func (s *registrationStoreStub) CreateWithGuardian(ctx context.Context, student *models.Student, guardian *models.Guardian) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictsBeforeSuccess > 0 {
		s.conflictsBeforeSuccess--
		return &pq.Error{Code: "23505"}
	}
	key := student.TenantID + "/" + student.RegistrationCode
	if _, taken := s.codes[key]; taken {
		return &pq.Error{Code: "23505"}
	}
	s.codes[key] = struct{}{}
	s.nextID++
	student.ID = fmt.Sprintf("student-%d", s.nextID)
	guardian.ID = fmt.Sprintf("guardian-%d", s.nextID)
	return nil
}

func adminClaims(tenantID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", TenantID: tenantID, Role: models.RoleAdmin}
}

func validRegistration(tenantID string, year int) RegisterStudentRequest {
	return RegisterStudentRequest{
		TenantID:   tenantID,
		SchoolYear: year,
		Student: StudentPayload{
			FullName:  "Ana Souza",
			BirthDate: time.Date(2010, 3, 14, 0, 0, 0, 0, time.UTC),
			ClassID:   "class-1",
			CourseID:  "course-1",
		},
		Guardian: GuardianPayload{
			FullName:     "Paulo Souza",
			Relationship: "father",
			Phone:        "+55 11 99999-0000",
		},
	}
}

func newTestRegistrationService(store *registrationStoreStub) *RegistrationService {
	return NewRegistrationService(store, nil, nil, nil, 5, time.Millisecond)
}

func TestRegisterFirstCodeStartsAtFloor(t *testing.T) {
	store := newRegistrationStoreStub()
	svc := newTestRegistrationService(store)

	res, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2025))
	require.NoError(t, err)
	assert.Equal(t, "20251000", res.RegistrationCode)
	assert.NotEmpty(t, res.StudentID)
}

func TestRegisterIncrementsExistingMax(t *testing.T) {
	store := newRegistrationStoreStub()
	store.seed("tenant-a", "20241003", "20241005")
	svc := newTestRegistrationService(store)

	res, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2024))
	require.NoError(t, err)
	assert.Equal(t, "20241006", res.RegistrationCode)
}

func TestRegisterCodesAreScopedToTenantAndYear(t *testing.T) {
	store := newRegistrationStoreStub()
	store.seed("tenant-a", "20241050")
	store.seed("tenant-b", "20249999")
	svc := newTestRegistrationService(store)

	res, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2024))
	require.NoError(t, err)
	assert.Equal(t, "20241051", res.RegistrationCode)

	res, err = svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2025))
	require.NoError(t, err)
	assert.Equal(t, "20251000", res.RegistrationCode)
}

func TestRegisterWidensPastFourDigits(t *testing.T) {
	store := newRegistrationStoreStub()
	store.seed("tenant-a", "20249999")
	svc := newTestRegistrationService(store)

	res, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2024))
	require.NoError(t, err)
	assert.Equal(t, "202410000", res.RegistrationCode)
}

func TestRegisterRetriesOnConflict(t *testing.T) {
	store := newRegistrationStoreStub()
	store.conflictsBeforeSuccess = 2
	svc := newTestRegistrationService(store)

	res, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2025))
	require.NoError(t, err)
	assert.Equal(t, "20251000", res.RegistrationCode)
}

func TestRegisterExhaustsRetries(t *testing.T) {
	store := newRegistrationStoreStub()
	store.conflictsBeforeSuccess = 100
	svc := newTestRegistrationService(store)

	_, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2025))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrAllocationExhausted.Code, appErr.Code)
}

func TestRegisterConcurrentCallersGetDistinctCodes(t *testing.T) {
	store := newRegistrationStoreStub()
	svc := newTestRegistrationService(store)

	const callers = 8
	codes := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2025))
			if assert.NoError(t, err) {
				codes <- res.RegistrationCode
			}
		}()
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]struct{})
	for code := range codes {
		_, dup := seen[code]
		assert.False(t, dup, "duplicate code %s", code)
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, callers)
}

func TestRegisterRejectsTenantMismatch(t *testing.T) {
	svc := newTestRegistrationService(newRegistrationStoreStub())

	_, err := svc.Register(context.Background(), adminClaims("tenant-b"), validRegistration("tenant-a", 2025))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestRegisterRejectsDisallowedRole(t *testing.T) {
	svc := newTestRegistrationService(newRegistrationStoreStub())
	claims := &models.JWTClaims{UserID: "u1", TenantID: "tenant-a", Role: models.RoleTeacher}

	_, err := svc.Register(context.Background(), claims, validRegistration("tenant-a", 2025))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestRegisterRejectsInvalidPayload(t *testing.T) {
	svc := newTestRegistrationService(newRegistrationStoreStub())
	req := validRegistration("tenant-a", 2025)
	req.Student.FullName = ""

	_, err := svc.Register(context.Background(), adminClaims("tenant-a"), req)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestRegisterSurfacesReadFailure(t *testing.T) {
	store := newRegistrationStoreStub()
	store.readErr = errors.New("connection reset")
	svc := newTestRegistrationService(store)

	_, err := svc.Register(context.Background(), adminClaims("tenant-a"), validRegistration("tenant-a", 2025))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrPersistence.Code, appErr.Code)
}
