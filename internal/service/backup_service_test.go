package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escolalink/escola-api/internal/models"
	"github.com/escolalink/escola-api/internal/repository"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
	"github.com/escolalink/escola-api/pkg/jobs"
	"github.com/escolalink/escola-api/pkg/storage"
)

type backupJobStoreStub struct {
	byID   map[string]*models.BackupJob
	nextID int
}

func newBackupJobStoreStub() *backupJobStoreStub {
	return &backupJobStoreStub{byID: make(map[string]*models.BackupJob)}
}

func (s *backupJobStoreStub) Create(ctx context.Context, job *models.BackupJob) error {
	s.nextID++
	job.ID = fmt.Sprintf("job-%d", s.nextID)
	job.CreatedAt = time.Now().UTC()
	copied := *job
	s.byID[job.ID] = &copied
	return nil
}

func (s *backupJobStoreStub) GetByID(ctx context.Context, id string) (*models.BackupJob, error) {
	job, ok := s.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (s *backupJobStoreStub) Update(ctx context.Context, id string, params repository.UpdateBackupJobParams) error {
	job, ok := s.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

type dispatcherStub struct {
	enqueued []jobs.Job
	err      error
}

func (s *dispatcherStub) Enqueue(job jobs.Job) error {
	if s.err != nil {
		return s.err
	}
	s.enqueued = append(s.enqueued, job)
	return nil
}

type backupStudentSourceStub struct {
	students []models.Student
}

func (s *backupStudentSourceStub) ListByTenant(ctx context.Context, tenantID string) ([]models.Student, error) {
	var result []models.Student
	for _, st := range s.students {
		if st.TenantID == tenantID {
			result = append(result, st)
		}
	}
	return result, nil
}

type backupPurchaseSourceStub struct {
	purchases []models.KiwifyPurchase
}

func (s *backupPurchaseSourceStub) ListAll(ctx context.Context) ([]models.KiwifyPurchase, error) {
	return s.purchases, nil
}

type backupFixture struct {
	svc        *BackupService
	store      *backupJobStoreStub
	dispatcher *dispatcherStub
	students   *backupStudentSourceStub
	purchases  *backupPurchaseSourceStub
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("backup-test-secret", time.Minute)

	f := &backupFixture{
		store:      newBackupJobStoreStub(),
		dispatcher: &dispatcherStub{},
		students:   &backupStudentSourceStub{},
		purchases:  &backupPurchaseSourceStub{},
	}
	f.svc = NewBackupService(f.store, f.dispatcher, f.students, f.purchases, local, signer, nil)
	return f
}

func tenantAdminClaims(tenantID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", TenantID: tenantID, Role: models.RoleAdmin}
}

func TestBackupCreateJobEnqueues(t *testing.T) {
	f := newBackupFixture(t)

	job, err := f.svc.CreateJob(context.Background(), tenantAdminClaims("tenant-a"), models.BackupTypeStudents)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusQueued, job.Status)
	assert.Equal(t, "tenant-a", job.TenantID)
	require.Len(t, f.dispatcher.enqueued, 1)
	assert.Equal(t, job.ID, f.dispatcher.enqueued[0].ID)
}

func TestBackupCreateJobPurchasesRequireSuperAdmin(t *testing.T) {
	f := newBackupFixture(t)

	_, err := f.svc.CreateJob(context.Background(), tenantAdminClaims("tenant-a"), models.BackupTypePurchases)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	super := &models.JWTClaims{UserID: "root", TenantID: "tenant-a", Role: models.RoleSuperAdmin}
	_, err = f.svc.CreateJob(context.Background(), super, models.BackupTypePurchases)
	require.NoError(t, err)
}

func TestBackupCreateJobRejectsUnknownType(t *testing.T) {
	f := newBackupFixture(t)

	_, err := f.svc.CreateJob(context.Background(), tenantAdminClaims("tenant-a"), models.BackupType("everything"))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestBackupProcessJobRendersAndSigns(t *testing.T) {
	f := newBackupFixture(t)
	f.students.students = []models.Student{
		{TenantID: "tenant-a", RegistrationCode: "20251000", FullName: "Ana Souza", SchoolYear: 2025, ClassID: "class-1", CourseID: "course-1", BirthDate: time.Date(2010, 3, 14, 0, 0, 0, 0, time.UTC)},
		{TenantID: "tenant-b", RegistrationCode: "20251000", FullName: "Other Tenant", SchoolYear: 2025},
	}

	job, err := f.svc.CreateJob(context.Background(), tenantAdminClaims("tenant-a"), models.BackupTypeStudents)
	require.NoError(t, err)

	require.NoError(t, f.svc.ProcessJob(context.Background(), jobs.Job{ID: job.ID, Type: string(job.Type)}))

	stored := f.store.byID[job.ID]
	assert.Equal(t, models.BackupStatusFinished, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	require.NotNil(t, stored.ResultURL)
	assert.Contains(t, *stored.ResultURL, "/download?token=")

	token := (*stored.ResultURL)[strings.Index(*stored.ResultURL, "token=")+len("token="):]
	download, err := f.svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()

	content, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Contains(t, string(content), "20251000,Ana Souza")
	assert.NotContains(t, string(content), "Other Tenant")
}

func TestBackupGetStatusScopedToTenant(t *testing.T) {
	f := newBackupFixture(t)

	job, err := f.svc.CreateJob(context.Background(), tenantAdminClaims("tenant-a"), models.BackupTypeStudents)
	require.NoError(t, err)

	_, err = f.svc.GetStatus(context.Background(), job.ID, tenantAdminClaims("tenant-b"))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	got, err := f.svc.GetStatus(context.Background(), job.ID, tenantAdminClaims("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestBackupResolveDownloadRejectsBadToken(t *testing.T) {
	f := newBackupFixture(t)

	_, err := f.svc.ResolveDownload(context.Background(), "not-a-token")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}
