package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/escolalink/escola-api/internal/models"
	"github.com/escolalink/escola-api/internal/repository"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
	"github.com/escolalink/escola-api/pkg/export"
	"github.com/escolalink/escola-api/pkg/jobs"
	"github.com/escolalink/escola-api/pkg/storage"
)

type backupJobStore interface {
	Create(ctx context.Context, job *models.BackupJob) error
	GetByID(ctx context.Context, id string) (*models.BackupJob, error)
	Update(ctx context.Context, id string, params repository.UpdateBackupJobParams) error
}

type backupDispatcher interface {
	Enqueue(job jobs.Job) error
}

type backupStudentSource interface {
	ListByTenant(ctx context.Context, tenantID string) ([]models.Student, error)
}

type backupPurchaseSource interface {
	ListAll(ctx context.Context) ([]models.KiwifyPurchase, error)
}

// BackupDownload aggregates resolved download data.
type BackupDownload struct {
	File      *os.File
	Filename  string
	ExpiresAt time.Time
}

// BackupService orchestrates tenant data export jobs: rows are rendered to
// CSV on a worker pool, stored on disk, and exposed through signed expiring
// download tokens.
type BackupService struct {
	repo      backupJobStore
	queue     backupDispatcher
	students  backupStudentSource
	purchases backupPurchaseSource
	exporter  *export.CSVExporter
	store     *storage.LocalStorage
	signer    *storage.SignedURLSigner
	logger    *zap.Logger
}

// NewBackupService constructs the backup service.
func NewBackupService(
	repo backupJobStore,
	queue backupDispatcher,
	students backupStudentSource,
	purchases backupPurchaseSource,
	store *storage.LocalStorage,
	signer *storage.SignedURLSigner,
	logger *zap.Logger,
) *BackupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackupService{
		repo:      repo,
		queue:     queue,
		students:  students,
		purchases: purchases,
		exporter:  export.NewCSVExporter(),
		store:     store,
		signer:    signer,
		logger:    logger,
	}
}

// SetDispatcher installs the queue after construction. The queue's handler is
// ProcessJob, so the two reference each other and cannot be built in one step.
func (s *BackupService) SetDispatcher(queue backupDispatcher) {
	s.queue = queue
}

// CreateJob persists a backup job for the caller's tenant and enqueues it.
func (s *BackupService) CreateJob(ctx context.Context, claims *models.JWTClaims, backupType models.BackupType) (*models.BackupJob, error) {
	if backupType != models.BackupTypeStudents && backupType != models.BackupTypePurchases {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported backup type %q", backupType))
	}
	if backupType == models.BackupTypePurchases && claims.Role != models.RoleSuperAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "purchase backups require the super admin role")
	}

	job := &models.BackupJob{
		TenantID:  claims.TenantID,
		Type:      backupType,
		Status:    models.BackupStatusQueued,
		CreatedBy: claims.UserID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to create backup job")
	}

	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
		status := models.BackupStatusFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		_ = s.repo.Update(ctx, job.ID, repository.UpdateBackupJobParams{
			Status:       &status,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue backup job")
	}
	return job, nil
}

// GetStatus returns job metadata, scoped to the caller's tenant.
func (s *BackupService) GetStatus(ctx context.Context, id string, claims *models.JWTClaims) (*models.BackupJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "backup job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load backup job")
	}
	if claims.Role != models.RoleSuperAdmin && job.TenantID != claims.TenantID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "backup belongs to another tenant")
	}
	return job, nil
}

// ResolveDownload validates the signed token and opens the stored file.
func (s *BackupService) ResolveDownload(ctx context.Context, token string) (*BackupDownload, error) {
	jobID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "backup job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to load backup job")
	}
	if job.Status != models.BackupStatusFinished {
		return nil, appErrors.Clone(appErrors.ErrConflict, "backup is not finished")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open backup file")
	}
	return &BackupDownload{File: file, Filename: fmt.Sprintf("%s-%s.csv", job.Type, job.ID), ExpiresAt: expiresAt}, nil
}

// ProcessJob is the queue handler: it renders the dataset, stores the file,
// and records the signed result URL.
func (s *BackupService) ProcessJob(ctx context.Context, queued jobs.Job) error {
	job, err := s.repo.GetByID(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("load backup job %s: %w", queued.ID, err)
	}

	processing := models.BackupStatusProcessing
	if err := s.repo.Update(ctx, job.ID, repository.UpdateBackupJobParams{Status: &processing}); err != nil {
		return fmt.Errorf("mark backup job processing: %w", err)
	}

	dataset, err := s.buildDataset(ctx, job)
	if err != nil {
		s.markFailed(ctx, job.ID, err)
		return err
	}

	payload, err := s.exporter.Render(*dataset)
	if err != nil {
		s.markFailed(ctx, job.ID, err)
		return fmt.Errorf("render backup csv: %w", err)
	}

	relPath := fmt.Sprintf("%s/%s.csv", job.TenantID, job.ID)
	if _, err := s.store.Save(relPath, payload); err != nil {
		s.markFailed(ctx, job.ID, err)
		return fmt.Errorf("store backup file: %w", err)
	}

	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		s.markFailed(ctx, job.ID, err)
		return fmt.Errorf("sign backup url: %w", err)
	}

	finished := models.BackupStatusFinished
	progress := 100
	resultURL := fmt.Sprintf("/api/v1/backups/%s/download?token=%s", job.ID, token)
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, job.ID, repository.UpdateBackupJobParams{
		Status:     &finished,
		Progress:   &progress,
		ResultURL:  &resultURL,
		FinishedAt: &now,
	}); err != nil {
		return fmt.Errorf("finalize backup job: %w", err)
	}

	s.logger.Info("backup job finished", zap.String("job_id", job.ID), zap.String("tenant_id", job.TenantID), zap.String("type", string(job.Type)))
	return nil
}

func (s *BackupService) buildDataset(ctx context.Context, job *models.BackupJob) (*export.Dataset, error) {
	switch job.Type {
	case models.BackupTypeStudents:
		students, err := s.students.ListByTenant(ctx, job.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load students for backup: %w", err)
		}
		dataset := &export.Dataset{Headers: []string{"registration_code", "full_name", "school_year", "class_id", "course_id", "birth_date"}}
		for _, st := range students {
			dataset.Rows = append(dataset.Rows, map[string]string{
				"registration_code": st.RegistrationCode,
				"full_name":         st.FullName,
				"school_year":       strconv.Itoa(st.SchoolYear),
				"class_id":          st.ClassID,
				"course_id":         st.CourseID,
				"birth_date":        st.BirthDate.Format("2006-01-02"),
			})
		}
		return dataset, nil
	case models.BackupTypePurchases:
		purchases, err := s.purchases.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("load purchases for backup: %w", err)
		}
		dataset := &export.Dataset{Headers: []string{"transaction_id", "kiwify_product_id", "buyer_email", "status", "amount", "purchase_date"}}
		for _, p := range purchases {
			dataset.Rows = append(dataset.Rows, map[string]string{
				"transaction_id":    p.TransactionID,
				"kiwify_product_id": p.KiwifyProductID,
				"buyer_email":       p.BuyerEmail,
				"status":            p.Status,
				"amount":            strconv.FormatFloat(p.Amount, 'f', 2, 64),
				"purchase_date":     p.PurchaseDate.Format(time.RFC3339),
			})
		}
		return dataset, nil
	default:
		return nil, fmt.Errorf("unsupported backup type %q", job.Type)
	}
}

func (s *BackupService) markFailed(ctx context.Context, jobID string, cause error) {
	failed := models.BackupStatusFailed
	msg := cause.Error()
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, jobID, repository.UpdateBackupJobParams{
		Status:       &failed,
		ErrorMessage: &msg,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Error("failed to mark backup job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
