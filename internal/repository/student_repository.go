package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/escolalink/escola-api/internal/models"
)

const pqUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation anywhere in its chain.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// StudentRepository manages persistence for student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// MaxRegistrationCode returns the numerically greatest registration code for
// the tenant that starts with prefix. Codes share the prefix and differ only
// in the digit suffix, so ordering by length before value gives the numeric
// maximum even after the suffix grows past four digits. Returns sql.ErrNoRows
// when the tenant has no codes for the prefix yet.
func (r *StudentRepository) MaxRegistrationCode(ctx context.Context, tenantID, prefix string) (string, error) {
	const query = `SELECT registration_code FROM students WHERE tenant_id = $1 AND registration_code LIKE $2 || '%' ORDER BY LENGTH(registration_code) DESC, registration_code DESC LIMIT 1`
	var code string
	if err := r.db.GetContext(ctx, &code, query, tenantID, prefix); err != nil {
		if err == sql.ErrNoRows {
			return "", err
		}
		return "", fmt.Errorf("max registration code: %w", err)
	}
	return code, nil
}

// CreateWithGuardian inserts the student, guardian, and primary link rows in
// one transaction. A unique-constraint violation on the registration code
// rolls everything back; callers detect it with IsUniqueViolation and retry
// with a fresh code.
func (r *StudentRepository) CreateWithGuardian(ctx context.Context, student *models.Student, guardian *models.Guardian) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	if guardian.ID == "" {
		guardian.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if student.CreatedAt.IsZero() {
		student.CreatedAt = now
	}
	student.UpdatedAt = now
	if guardian.CreatedAt.IsZero() {
		guardian.CreatedAt = now
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const studentQuery = `INSERT INTO students (id, tenant_id, user_id, registration_code, school_year, class_id, course_id, full_name, birth_date, created_at, updated_at)
        VALUES (:id, :tenant_id, :user_id, :registration_code, :school_year, :class_id, :course_id, :full_name, :birth_date, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, studentQuery, student); err != nil {
		return fmt.Errorf("insert student: %w", err)
	}

	const guardianQuery = `INSERT INTO guardians (id, tenant_id, full_name, relationship, phone, email, created_at)
        VALUES (:id, :tenant_id, :full_name, :relationship, :phone, :email, :created_at)`
	if _, err := tx.NamedExecContext(ctx, guardianQuery, guardian); err != nil {
		return fmt.Errorf("insert guardian: %w", err)
	}

	link := models.StudentGuardian{
		ID:         uuid.NewString(),
		StudentID:  student.ID,
		GuardianID: guardian.ID,
		IsPrimary:  true,
		CreatedAt:  now,
	}
	const linkQuery = `INSERT INTO student_guardians (id, student_id, guardian_id, is_primary, created_at)
        VALUES (:id, :student_id, :guardian_id, :is_primary, :created_at)`
	if _, err := tx.NamedExecContext(ctx, linkQuery, link); err != nil {
		return fmt.Errorf("insert student guardian link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registration tx: %w", err)
	}
	return nil
}

// FindByID fetches a student by ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, tenant_id, user_id, registration_code, school_year, class_id, course_id, full_name, birth_date, created_at, updated_at FROM students WHERE id = $1 LIMIT 1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find student by id: %w", err)
	}
	return &student, nil
}

// FindByUserID returns the student profile linked to a user account.
func (r *StudentRepository) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	const query = `SELECT id, tenant_id, user_id, registration_code, school_year, class_id, course_id, full_name, birth_date, created_at, updated_at FROM students WHERE user_id = $1 LIMIT 1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find student by user id: %w", err)
	}
	return &student, nil
}

// ListByTenant returns every student of a tenant, ordered by registration code.
func (r *StudentRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.Student, error) {
	const query = `SELECT id, tenant_id, user_id, registration_code, school_year, class_id, course_id, full_name, birth_date, created_at, updated_at FROM students WHERE tenant_id = $1 ORDER BY registration_code`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, tenantID); err != nil {
		return nil, fmt.Errorf("list students by tenant: %w", err)
	}
	return students, nil
}
