package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/escolalink/escola-api/internal/models"
)

// AccessRepository manages derived student course-access grants.
type AccessRepository struct {
	db *sqlx.DB
}

// NewAccessRepository constructs an AccessRepository.
func NewAccessRepository(db *sqlx.DB) *AccessRepository {
	return &AccessRepository{db: db}
}

// Grant upserts the access row keyed by (student_id, course_id). An existing
// grant is left untouched so the original access_granted_at survives
// redelivery.
func (r *AccessRepository) Grant(ctx context.Context, studentID, courseID string) error {
	access := models.CourseAccess{
		ID:              uuid.NewString(),
		StudentID:       studentID,
		CourseID:        courseID,
		AccessGrantedAt: time.Now().UTC(),
	}
	const query = `INSERT INTO student_course_access (id, student_id, course_id, access_granted_at)
        VALUES (:id, :student_id, :course_id, :access_granted_at)
        ON CONFLICT (student_id, course_id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, access); err != nil {
		return fmt.Errorf("grant course access: %w", err)
	}
	return nil
}

// Revoke deletes the grant for the (student, course) pair. Deleting an absent
// row is not an error.
func (r *AccessRepository) Revoke(ctx context.Context, studentID, courseID string) error {
	const query = `DELETE FROM student_course_access WHERE student_id = $1 AND course_id = $2`
	if _, err := r.db.ExecContext(ctx, query, studentID, courseID); err != nil {
		return fmt.Errorf("revoke course access: %w", err)
	}
	return nil
}

// ListByStudent returns every course grant held by a student.
func (r *AccessRepository) ListByStudent(ctx context.Context, studentID string) ([]models.CourseAccess, error) {
	const query = `SELECT id, student_id, course_id, access_granted_at FROM student_course_access WHERE student_id = $1 ORDER BY access_granted_at`
	var grants []models.CourseAccess
	if err := r.db.SelectContext(ctx, &grants, query, studentID); err != nil {
		return nil, fmt.Errorf("list course access: %w", err)
	}
	return grants, nil
}
