package models

import "time"

// CourseAccess grants a student access to a course. Derived state: its
// existence follows the latest known purchase status for the mapped product.
// Keyed by (student_id, course_id).
type CourseAccess struct {
	ID              string    `db:"id" json:"id"`
	StudentID       string    `db:"student_id" json:"student_id"`
	CourseID        string    `db:"course_id" json:"course_id"`
	AccessGrantedAt time.Time `db:"access_granted_at" json:"access_granted_at"`
}
