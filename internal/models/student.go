package models

import "time"

// Student represents a learner registered within one tenant school.
// RegistrationCode is unique per tenant and immutable once assigned.
type Student struct {
	ID               string    `db:"id" json:"id"`
	TenantID         string    `db:"tenant_id" json:"tenant_id"`
	UserID           *string   `db:"user_id" json:"user_id,omitempty"`
	RegistrationCode string    `db:"registration_code" json:"registration_code"`
	SchoolYear       int       `db:"school_year" json:"school_year"`
	ClassID          string    `db:"class_id" json:"class_id"`
	CourseID         string    `db:"course_id" json:"course_id"`
	FullName         string    `db:"full_name" json:"full_name"`
	BirthDate        time.Time `db:"birth_date" json:"birth_date"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}
