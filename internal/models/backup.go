package models

import "time"

// BackupType enumerates supported tenant backup datasets.
type BackupType string

const (
	BackupTypeStudents  BackupType = "students"
	BackupTypePurchases BackupType = "purchases"
)

// BackupStatus captures background job lifecycle states.
type BackupStatus string

const (
	BackupStatusQueued     BackupStatus = "QUEUED"
	BackupStatusProcessing BackupStatus = "PROCESSING"
	BackupStatusFinished   BackupStatus = "FINISHED"
	BackupStatusFailed     BackupStatus = "FAILED"
)

// BackupJob is persisted background backup job metadata.
type BackupJob struct {
	ID           string       `db:"id" json:"id"`
	TenantID     string       `db:"tenant_id" json:"tenant_id"`
	Type         BackupType   `db:"type" json:"type"`
	Status       BackupStatus `db:"status" json:"status"`
	Progress     int          `db:"progress" json:"progress"`
	ResultURL    *string      `db:"result_url" json:"result_url,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	CreatedBy    string       `db:"created_by" json:"created_by"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	FinishedAt   *time.Time   `db:"finished_at" json:"finished_at,omitempty"`
}
