package models

import "time"

// Status tracks where a session sits in the analysis pipeline.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Session is one recorded or uploaded lecture and its processing outcome.
// Analysis is non-nil only when Status is completed; a session that failed
// keeps whatever analysis it had before the failing regeneration, and readers
// must key off Status rather than presence of the document. Audio is never
// part of the persisted record.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Status          Status    `json:"status"`
	Analysis        *Analysis `json:"analysis,omitempty"`
}
