package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of an upload session.
type SessionStatus string

// Possible session status values
const (
	// SessionStatusOpen means the session is still accepting files.
	SessionStatusOpen SessionStatus = "open"

	// SessionStatusSubmitted means a document pipeline task has been enqueued
	// but has not started running yet.
	SessionStatusSubmitted SessionStatus = "submitted"

	// SessionStatusProcessing means extraction or generation work is underway.
	SessionStatusProcessing SessionStatus = "processing"

	// SessionStatusCompleted means every generation job reached a terminal
	// state and at least one of them succeeded.
	SessionStatusCompleted SessionStatus = "completed"

	// SessionStatusFailed means the session can produce no results: extraction
	// failed, or every generation job failed.
	SessionStatusFailed SessionStatus = "failed"
)

// Common validation errors for UploadSession
var (
	ErrEmptySessionID      = errors.New("session ID cannot be empty")
	ErrInvalidSessionState = errors.New("invalid session status")
	ErrSessionNotOpen      = errors.New("session is not accepting files")
	ErrSessionEmpty        = errors.New("session has no files")
)

// MaxSessionFiles is the hard cap on files per session.
const MaxSessionFiles = 5

// UploadSession is a bounded group of user-uploaded files processed together
// into one set of study materials. The owner is nil for anonymous sessions.
//
// Status and ProgressPercent are a projection maintained by the progress
// aggregator; readers must treat them as eventually consistent, never
// recompute them from job rows on the read path.
type UploadSession struct {
	ID              uuid.UUID     `json:"id"`
	OwnerID         *uuid.UUID    `json:"owner_id,omitempty"`
	Status          SessionStatus `json:"status"`
	EstimatedTokens int64         `json:"estimated_tokens"`
	FileCount       int           `json:"file_count"`
	ProgressPercent int           `json:"progress_percent"`
	Message         string        `json:"message,omitempty"`
	PipelineTaskID  *uuid.UUID    `json:"pipeline_task_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	LastUsedAt      time.Time     `json:"last_used_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewUploadSession creates an open session for the given owner.
// A nil owner creates an anonymous session.
func NewUploadSession(ownerID *uuid.UUID) *UploadSession {
	now := time.Now().UTC()
	return &UploadSession{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Status:     SessionStatusOpen,
		CreatedAt:  now,
		LastUsedAt: now,
		UpdatedAt:  now,
	}
}

// Validate checks if the UploadSession has valid data.
func (s *UploadSession) Validate() error {
	if s.ID == uuid.Nil {
		return ErrEmptySessionID
	}
	if !isValidSessionStatus(s.Status) {
		return ErrInvalidSessionState
	}
	if s.FileCount < 0 || s.FileCount > MaxSessionFiles {
		return ErrSessionLimitExceeded
	}
	return nil
}

// CanAppend reports whether another file with the given estimated token count
// fits within the session's limits. tokenCeiling is the configured aggregate
// ceiling across all files.
func (s *UploadSession) CanAppend(estimatedTokens, tokenCeiling int64) error {
	if s.Status != SessionStatusOpen {
		return ErrSessionNotOpen
	}
	if s.FileCount >= MaxSessionFiles {
		return ErrSessionLimitExceeded
	}
	if s.EstimatedTokens+estimatedTokens > tokenCeiling {
		return ErrSessionLimitExceeded
	}
	return nil
}

// Terminal reports whether the session has reached a final state.
func (s *UploadSession) Terminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusFailed
}

// CreditOwnerKey returns the ledger owner key charged for this session's
// jobs: the owner's user ID, or a session-scoped key for anonymous sessions
// drawing on the free allowance.
func (s *UploadSession) CreditOwnerKey() string {
	if s.OwnerID != nil {
		return s.OwnerID.String()
	}
	return "session:" + s.ID.String()
}

// Touch bumps the inactivity clock. Called on every client-visible mutation
// so the GC sweeper only reaps genuinely abandoned sessions.
func (s *UploadSession) Touch() {
	s.LastUsedAt = time.Now().UTC()
	s.UpdatedAt = s.LastUsedAt
}

func isValidSessionStatus(status SessionStatus) bool {
	switch status {
	case SessionStatusOpen, SessionStatusSubmitted, SessionStatusProcessing,
		SessionStatusCompleted, SessionStatusFailed:
		return true
	default:
		return false
	}
}
