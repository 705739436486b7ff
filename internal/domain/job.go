package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// GenerationKind identifies one of the independent AI-generation task types.
type GenerationKind string

// The three generation kinds. Each runs as an independent job within a
// session's generation group.
const (
	KindFlashcards GenerationKind = "flashcards"
	KindQuestions  GenerationKind = "questions"
	KindTopics     GenerationKind = "topics"
)

// AllKinds returns every generation kind in fan-out order.
func AllKinds() []GenerationKind {
	return []GenerationKind{KindFlashcards, KindQuestions, KindTopics}
}

// IsValidKind reports whether k names a known generation kind.
func IsValidKind(k GenerationKind) bool {
	switch k {
	case KindFlashcards, KindQuestions, KindTopics:
		return true
	default:
		return false
	}
}

// JobStatus represents the state of a single generation job.
type JobStatus string

// Possible generation job status values
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// GenerationJob validation errors
var (
	ErrInvalidJobKind   = errors.New("invalid generation kind")
	ErrInvalidJobStatus = errors.New("invalid job status")
)

// GenerationJob tracks one generation kind for one session. Created by the
// document pipeline at fan-out; owned exclusively by the worker that runs it.
type GenerationJob struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      uuid.UUID      `json:"session_id"`
	Kind           GenerationKind `json:"kind"`
	Status         JobStatus      `json:"status"`
	RetryCount     int            `json:"retry_count"`
	CreditsCharged int64          `json:"credits_charged"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewGenerationJob creates a queued job for the given session and kind.
func NewGenerationJob(sessionID uuid.UUID, kind GenerationKind) (*GenerationJob, error) {
	if sessionID == uuid.Nil {
		return nil, ErrEmptySessionID
	}
	if !IsValidKind(kind) {
		return nil, ErrInvalidJobKind
	}

	now := time.Now().UTC()
	return &GenerationJob{
		ID:        uuid.New(),
		SessionID: sessionID,
		Kind:      kind,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Validate checks if the GenerationJob has valid data.
func (j *GenerationJob) Validate() error {
	if j.SessionID == uuid.Nil {
		return ErrEmptySessionID
	}
	if !IsValidKind(j.Kind) {
		return ErrInvalidJobKind
	}
	switch j.Status {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return nil
	default:
		return ErrInvalidJobStatus
	}
}

// Terminal reports whether the job has reached a final state.
func (j *GenerationJob) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}
