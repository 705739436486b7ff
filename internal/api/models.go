package api

import (
	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
)

// SessionResponse is returned when a session is created or inspected.
type SessionResponse struct {
	ID              uuid.UUID  `json:"id"`
	OwnerID         *uuid.UUID `json:"owner_id,omitempty"`
	Status          string     `json:"status"`
	FileCount       int        `json:"file_count"`
	EstimatedTokens int64      `json:"estimated_tokens"`
}

// FileResponse is returned when a file is accepted into a session.
type FileResponse struct {
	ID              uuid.UUID `json:"id"`
	Position        int       `json:"position"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	SizeBytes       int64     `json:"size_bytes"`
	EstimatedTokens int64     `json:"estimated_tokens"`
}

// SubmitResponse is returned when a session is submitted for processing.
type SubmitResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	TaskID    uuid.UUID `json:"task_id"`
}

// StatusResponse is the polled status projection.
type StatusResponse struct {
	SessionID       uuid.UUID `json:"session_id"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message,omitempty"`
}

func newSessionResponse(s *domain.UploadSession) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		Status:          string(s.Status),
		FileCount:       s.FileCount,
		EstimatedTokens: s.EstimatedTokens,
	}
}

func newFileResponse(f *domain.FileRef) FileResponse {
	return FileResponse{
		ID:              f.ID,
		Position:        f.Position,
		Name:            f.Name,
		Type:            string(f.Type),
		SizeBytes:       f.SizeBytes,
		EstimatedTokens: f.EstimatedTokens,
	}
}
