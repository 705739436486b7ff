// Package api contains the HTTP handlers, request/response models, and
// error mapping for the study material service.
package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/api/shared"
	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/platform/logger"
	"github.com/chalford/parchment-api/internal/session"
)

// maxUploadBytes caps a single file upload. Anything larger would blow
// through the session token ceiling anyway.
const maxUploadBytes = 20 << 20 // 20 MiB

// SessionHandler handles session lifecycle API requests.
type SessionHandler struct {
	sessions *session.Service
}

// NewSessionHandler creates a new SessionHandler with the given dependencies.
func NewSessionHandler(sessions *session.Service) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Create handles POST /sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r)

	created, err := h.sessions.Create(r.Context(), ownerID)
	if err != nil {
		log := logger.FromContextOrDefault(r.Context(), slog.Default())
		log.Error("failed to create session", slog.String("error", err.Error()))
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, newSessionResponse(created))
}

// UploadFile handles POST /sessions/{id}/files. The file arrives as a
// multipart form with a single "file" field; the filename decides the
// extraction type.
func (h *SessionHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), slog.Default())

	sessionID, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "Invalid session ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		shared.RespondWithError(w, r, http.StatusRequestEntityTooLarge, "Upload too large or malformed")
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing file field")
		return
	}
	defer func() {
		if err := part.Close(); err != nil {
			log.Warn("failed to close upload", slog.String("error", err.Error()))
		}
	}()

	content, err := io.ReadAll(part)
	if err != nil {
		log.Error("failed to read upload",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	file, err := h.sessions.AppendFile(r.Context(), sessionID, header.Filename, content)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, newFileResponse(file))
}

// Submit handles POST /sessions/{id}/submit. Submitting an already
// submitted session returns the original task ID rather than enqueueing a
// second pipeline.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sessionID, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "Invalid session ID")
		return
	}

	taskID, err := h.sessions.Submit(r.Context(), sessionID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitResponse{
		SessionID: sessionID,
		TaskID:    taskID,
	})
}

// Status handles GET /sessions/{id}/status.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "Invalid session ID")
		return
	}

	view, err := h.sessions.GetStatus(r.Context(), sessionID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, StatusResponse{
		SessionID:       sessionID,
		Status:          string(view.Status),
		ProgressPercent: view.ProgressPercent,
		Message:         view.Message,
	})
}

// Delete handles DELETE /sessions/{id}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "Invalid session ID")
		return
	}

	if err := h.sessions.Delete(r.Context(), sessionID, ownerFromContext(r)); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownerFromContext returns the requesting owner's ID, or nil for anonymous
// requests.
func ownerFromContext(r *http.Request) *uuid.UUID {
	ownerID, ok := r.Context().Value(shared.OwnerIDContextKey).(uuid.UUID)
	if !ok || ownerID == uuid.Nil {
		return nil
	}
	return &ownerID
}

// getPathUUID extracts and parses a UUID path parameter.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: missing path parameter %s", domain.ErrValidation, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", domain.ErrValidation, paramName)
	}

	return id, nil
}
