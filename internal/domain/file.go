package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileType is the declared type of an uploaded file.
type FileType string

// Accepted file types
const (
	FileTypePDF  FileType = "pdf"
	FileTypeText FileType = "txt"
)

// FileRef-specific validation errors
var (
	ErrFileContentEmpty    = errors.New("file content cannot be empty")
	ErrFileNameEmpty       = errors.New("file name cannot be empty")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// FileRef is one uploaded file inside a session. Immutable once accepted:
// the session manager creates it and nothing else ever mutates it.
type FileRef struct {
	ID              uuid.UUID `json:"id"`
	SessionID       uuid.UUID `json:"session_id"`
	Position        int       `json:"position"`
	Name            string    `json:"name"`
	Type            FileType  `json:"type"`
	SizeBytes       int64     `json:"size_bytes"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	Content         []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewFileRef creates a FileRef for the given session at the given position.
// Returns a validation error if the name, type, or content is unacceptable.
func NewFileRef(sessionID uuid.UUID, position int, name string, content []byte) (*FileRef, error) {
	fileType, err := FileTypeFromName(name)
	if err != nil {
		return nil, err
	}

	f := &FileRef{
		ID:              uuid.New(),
		SessionID:       sessionID,
		Position:        position,
		Name:            name,
		Type:            fileType,
		SizeBytes:       int64(len(content)),
		EstimatedTokens: EstimateTokens(int64(len(content)), fileType),
		Content:         content,
		CreatedAt:       time.Now().UTC(),
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks if the FileRef has valid data.
func (f *FileRef) Validate() error {
	if f.SessionID == uuid.Nil {
		return ErrEmptySessionID
	}
	if strings.TrimSpace(f.Name) == "" {
		return ErrFileNameEmpty
	}
	if len(f.Content) == 0 {
		return ErrFileContentEmpty
	}
	switch f.Type {
	case FileTypePDF, FileTypeText:
		return nil
	default:
		return ErrUnsupportedFileType
	}
}

// FileTypeFromName derives the file type from the name's extension.
// Returns ErrUnsupportedFileType for anything other than .pdf or .txt.
func FileTypeFromName(name string) (FileType, error) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", ErrUnsupportedFileType
	}
	switch strings.ToLower(name[idx+1:]) {
	case "pdf":
		return FileTypePDF, nil
	case "txt":
		return FileTypeText, nil
	default:
		return "", ErrUnsupportedFileType
	}
}

// EstimateTokens is the admission-time token heuristic: roughly four bytes
// per token for plain text, with a heavier divisor for PDF since much of the
// byte size is structure rather than prose. Used only as an upper-bound
// admission check, never as a billing quantity on its own.
func EstimateTokens(sizeBytes int64, fileType FileType) int64 {
	switch fileType {
	case FileTypePDF:
		return sizeBytes / 10
	default:
		return sizeBytes / 4
	}
}
