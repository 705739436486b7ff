// Package extraction defines the boundary to the text-extraction routines.
// Extraction itself is a pure function of file bytes; this package only
// provides the interface, a plain-text implementation, and a registry that
// routes by file type.
package extraction

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chalford/parchment-api/internal/domain"
)

// Extractor converts one file's bytes into text.
type Extractor interface {
	// ExtractText returns the textual content of data. Failures are wrapped
	// with domain.ErrExtraction.
	ExtractText(data []byte) (string, error)
}

// Registry routes extraction by file type. Extractors are registered at
// process start; lookups after that are read-only and safe for concurrent
// use.
type Registry struct {
	extractors map[domain.FileType]Extractor
}

// NewRegistry creates a registry with the built-in plain-text extractor.
// PDF support is provided by the caller registering an extractor for
// domain.FileTypePDF.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[domain.FileType]Extractor)}
	r.Register(domain.FileTypeText, PlainTextExtractor{})
	return r
}

// Register installs an extractor for a file type, replacing any previous one.
func (r *Registry) Register(t domain.FileType, e Extractor) {
	r.extractors[t] = e
}

// Extract runs the extractor registered for the file's type.
// An unregistered type is an extraction failure, not a validation error:
// the file was accepted at upload time, so the gap is ours.
func (r *Registry) Extract(file *domain.FileRef) (string, error) {
	e, ok := r.extractors[file.Type]
	if !ok {
		return "", fmt.Errorf("%w: no extractor for file type %q", domain.ErrExtraction, file.Type)
	}

	text, err := e.ExtractText(file.Content)
	if err != nil {
		return "", fmt.Errorf("%w: file %q: %v", domain.ErrExtraction, file.Name, err)
	}
	return text, nil
}

// ExtractAll extracts every file in order and joins the results with blank
// lines. The first failure aborts the whole batch: generating from partial
// input would silently produce materials missing whole documents.
func (r *Registry) ExtractAll(files []*domain.FileRef) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: session has no files", domain.ErrExtraction)
	}

	parts := make([]string, 0, len(files))
	for _, f := range files {
		text, err := r.Extract(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	return strings.Join(parts, "\n\n"), nil
}

// PlainTextExtractor extracts text from .txt files. It rejects content that
// is not valid UTF-8 rather than feeding mojibake to the model.
type PlainTextExtractor struct{}

// ExtractText implements Extractor.
func (PlainTextExtractor) ExtractText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("file is empty")
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file is not valid UTF-8 text")
	}
	return string(data), nil
}
