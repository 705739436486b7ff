package extraction

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts text from PDF files. It checks the magic header
// before parsing so a mislabeled upload fails with a clear message instead of
// a parser panic deep inside the library.
type PDFExtractor struct{}

// ExtractText implements Extractor.
func (PDFExtractor) ExtractText(data []byte) (string, error) {
	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return "", fmt.Errorf("file is missing the PDF header")
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %v", err)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %v", err)
	}

	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %v", err)
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return "", fmt.Errorf("PDF contains no extractable text")
	}
	return string(text), nil
}
