// Package extraction turns a document blob into raw text and field
// candidates. The OCR engine is an external collaborator behind Engine.
package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/autocompta/internal/document/domain"
)

type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindCorruptFile       ErrorKind = "corrupt_file"
	KindTimeout           ErrorKind = "timeout"
	KindEngineFailure     ErrorKind = "engine_failure"
)

// ExtractionError is terminal for the document generation that produced it.
type ExtractionError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return "extraction " + string(e.Kind)
	}
	return fmt.Sprintf("extraction %s: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed on the same input.
func (e *ExtractionError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindEngineFailure
}

func newError(kind ErrorKind, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Err: err}
}

// AsExtractionError unwraps err into an *ExtractionError.
func AsExtractionError(err error) (*ExtractionError, bool) {
	var extErr *ExtractionError
	if errors.As(err, &extErr) {
		return extErr, true
	}
	return nil, false
}

// Extraction is what an engine read from one blob.
type Extraction struct {
	RawText    string
	Fields     []domain.ExtractedField
	Confidence float64
	PageCount  int
	Metadata   map[string]any
}

type Engine interface {
	Name() string
	Extract(ctx context.Context, blob []byte, mimeType string) (*Extraction, error)
}
