package classification

import (
	"errors"
	"fmt"
)

// ClassificationError degrades a document to manual routing. It is never fatal
// to the pipeline.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return "classification failed: " + e.Reason
	}
	return fmt.Sprintf("classification failed: %s: %v", e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

func AsClassificationError(err error) (*ClassificationError, bool) {
	var clsErr *ClassificationError
	if errors.As(err, &clsErr) {
		return clsErr, true
	}
	return nil, false
}
