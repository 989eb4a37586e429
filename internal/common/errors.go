package common

import (
	"errors"
	"fmt"
	"strings"
)

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
)

// ClassificationError reports that a PDF could not be classified.
// Non-fatal: the pipeline treats an unknown document as scanned.
type ClassificationError struct {
	Cause error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification ambiguous: %v", e.Cause)
}

func (e *ClassificationError) Unwrap() error { return e.Cause }

// ExtractionError is a text-extraction stage failure.
type ExtractionError struct {
	Stage     string // "digital" | "ocr" | "render"
	Retryable bool
	Cause     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("text extraction failed (stage=%s, retryable=%t): %v", e.Stage, e.Retryable, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// FieldFailure reports that mandatory invoice fields could not be resolved
// by either extraction layer. Retryable only when the text itself looks like
// a bad OCR pass (re-running OCR at higher fidelity may help).
type FieldFailure struct {
	MissingFields []string
	Retryable     bool
}

func (e *FieldFailure) Error() string {
	return fmt.Sprintf("mandatory fields unresolved: %s", strings.Join(e.MissingFields, ", "))
}

// StorageError is a blob store failure.
type StorageError struct {
	Op        string // "put" | "get"
	Retryable bool
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s failed (retryable=%t): %v", e.Op, e.Retryable, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// PersistenceError is a repository write failure.
type PersistenceError struct {
	Retryable bool
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (retryable=%t): %v", e.Retryable, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Retryable reports whether err carries a retryable marker anywhere in its
// chain. Unknown errors are non-retryable: a corrupt input keeps failing the
// same way, while the adapters tag their own transient failures.
func Retryable(err error) bool {
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return xe.Retryable
	}
	var ff *FieldFailure
	if errors.As(err, &ff) {
		return ff.Retryable
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Reason converts a pipeline error into the human-readable text surfaced by
// the status endpoint. Never a stack trace.
func Reason(err error) string {
	var ff *FieldFailure
	if errors.As(err, &ff) {
		return "could not read required invoice fields: " + strings.Join(ff.MissingFields, ", ")
	}
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return "could not extract text from the document"
	}
	var se *StorageError
	if errors.As(err, &se) {
		return "document storage is temporarily unavailable"
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return "could not save the processing result"
	}
	return "document processing failed"
}

// WrapError annotates err without losing the chain.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
