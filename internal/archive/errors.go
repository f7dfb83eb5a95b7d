package archive

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindUnsupportedFormat means no parser recognized the upload.
	KindUnsupportedFormat Kind = "UnsupportedFormat"
	// KindCorruptArchive means the container could not be opened or read.
	KindCorruptArchive Kind = "CorruptArchive"
	// KindExtractionFailed is per-asset and never fails a job.
	KindExtractionFailed Kind = "ExtractionFailed"
	// KindEmbeddingUnavailable is per-batch and never fails a job.
	KindEmbeddingUnavailable Kind = "EmbeddingUnavailable"
	// KindStorageFailure means a disk, database or index write failed.
	KindStorageFailure Kind = "StorageFailure"
	// KindCancelled means the owner cancelled the job.
	KindCancelled Kind = "Cancelled"
)

// Fatal reports whether an error of this kind terminates a job.
func (k Kind) Fatal() bool {
	switch k {
	case KindExtractionFailed, KindEmbeddingUnavailable:
		return false
	default:
		return true
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when target carries no detail,
// so errors.Is(err, ErrCorruptArchive) works on wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrUnsupportedFormat    = &Error{Kind: KindUnsupportedFormat}
	ErrCorruptArchive       = &Error{Kind: KindCorruptArchive}
	ErrExtractionFailed     = &Error{Kind: KindExtractionFailed}
	ErrEmbeddingUnavailable = &Error{Kind: KindEmbeddingUnavailable}
	ErrStorageFailure       = &Error{Kind: KindStorageFailure}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// Errorf builds a classified error. A %w verb in format is preserved.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// Wrap classifies err under kind with a short message.
func Wrap(kind Kind, message string, err error) *Error {
	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies any error. Unclassified errors are storage failures;
// context cancellation is reported as Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindStorageFailure
}

// Reason is the structured failure exposed on a failed job.
type Reason struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ReasonOf converts an error into the reason recorded on a failed job.
func ReasonOf(err error) *Reason {
	if err == nil {
		return nil
	}
	r := &Reason{Kind: KindOf(err), Message: err.Error()}
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		r.Message = ae.Message
	}
	return r
}
