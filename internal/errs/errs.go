// Package errs defines the machine-readable failure taxonomy shared by the
// ingestion pipeline, the classifier, and the HTTP surface.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindSchemaViolation       Kind = "schema_violation"
	KindValidation            Kind = "validation_error"
	KindClassifierUnavailable Kind = "classifier_unavailable"
	KindIndexTimeout          Kind = "index_timeout"
	KindInsufficientData      Kind = "insufficient_data"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindInternal              Kind = "internal"
)

// Sentinels for errors.Is; an *Error matches any sentinel of the same kind.
var (
	ErrSchemaViolation       = &Error{Kind: KindSchemaViolation}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrClassifierUnavailable = &Error{Kind: KindClassifierUnavailable}
	ErrIndexTimeout          = &Error{Kind: KindIndexTimeout}
	ErrInsufficientData      = &Error{Kind: KindInsufficientData}
)

const ReasonOrphanAnswer = "orphan_answer"

type Error struct {
	Kind      Kind
	Reason    string
	Message   string
	DatasetID uint
	// BatchStart and BatchEnd are 1-based record positions, inclusive.
	BatchStart int
	BatchEnd   int
	// Record is the 1-based position of the offending record, 0 when the
	// failure is not tied to a single record.
	Record    int
	Field     string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("(" + e.Reason + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.DatasetID != 0 {
		fmt.Fprintf(&b, " [dataset=%d", e.DatasetID)
		if e.BatchEnd > 0 {
			fmt.Fprintf(&b, " batch=%d-%d", e.BatchStart, e.BatchEnd)
		}
		b.WriteString("]")
	}
	if e.Record > 0 {
		fmt.Fprintf(&b, " record=%d", e.Record)
	}
	if e.Field != "" {
		b.WriteString(" field=" + e.Field)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func SchemaViolation(field, msg string) *Error {
	return &Error{Kind: KindSchemaViolation, Field: field, Message: msg}
}

func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: msg}
}

func OrphanAnswer(questionRef string) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  ReasonOrphanAnswer,
		Field:   "question_id",
		Message: fmt.Sprintf("question %q does not exist", questionRef),
	}
}

func ClassifierUnavailable(err error) *Error {
	return &Error{Kind: KindClassifierUnavailable, Message: "classifier unavailable", Retryable: true, Err: err}
}

func IndexTimeout(datasetID uint, err error) *Error {
	return &Error{
		Kind:      KindIndexTimeout,
		Message:   "index did not acknowledge all batches in time",
		DatasetID: datasetID,
		Retryable: true,
		Err:       err,
	}
}

// KindOf returns the taxonomy kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// WithBatch stamps dataset and batch coordinates on err, wrapping foreign
// errors as internal failures.
func WithBatch(err error, datasetID uint, start, end int) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: "batch failed", Err: err}
	} else {
		cp := *e
		e = &cp
	}
	e.DatasetID = datasetID
	e.BatchStart = start
	e.BatchEnd = end
	return e
}
